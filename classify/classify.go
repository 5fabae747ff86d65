// Package classify derives a combined rating from per-record
// sub-indicator fields.
//
// The rule is deliberately simple and counts only exact matches: with h
// occurrences of "High" and m of "Moderate" across the configured input
// fields, h > 1 yields Very High, h == 1 yields High, m > 0 yields
// Moderate, and everything else yields Low. Missing values count as
// neither. In the default lenient mode an unrecognized string also falls
// through to Low; Strict mode turns it into an InputError instead.
package classify

import (
	"fmt"

	"github.com/geobcdata/agosync/model"
)

// Classifier computes a combined rating from sub-indicator fields.
// It is pure per record: the decision never depends on sibling records.
type Classifier struct {
	// Inputs are the sub-indicator field names, each expected to hold
	// Low, Moderate, or High.
	Inputs []string

	// Output is the field the combined rating is written to.
	Output string

	// Strict rejects out-of-domain input values instead of silently
	// treating them as Low.
	Strict bool
}

// InputError reports a sub-indicator value outside {Low, Moderate, High}.
// Only returned in Strict mode.
type InputError struct {
	Field string
	Value any
}

func (e *InputError) Error() string {
	return fmt.Sprintf("classify: field %q has out-of-domain value %v", e.Field, e.Value)
}

// Rate computes the combined rating for a single record.
func (c Classifier) Rate(rec model.Record) (model.Rating, error) {
	var high, moderate int
	for _, field := range c.Inputs {
		v, ok := rec.Fields[field]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		switch {
		case isString && s == string(model.RatingHigh):
			high++
		case isString && s == string(model.RatingModerate):
			moderate++
		case isString && (s == string(model.RatingLow) || s == ""):
			// counts as neither
		default:
			if c.Strict {
				return "", &InputError{Field: field, Value: v}
			}
		}
	}

	switch {
	case high > 1:
		return model.RatingVeryHigh, nil
	case high == 1:
		return model.RatingHigh, nil
	case moderate > 0:
		return model.RatingModerate, nil
	default:
		return model.RatingLow, nil
	}
}

// Apply rates every record and writes the result into the output field.
// In Strict mode the first out-of-domain value aborts the whole pass; a
// bad value means a bad snapshot.
func (c Classifier) Apply(recs []model.Record) error {
	if c.Output == "" {
		return fmt.Errorf("classify: no output field configured")
	}
	for i := range recs {
		rating, err := c.Rate(recs[i])
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		recs[i].Fields[c.Output] = string(rating)
	}
	return nil
}
