// Package aggregate collapses duplicate records sharing a business key
// into one status per key, then broadcasts that status back onto every
// record.
//
// The computation is two passes over the same record set. Pass 1
// (Collect) builds the key→status map with monotonic promotion: once a
// trigger elevates a key it stays elevated for the rest of the pass.
// Pass 2 (Broadcast) writes each key's final status into every record
// carrying that key. Because promotion is monotonic and keyed, the
// result is independent of input row order.
package aggregate

import (
	"fmt"

	"github.com/geobcdata/agosync/model"
)

// Trigger names one status output and the condition that elevates it.
// Exactly one of Equals or Threshold should be set: Equals elevates on
// an exact value match, Threshold on a numeric field value >= Threshold.
type Trigger struct {
	// Name is the output field the status is written to (e.g. "SUMMER_SNTVTY").
	Name string `yaml:"name"`

	// Field is the input field inspected on each record. Defaults to Name.
	Field string `yaml:"field"`

	// Equals elevates the key when the field exactly matches this value.
	Equals string `yaml:"equals"`

	// Threshold elevates the key when the field's numeric value is >= it
	// (e.g. stream order >= 8).
	Threshold *float64 `yaml:"threshold"`

	// Baseline and Elevated are the stored status values. Default "N"/"Y".
	Baseline string `yaml:"baseline"`
	Elevated string `yaml:"elevated"`
}

func (t Trigger) field() string {
	if t.Field != "" {
		return t.Field
	}
	return t.Name
}

func (t Trigger) baseline() string {
	if t.Baseline != "" {
		return t.Baseline
	}
	return model.SensitivityBaseline
}

func (t Trigger) elevated() string {
	if t.Elevated != "" {
		return t.Elevated
	}
	return model.SensitivityElevated
}

// satisfied reports whether the record meets the trigger condition.
func (t Trigger) satisfied(rec model.Record) bool {
	if t.Equals != "" {
		s, ok := rec.String(t.field())
		return ok && s == t.Equals
	}
	if t.Threshold != nil {
		n, ok := rec.Number(t.field())
		return ok && n >= *t.Threshold
	}
	return false
}

// Status holds one key's final values, trigger name → stored value.
type Status map[string]string

// KeyConsistencyError reports a key seen during Broadcast that Collect
// never saw. It means the two passes ran over different record sets and
// the snapshot cannot be trusted.
type KeyConsistencyError struct {
	Key string
}

func (e *KeyConsistencyError) Error() string {
	return fmt.Sprintf("aggregate: key %q appeared in broadcast pass but not in collect pass", e.Key)
}

// Context owns the key→status map threaded through both passes. A
// Context is built for one dataset pass and must not be reused across
// record sets.
type Context struct {
	keyField string
	triggers []Trigger
	statuses map[string]Status
}

// NewContext creates an aggregation context for one dataset pass.
func NewContext(keyField string, triggers []Trigger) *Context {
	return &Context{
		keyField: keyField,
		triggers: triggers,
		statuses: make(map[string]Status),
	}
}

// Collect is pass 1: every record's key gets a baseline entry, and each
// satisfied trigger promotes the key's status to elevated. Promotion is
// monotonic within the pass.
func (c *Context) Collect(recs []model.Record) error {
	for i, rec := range recs {
		key, err := rec.Key(c.keyField)
		if err != nil {
			return fmt.Errorf("collect record %d: %w", i, err)
		}
		status, ok := c.statuses[key]
		if !ok {
			status = make(Status, len(c.triggers))
			for _, t := range c.triggers {
				status[t.Name] = t.baseline()
			}
			c.statuses[key] = status
		}
		for _, t := range c.triggers {
			if t.satisfied(rec) {
				status[t.Name] = t.elevated()
			}
		}
	}
	return nil
}

// Broadcast is pass 2: writes each key's final status into the record's
// output fields. A key absent from the collect pass is fatal.
func (c *Context) Broadcast(recs []model.Record) error {
	for i := range recs {
		key, err := recs[i].Key(c.keyField)
		if err != nil {
			return fmt.Errorf("broadcast record %d: %w", i, err)
		}
		status, ok := c.statuses[key]
		if !ok {
			return &KeyConsistencyError{Key: key}
		}
		for name, value := range status {
			recs[i].Fields[name] = value
		}
	}
	return nil
}

// Statuses returns a copy of the key→status map, for reporting and tests.
func (c *Context) Statuses() map[string]Status {
	out := make(map[string]Status, len(c.statuses))
	for key, status := range c.statuses {
		s := make(Status, len(status))
		for name, value := range status {
			s[name] = value
		}
		out[key] = s
	}
	return out
}

// Run performs both passes over the same record set.
func Run(keyField string, triggers []Trigger, recs []model.Record) (*Context, error) {
	ctx := NewContext(keyField, triggers)
	if err := ctx.Collect(recs); err != nil {
		return nil, err
	}
	if err := ctx.Broadcast(recs); err != nil {
		return nil, err
	}
	return ctx, nil
}
