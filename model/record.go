// Package model defines the record and label types shared by the
// classification, aggregation, and publishing stages.
package model

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/paulmach/orb"
)

// Record is one row of a dataset: a mapping from field name to scalar
// value, optionally carrying a geometry. Scalar values are string,
// float64, int64, time.Time, or nil. Identity within a dataset is
// positional; identity across datasets is given by a business key field.
type Record struct {
	// Fields maps field name to scalar value.
	Fields map[string]any

	// Geometry is the optional shape for this record.
	Geometry orb.Geometry

	// CRS tags the coordinate reference system of Geometry (e.g. "EPSG:4326").
	CRS string
}

// NewRecord creates an empty record.
func NewRecord() Record {
	return Record{Fields: make(map[string]any)}
}

// String returns the value of field as a string. Nil values and missing
// fields return ("", false). Non-string scalars are not coerced.
func (r Record) String(field string) (string, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the value of field as a float64, coercing integer and
// numeric-string values. NaN and missing fields return (0, false).
func (r Record) Number(field string) (float64, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Key returns the canonical string form of the business key field.
// Numeric keys are rendered without a fractional part so that a float
// 123.0 read from one source correlates with an int 123 from another.
func (r Record) Key(field string) (string, error) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", fmt.Errorf("record has no value for key field %q", field)
	}
	return KeyString(v), nil
}

// KeyString renders a scalar business-key value in canonical form.
func KeyString(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	case float64:
		if k == math.Trunc(k) && !math.IsInf(k, 0) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case time.Time:
		return k.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Clone returns a deep copy of the record's fields. The geometry is
// shared; stages never mutate geometries in place.
func (r Record) Clone() Record {
	out := Record{
		Fields:   make(map[string]any, len(r.Fields)),
		Geometry: r.Geometry,
		CRS:      r.CRS,
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}
