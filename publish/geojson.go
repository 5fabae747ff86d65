package publish

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/geobcdata/agosync/model"
)

// Collection serializes records into a GeoJSON feature collection, one
// geometry plus one flat property mapping per feature. Only the listed
// fields are carried; an empty fields slice carries every field.
func Collection(recs []model.Record, fields []string) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for i, rec := range recs {
		if rec.Geometry == nil {
			return nil, fmt.Errorf("record %d has no geometry", i)
		}
		f := geojson.NewFeature(rec.Geometry)
		if len(fields) == 0 {
			for name, v := range rec.Fields {
				f.Properties[name] = Sentinel(v)
			}
		} else {
			for _, name := range fields {
				f.Properties[name] = Sentinel(rec.Fields[name])
			}
		}
		fc.Append(f)
	}
	return fc, nil
}

// Payload serializes records to the GeoJSON bytes uploaded to the store.
func Payload(recs []model.Record, fields []string) ([]byte, error) {
	fc, err := Collection(recs, fields)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("marshal feature collection: %w", err)
	}
	return data, nil
}

// Sentinel normalizes a scalar for transmission. Nil and NaN become the
// empty-string sentinel and timestamps become RFC 3339 strings. This is
// lossy: numeric/date null distinctions do not survive the wire.
func Sentinel(v any) any {
	switch s := v.(type) {
	case nil:
		return ""
	case float64:
		if math.IsNaN(s) {
			return ""
		}
		return s
	case time.Time:
		if s.IsZero() {
			return ""
		}
		return s.Format(time.RFC3339)
	default:
		return v
	}
}
