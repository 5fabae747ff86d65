// Package source provides access to the local analyst database: named
// tabular datasets read into records and written back by business key.
package source

import (
	"context"

	"github.com/geobcdata/agosync/model"
)

// Tabular yields rows of typed attribute values for named datasets.
// Read must be stable and re-iterable: the two-pass aggregation reads a
// snapshot once, then writes results back keyed by the same field
// values.
type Tabular interface {
	// Read returns the dataset's records projected to fields. An empty
	// fields slice reads every field.
	Read(ctx context.Context, dataset string, fields []string) ([]model.Record, error)

	// Write updates the listed fields on the dataset's rows, correlated
	// by the business key field. Rows are never inserted or deleted.
	Write(ctx context.Context, dataset, keyField string, recs []model.Record, fields []string) error
}
