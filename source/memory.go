package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/geobcdata/agosync/model"
)

// Memory is an in-memory Tabular for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	datasets map[string][]model.Record
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{datasets: make(map[string][]model.Record)}
}

// Load replaces a dataset's records.
func (m *Memory) Load(dataset string, recs []model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[dataset] = recs
}

// Read returns copies of the dataset's records projected to fields.
func (m *Memory) Read(ctx context.Context, dataset string, fields []string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %q not found", dataset)
	}
	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		if len(fields) == 0 {
			out = append(out, rec.Clone())
			continue
		}
		proj := model.Record{Fields: make(map[string]any, len(fields)), Geometry: rec.Geometry, CRS: rec.CRS}
		for _, f := range fields {
			if v, ok := rec.Fields[f]; ok {
				proj.Fields[f] = v
			}
		}
		out = append(out, proj)
	}
	return out, nil
}

// Write updates the listed fields on every stored row whose key matches
// an incoming record.
func (m *Memory) Write(ctx context.Context, dataset, keyField string, recs []model.Record, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.datasets[dataset]
	if !ok {
		return fmt.Errorf("dataset %q not found", dataset)
	}

	updates := make(map[string]model.Record, len(recs))
	for i, rec := range recs {
		key, err := rec.Key(keyField)
		if err != nil {
			return fmt.Errorf("write record %d: %w", i, err)
		}
		updates[key] = rec
	}

	for i := range stored {
		key, err := stored[i].Key(keyField)
		if err != nil {
			return fmt.Errorf("stored row %d: %w", i, err)
		}
		upd, ok := updates[key]
		if !ok {
			continue
		}
		for _, f := range fields {
			stored[i].Fields[f] = upd.Fields[f]
		}
	}
	return nil
}
