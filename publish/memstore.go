package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

// MemStore is an in-memory FeatureStore. It backs dry runs and tests:
// it honors the same overwrite and per-item semantics the REST client
// expects from the real platform.
type MemStore struct {
	mu        sync.Mutex
	ownerName string
	items     map[string]memItem
	layers    map[string]*memLayer

	// BatchSizes records the size of every ApplyUpdates call, in order.
	BatchSizes []int

	// FailObjects maps object IDs to an error message; updates touching
	// them are rejected per item, simulating store-side failures.
	FailObjects map[int64]string
}

type memItem struct {
	item    Item
	payload []byte
	folder  string
}

type memLayer struct {
	layer    Layer
	features []Feature
	nextOID  int64
}

// NewMemStore creates an empty in-memory store serving one principal.
func NewMemStore(owner string) *MemStore {
	return &MemStore{
		ownerName: owner,
		items:     make(map[string]memItem),
		layers:    make(map[string]*memLayer),
	}
}

// FindItems returns artifacts whose title contains the search title,
// like the platform's fuzzy content search.
func (s *MemStore) FindItems(ctx context.Context, title, owner, typ string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if strings.Contains(it.item.Title, title) && it.item.Owner == owner && it.item.Type == typ {
			out = append(out, it.item)
		}
	}
	return out, nil
}

// DeleteItem removes an artifact. Layers published from it survive, as
// they do on the real platform, until an overwrite-publish replaces them.
func (s *MemStore) DeleteItem(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	delete(s.items, itemID)
	return nil
}

// CreateItem stores a new artifact.
func (s *MemStore) CreateItem(ctx context.Context, props ItemProperties, payload []byte, folder string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := Item{
		ID:    uuid.NewString(),
		Title: props.Title,
		Owner: s.ownerName,
		Type:  props.Type,
	}
	s.items[item.ID] = memItem{item: item, payload: payload, folder: folder}
	return item, nil
}

// PublishItem parses the artifact payload as a GeoJSON feature
// collection and materializes a layer.
func (s *MemStore) PublishItem(ctx context.Context, itemID string, overwrite bool) (Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return Layer{}, fmt.Errorf("item %s not found", itemID)
	}
	fc, err := geojson.UnmarshalFeatureCollection(it.payload)
	if err != nil {
		return Layer{}, fmt.Errorf("item %s payload is not a feature collection: %w", itemID, err)
	}

	// Layers are keyed by artifact title, so overwrite-publishing the
	// same title replaces features instead of creating a second layer.
	layerID := it.item.Title
	_, exists := s.layers[layerID]
	if exists && !overwrite {
		return Layer{}, fmt.Errorf("layer %s already exists", layerID)
	}
	ml := &memLayer{layer: Layer{ItemID: layerID, URL: "mem://" + layerID}}
	for _, f := range fc.Features {
		ml.nextOID++
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			attrs[k] = v
		}
		ml.features = append(ml.features, Feature{
			ObjectID:   ml.nextOID,
			Attributes: attrs,
			Geometry:   f.Geometry,
		})
	}
	s.layers[layerID] = ml
	return ml.layer, nil
}

// layer resolves a layer reference by item ID, falling back to URL.
// Callers hold the lock.
func (s *MemStore) layer(l Layer) (*memLayer, bool) {
	if ml, ok := s.layers[l.ItemID]; ok {
		return ml, true
	}
	if l.URL != "" {
		for _, ml := range s.layers {
			if ml.layer.URL == l.URL {
				return ml, true
			}
		}
	}
	return nil, false
}

// QueryFeatures returns copies of the layer's features projected to
// outFields. Only the trivial "1=1" where clause is supported.
func (s *MemStore) QueryFeatures(ctx context.Context, layer Layer, where string, outFields []string, returnGeometry bool) ([]Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ml, ok := s.layer(layer)
	if !ok {
		return nil, fmt.Errorf("layer %s not found", layer.ItemID)
	}
	if where != "" && where != "1=1" {
		return nil, fmt.Errorf("unsupported where clause %q", where)
	}
	out := make([]Feature, 0, len(ml.features))
	for _, f := range ml.features {
		proj := Feature{ObjectID: f.ObjectID, Attributes: make(map[string]any)}
		if len(outFields) == 0 {
			for k, v := range f.Attributes {
				proj.Attributes[k] = v
			}
		} else {
			for _, name := range outFields {
				if v, ok := f.Attributes[name]; ok {
					proj.Attributes[name] = v
				}
			}
		}
		if returnGeometry {
			proj.Geometry = f.Geometry
		}
		out = append(out, proj)
	}
	return out, nil
}

// ApplyUpdates replaces attributes on existing features by object ID.
func (s *MemStore) ApplyUpdates(ctx context.Context, layer Layer, updates []Feature) ([]UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ml, ok := s.layer(layer)
	if !ok {
		return nil, fmt.Errorf("layer %s not found", layer.ItemID)
	}
	s.BatchSizes = append(s.BatchSizes, len(updates))

	results := make([]UpdateResult, 0, len(updates))
	for _, upd := range updates {
		if msg, fail := s.FailObjects[upd.ObjectID]; fail {
			results = append(results, UpdateResult{ObjectID: upd.ObjectID, Success: false, Error: msg})
			continue
		}
		applied := false
		for i := range ml.features {
			if ml.features[i].ObjectID != upd.ObjectID {
				continue
			}
			for k, v := range upd.Attributes {
				ml.features[i].Attributes[k] = v
			}
			applied = true
			break
		}
		if !applied {
			results = append(results, UpdateResult{ObjectID: upd.ObjectID, Success: false, Error: "object not found"})
			continue
		}
		results = append(results, UpdateResult{ObjectID: upd.ObjectID, Success: true})
	}
	return results, nil
}
