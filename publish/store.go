// Package publish converts local datasets into remote feature-layer
// state: full-dataset publishes with overwrite semantics, and keyed
// batched patches against already-published layers.
package publish

import (
	"context"

	"github.com/paulmach/orb"
)

// Item is a content artifact held by the remote store (e.g. an uploaded
// GeoJSON file backing a feature layer).
type Item struct {
	ID    string
	Title string
	Owner string
	Type  string
}

// ItemProperties describes an artifact to be created.
type ItemProperties struct {
	Title       string
	Type        string
	Tags        string
	Description string
	FileName    string
}

// Layer is a published feature layer.
type Layer struct {
	// ItemID identifies the layer's item in the store.
	ItemID string

	// URL is the layer's query/edit endpoint.
	URL string
}

// Feature is one remote record: a store-internal object ID plus the
// flat attribute mapping and optional geometry.
type Feature struct {
	ObjectID   int64
	Attributes map[string]any
	Geometry   orb.Geometry
}

// UpdateResult is the store's per-item verdict for one submitted update.
type UpdateResult struct {
	ObjectID int64
	Success  bool
	Error    string
}

// FeatureStore is the remote feature-service platform as the publisher
// sees it. Implementations: ago.Client (REST), MemStore (in-memory, for
// tests and dry runs).
type FeatureStore interface {
	// FindItems returns artifacts matching title, owner, and item type.
	FindItems(ctx context.Context, title, owner, itemType string) ([]Item, error)

	// DeleteItem permanently removes an artifact.
	DeleteItem(ctx context.Context, itemID string) error

	// CreateItem uploads a new artifact with the given payload into folder.
	CreateItem(ctx context.Context, props ItemProperties, payload []byte, folder string) (Item, error)

	// PublishItem publishes an artifact as a feature layer, overwriting
	// the existing layer of the same name when overwrite is set.
	PublishItem(ctx context.Context, itemID string, overwrite bool) (Layer, error)

	// QueryFeatures returns the layer's features matching the where
	// clause, projected to outFields.
	QueryFeatures(ctx context.Context, layer Layer, where string, outFields []string, returnGeometry bool) ([]Feature, error)

	// ApplyUpdates submits one batch of whole-feature updates and
	// reports a per-item result. The store does not support
	// partial-field updates; each feature's full attribute set is sent.
	ApplyUpdates(ctx context.Context, layer Layer, updates []Feature) ([]UpdateResult, error)
}
