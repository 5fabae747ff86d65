package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/geobcdata/agosync/model"
)

// DefaultBatchSize is the number of feature updates submitted per
// request when the caller does not configure one. It exists to respect
// the store's maximum-items-per-request limit, not for throughput.
const DefaultBatchSize = 100

// itemType is the artifact type used for uploaded payloads.
const itemType = "GeoJson"

// UnmatchedPolicy controls what Patch does with local records whose
// business key has no remote counterpart.
type UnmatchedPolicy string

// Unmatched policies. The default silently skips, matching the
// historical workflows; Warn logs and counts; Error fails the call
// after the full correlation scan.
const (
	PolicyIgnore UnmatchedPolicy = "ignore"
	PolicyWarn   UnmatchedPolicy = "warn"
	PolicyError  UnmatchedPolicy = "error"
)

// Publisher writes local dataset state into a remote feature store.
type Publisher struct {
	store  FeatureStore
	owner  string
	logger *slog.Logger
}

// New creates a publisher writing as the given owning principal.
func New(store FeatureStore, owner string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, owner: owner, logger: logger}
}

// PublishOptions configures a full-dataset publish.
type PublishOptions struct {
	// Title names the artifact and the published layer.
	Title string

	// Folder is the store folder the artifact is created in.
	Folder string

	// Description is attached to the created artifact.
	Description string

	// FileName is the upload file name (without extension).
	FileName string

	// Tags are attached to the created artifact.
	Tags string

	// Fields restricts the published attributes. Empty publishes all.
	Fields []string
}

// Publish performs a full-dataset publish: any previously published
// artifact of the same title owned by the same principal is deleted, a
// fresh artifact is created, and the store is told to overwrite the
// layer backing it. Republishing identical input yields identical
// remote state.
//
// The delete-then-create window is not atomic: if create or publish
// fails after delete succeeded, the old artifact is already gone. The
// returned PublishError names the failing step.
func (p *Publisher) Publish(ctx context.Context, recs []model.Record, opts PublishOptions) (Layer, error) {
	if opts.Title == "" {
		return Layer{}, fmt.Errorf("publish: no title configured")
	}
	payload, err := Payload(recs, opts.Fields)
	if err != nil {
		return Layer{}, fmt.Errorf("serialize %q: %w", opts.Title, err)
	}

	existing, err := p.store.FindItems(ctx, opts.Title, p.owner, itemType)
	if err != nil {
		return Layer{}, &PublishError{Step: StepFind, Title: opts.Title, Err: err}
	}
	for _, item := range existing {
		// FindItems may match on substrings; delete exact titles only.
		if item.Title != opts.Title {
			continue
		}
		if err := p.store.DeleteItem(ctx, item.ID); err != nil {
			return Layer{}, &PublishError{Step: StepDelete, Title: opts.Title, Err: err}
		}
		p.logger.Info("deleted existing artifact", "title", item.Title, "item_id", item.ID)
	}

	fileName := opts.FileName
	if fileName == "" {
		fileName = opts.Title
	}
	props := ItemProperties{
		Title:       opts.Title,
		Type:        itemType,
		Tags:        opts.Tags,
		Description: opts.Description,
		FileName:    fileName + ".geojson",
	}
	item, err := p.store.CreateItem(ctx, props, payload, opts.Folder)
	if err != nil {
		return Layer{}, &PublishError{Step: StepCreate, Title: opts.Title, Err: err}
	}

	layer, err := p.store.PublishItem(ctx, item.ID, true)
	if err != nil {
		return Layer{}, &PublishError{Step: StepPublish, Title: opts.Title, Err: err}
	}

	p.logger.Info("published feature layer",
		"title", opts.Title, "features", len(recs), "layer_item", layer.ItemID)
	return layer, nil
}

// PatchOptions configures a keyed partial update.
type PatchOptions struct {
	// KeyField is the business key used to correlate local records with
	// remote features.
	KeyField string

	// Fields are the attributes written onto matched remote features.
	Fields []string

	// BatchSize bounds each submission. Zero means DefaultBatchSize.
	BatchSize int

	// Unmatched is the policy for local records with no remote match.
	Unmatched UnmatchedPolicy
}

// PatchReport summarizes one patch call.
type PatchReport struct {
	// Remote is the number of features the layer currently holds.
	Remote int

	// Matched is the number of local records whose key had a remote
	// counterpart; each produces one submitted update.
	Matched int

	// Updated is the number of updates the store accepted.
	Updated int

	// Batches is the number of submission calls made.
	Batches int

	// UnmatchedKeys lists local keys with no remote counterpart, in
	// input order.
	UnmatchedKeys []string

	// Failures holds the per-item rejections. Non-fatal.
	Failures []BatchItemError
}

// Patch updates the designated fields on remote features whose business
// key matches a local record. Features are never inserted here; new
// features only appear via a full-dataset Publish. Matched updates are
// submitted in discovery order in fixed-size batches, and a rejected
// item never aborts subsequent batches.
func (p *Publisher) Patch(ctx context.Context, layer Layer, recs []model.Record, opts PatchOptions) (*PatchReport, error) {
	if opts.KeyField == "" {
		return nil, fmt.Errorf("patch: no key field configured")
	}
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("patch: no fields configured")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	outFields := append([]string{opts.KeyField}, opts.Fields...)
	remote, err := p.store.QueryFeatures(ctx, layer, "1=1", outFields, false)
	if err != nil {
		return nil, &PublishError{Step: StepQuery, Title: layer.ItemID, Err: err}
	}

	byKey := make(map[string]int, len(remote))
	for i, f := range remote {
		v, ok := f.Attributes[opts.KeyField]
		if !ok || v == nil {
			continue
		}
		byKey[model.KeyString(v)] = i
	}

	report := &PatchReport{Remote: len(remote)}

	// Correlate: mark matched features for submission, in the order the
	// matches are discovered.
	var pending []Feature
	for i := range recs {
		key, err := recs[i].Key(opts.KeyField)
		if err != nil {
			return nil, fmt.Errorf("patch record %d: %w", i, err)
		}
		idx, ok := byKey[key]
		if !ok {
			report.UnmatchedKeys = append(report.UnmatchedKeys, key)
			if opts.Unmatched == PolicyWarn {
				p.logger.Warn("no remote feature for key", "key", key)
			}
			continue
		}
		f := remote[idx]
		for _, field := range opts.Fields {
			f.Attributes[field] = Sentinel(recs[i].Fields[field])
		}
		pending = append(pending, f)
		report.Matched++
	}

	if opts.Unmatched == PolicyError && len(report.UnmatchedKeys) > 0 {
		return report, fmt.Errorf("patch: %d %w", len(report.UnmatchedKeys), ErrUnmatchedKeys)
	}

	// Submit in fixed-size batches. Best effort: per-item failures are
	// recorded and the remaining batches proceed.
	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		batch := pending[start:end]

		results, err := p.store.ApplyUpdates(ctx, layer, batch)
		if err != nil {
			return report, &PublishError{Step: StepSubmit, Title: layer.ItemID, Err: err}
		}
		report.Batches++

		for _, res := range results {
			if res.Success {
				report.Updated++
				continue
			}
			itemErr := BatchItemError{ObjectID: res.ObjectID, Message: res.Error}
			report.Failures = append(report.Failures, itemErr)
			p.logger.Warn("update rejected", "object_id", res.ObjectID, "error", res.Error)
		}
	}

	p.logger.Info("patch complete",
		"matched", report.Matched, "updated", report.Updated,
		"batches", report.Batches, "unmatched", len(report.UnmatchedKeys),
		"failed", len(report.Failures))
	return report, nil
}
