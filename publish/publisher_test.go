package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geobcdata/agosync/model"
)

func unitRecords(units ...int64) []model.Record {
	recs := make([]model.Record, 0, len(units))
	for _, u := range units {
		r := model.NewRecord()
		r.Geometry = orb.Point{float64(u), float64(u)}
		r.Fields["UNIT_ID"] = u
		r.Fields["SUMMER_SNTVTY"] = "N"
		recs = append(recs, r)
	}
	return recs
}

func publishFixture(t *testing.T, store *MemStore, units ...int64) Layer {
	t.Helper()
	p := New(store, "analyst", nil)
	layer, err := p.Publish(context.Background(), unitRecords(units...), PublishOptions{
		Title:  "wildlife_units",
		Folder: "Wildlife",
	})
	require.NoError(t, err)
	return layer
}

func TestPublish_FullDatasetIdempotent(t *testing.T) {
	store := NewMemStore("analyst")
	p := New(store, "analyst", nil)

	recs := unitRecords(1, 2, 3)
	layer1, err := p.Publish(context.Background(), recs, PublishOptions{Title: "wildlife_units"})
	require.NoError(t, err)
	first, err := store.QueryFeatures(context.Background(), layer1, "1=1", nil, false)
	require.NoError(t, err)

	layer2, err := p.Publish(context.Background(), recs, PublishOptions{Title: "wildlife_units"})
	require.NoError(t, err)
	second, err := store.QueryFeatures(context.Background(), layer2, "1=1", nil, false)
	require.NoError(t, err)

	assert.Equal(t, first, second, "republish must reproduce identical remote state")

	// No duplicate artifacts left behind.
	items, err := store.FindItems(context.Background(), "wildlife_units", "analyst", "GeoJson")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPublish_DeletesOnlyExactTitleMatches(t *testing.T) {
	store := NewMemStore("analyst")
	p := New(store, "analyst", nil)

	_, err := p.Publish(context.Background(), unitRecords(1), PublishOptions{Title: "wildlife_units_v2"})
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), unitRecords(1), PublishOptions{Title: "wildlife_units"})
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), unitRecords(1), PublishOptions{Title: "wildlife_units"})
	require.NoError(t, err)

	// The fuzzy search matches wildlife_units_v2 for title wildlife_units;
	// it must survive the republish.
	items, err := store.FindItems(context.Background(), "wildlife_units_v2", "analyst", "GeoJson")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPublish_FailureNamesStep(t *testing.T) {
	store := NewMemStore("analyst")
	p := New(store, "analyst", nil)

	// A record without geometry fails serialization before any remote call.
	_, err := p.Publish(context.Background(), []model.Record{model.NewRecord()}, PublishOptions{Title: "t"})
	require.Error(t, err)
	var pubErr *PublishError
	assert.False(t, errors.As(err, &pubErr), "local serialize failure is not a store error")

	// Store-level failure during create is wrapped with its step.
	failing := &failingStore{FeatureStore: store, failCreate: true}
	p = New(failing, "analyst", nil)
	_, err = p.Publish(context.Background(), unitRecords(1), PublishOptions{Title: "t"})
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, StepCreate, pubErr.Step)
}

// failingStore wraps a FeatureStore and fails selected calls.
type failingStore struct {
	FeatureStore
	failCreate bool
}

func (s *failingStore) CreateItem(ctx context.Context, props ItemProperties, payload []byte, folder string) (Item, error) {
	if s.failCreate {
		return Item{}, fmt.Errorf("boom")
	}
	return s.FeatureStore.CreateItem(ctx, props, payload, folder)
}

func TestPatch_CorrelatesByKeyAndSkipsUnmatched(t *testing.T) {
	store := NewMemStore("analyst")
	layer := publishFixture(t, store, 1, 2, 3)
	p := New(store, "analyst", nil)

	local := unitRecords(2, 3, 4)
	for i := range local {
		local[i].Fields["SUMMER_SNTVTY"] = "Y"
	}

	report, err := p.Patch(context.Background(), layer, local, PatchOptions{
		KeyField: "UNIT_ID",
		Fields:   []string{"SUMMER_SNTVTY"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, []string{"4"}, report.UnmatchedKeys)
	assert.Empty(t, report.Failures)

	feats, err := store.QueryFeatures(context.Background(), layer, "1=1", nil, false)
	require.NoError(t, err)
	byKey := map[string]any{}
	for _, f := range feats {
		byKey[model.KeyString(f.Attributes["UNIT_ID"])] = f.Attributes["SUMMER_SNTVTY"]
	}
	assert.Equal(t, "N", byKey["1"], "unmatched remote features stay untouched")
	assert.Equal(t, "Y", byKey["2"])
	assert.Equal(t, "Y", byKey["3"])
}

func TestPatch_NeverInserts(t *testing.T) {
	store := NewMemStore("analyst")
	layer := publishFixture(t, store, 1)
	p := New(store, "analyst", nil)

	_, err := p.Patch(context.Background(), layer, unitRecords(9), PatchOptions{
		KeyField: "UNIT_ID",
		Fields:   []string{"SUMMER_SNTVTY"},
	})
	require.NoError(t, err)

	feats, err := store.QueryFeatures(context.Background(), layer, "1=1", nil, false)
	require.NoError(t, err)
	assert.Len(t, feats, 1)
}

func TestPatch_BatchBoundaries(t *testing.T) {
	units := make([]int64, 250)
	for i := range units {
		units[i] = int64(i + 1)
	}
	store := NewMemStore("analyst")
	layer := publishFixture(t, store, units...)
	p := New(store, "analyst", nil)

	store.BatchSizes = nil
	report, err := p.Patch(context.Background(), layer, unitRecords(units...), PatchOptions{
		KeyField:  "UNIT_ID",
		Fields:    []string{"SUMMER_SNTVTY"},
		BatchSize: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, []int{100, 100, 50}, store.BatchSizes)
	assert.Equal(t, 250, report.Updated)
}

func TestPatch_ItemFailureDoesNotAbortRemainingBatches(t *testing.T) {
	store := NewMemStore("analyst")
	layer := publishFixture(t, store, 1, 2, 3, 4)
	p := New(store, "analyst", nil)

	// Object IDs are assigned in publish order, so unit 2 is object 2.
	store.FailObjects = map[int64]string{2: "geometry could not be processed"}

	report, err := p.Patch(context.Background(), layer, unitRecords(1, 2, 3, 4), PatchOptions{
		KeyField:  "UNIT_ID",
		Fields:    []string{"SUMMER_SNTVTY"},
		BatchSize: 2,
	})
	require.NoError(t, err, "per-item failures are non-fatal")

	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 3, report.Updated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(2), report.Failures[0].ObjectID)
}

func TestPatch_UnmatchedPolicyError(t *testing.T) {
	store := NewMemStore("analyst")
	layer := publishFixture(t, store, 1)
	p := New(store, "analyst", nil)

	report, err := p.Patch(context.Background(), layer, unitRecords(1, 7), PatchOptions{
		KeyField:  "UNIT_ID",
		Fields:    []string{"SUMMER_SNTVTY"},
		Unmatched: PolicyError,
	})
	require.ErrorIs(t, err, ErrUnmatchedKeys)
	// The full scan still ran: the report names every unmatched key.
	assert.Equal(t, []string{"7"}, report.UnmatchedKeys)
}

func TestPatch_Validation(t *testing.T) {
	p := New(NewMemStore("analyst"), "analyst", nil)

	_, err := p.Patch(context.Background(), Layer{}, nil, PatchOptions{Fields: []string{"F"}})
	assert.Error(t, err)

	_, err = p.Patch(context.Background(), Layer{}, nil, PatchOptions{KeyField: "K"})
	assert.Error(t, err)
}
