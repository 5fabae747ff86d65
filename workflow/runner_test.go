package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geobcdata/agosync/aggregate"
	"github.com/geobcdata/agosync/config"
	"github.com/geobcdata/agosync/model"
	"github.com/geobcdata/agosync/publish"
	"github.com/geobcdata/agosync/source"
)

func assetRecord(id int64, fields map[string]any) model.Record {
	r := model.NewRecord()
	r.Geometry = orb.Point{-123.0, 49.0}
	r.Fields["ASSET_ID"] = id
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

func testConfig(jobs ...config.JobConfig) *config.Config {
	cfg := config.Default()
	cfg.Portal.Username = "analyst"
	cfg.Jobs = jobs
	return cfg
}

func seedLayer(t *testing.T, src source.Tabular, store publish.FeatureStore, dataset, title string) {
	t.Helper()
	cfg := testConfig(config.JobConfig{
		Name:    "seed",
		Dataset: dataset,
		Mode:    config.ModeFull,
		Title:   title,
	})
	_, err := NewRunner(cfg, src, store, nil, nil).Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestRunJob_FullPublishWithClassification(t *testing.T) {
	src := source.NewMemory()
	src.Load("parks.assets", []model.Record{
		assetRecord(1, map[string]any{"EROSION": "High", "FLOOD": "High", "FIRE": "Low"}),
		assetRecord(2, map[string]any{"EROSION": "Low", "FLOOD": "Moderate", "FIRE": "Low"}),
	})
	store := publish.NewMemStore("analyst")

	cfg := testConfig(config.JobConfig{
		Name:    "parks-assets",
		Dataset: "parks.assets",
		Mode:    config.ModeFull,
		Title:   "parks_assets",
		Classify: &config.ClassifyConfig{
			Inputs: []string{"EROSION", "FLOOD", "FIRE"},
			Output: "RISK_RATING",
		},
	})
	r := NewRunner(cfg, src, store, nil, nil)

	reports, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].RecordsRead)
	assert.Equal(t, 2, reports[0].Published)

	feats, err := store.QueryFeatures(context.Background(), publish.Layer{ItemID: "parks_assets"}, "1=1", nil, false)
	require.NoError(t, err)
	ratings := map[string]string{}
	for _, f := range feats {
		ratings[model.KeyString(f.Attributes["ASSET_ID"])] = f.Attributes["RISK_RATING"].(string)
	}
	assert.Equal(t, "Very High", ratings["1"])
	assert.Equal(t, "Moderate", ratings["2"])
}

func TestRunJob_PatchWithAggregationAndWriteBack(t *testing.T) {
	src := source.NewMemory()
	src.Load("wildlife.units", []model.Record{
		assetRecord(1, map[string]any{"UNIT_ID": int64(10), "SUMMER_SNTVTY": "Sensitive"}),
		assetRecord(2, map[string]any{"UNIT_ID": int64(10), "SUMMER_SNTVTY": "Not Sensitive"}),
		assetRecord(3, map[string]any{"UNIT_ID": int64(20), "SUMMER_SNTVTY": "Not Sensitive"}),
	})
	store := publish.NewMemStore("analyst")
	seedLayer(t, src, store, "wildlife.units", "wildlife_units")

	cfg := testConfig(config.JobConfig{
		Name:     "sensitivity",
		Dataset:  "wildlife.units",
		Mode:     config.ModePatch,
		LayerURL: "mem://wildlife_units",
		KeyField: "ASSET_ID",
		Fields:   []string{"SUMMER_SNTVTY"},
		Aggregate: &config.AggregateConfig{
			WriteBack: true,
			Triggers: []aggregate.Trigger{{
				Name:     "SUMMER_SNTVTY",
				Equals:   "Sensitive",
				Baseline: "Not Sensitive",
				Elevated: "Sensitive",
			}},
		},
	})
	reports, err := NewRunner(cfg, src, store, nil, nil).Run(context.Background(), []string{"sensitivity"})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	require.NotNil(t, report.Patch)
	assert.Equal(t, 3, report.Patch.Matched)
	assert.Equal(t, 3, report.Patch.Updated)
	assert.Equal(t, 3, report.AggregatedKeys)

	// Aggregation is keyed by ASSET_ID here, so each row is its own key;
	// remote state mirrors the local broadcast values.
	feats, err := store.QueryFeatures(context.Background(), publish.Layer{ItemID: "wildlife_units"}, "1=1", nil, false)
	require.NoError(t, err)
	byAsset := map[string]any{}
	for _, f := range feats {
		byAsset[model.KeyString(f.Attributes["ASSET_ID"])] = f.Attributes["SUMMER_SNTVTY"]
	}
	assert.Equal(t, "Sensitive", byAsset["1"])
	assert.Equal(t, "Not Sensitive", byAsset["2"])

	// Write-back landed in the local dataset too.
	local, err := src.Read(context.Background(), "wildlife.units", nil)
	require.NoError(t, err)
	s, _ := local[0].String("SUMMER_SNTVTY")
	assert.Equal(t, "Sensitive", s)
}

func TestRunJob_AggregationByUnitKey(t *testing.T) {
	src := source.NewMemory()
	src.Load("wildlife.units", []model.Record{
		assetRecord(1, map[string]any{"UNIT_ID": int64(10), "SUMMER_SNTVTY": "Sensitive"}),
		assetRecord(2, map[string]any{"UNIT_ID": int64(10), "SUMMER_SNTVTY": "Not Sensitive"}),
		assetRecord(3, map[string]any{"UNIT_ID": int64(20), "SUMMER_SNTVTY": "Not Sensitive"}),
	})
	store := publish.NewMemStore("analyst")
	seedLayer(t, src, store, "wildlife.units", "wildlife_units")

	cfg := testConfig(config.JobConfig{
		Name:     "unit-sensitivity",
		Dataset:  "wildlife.units",
		Mode:     config.ModePatch,
		LayerURL: "mem://wildlife_units",
		KeyField: "UNIT_ID",
		Fields:   []string{"SUMMER_SNTVTY"},
		Aggregate: &config.AggregateConfig{
			Triggers: []aggregate.Trigger{{
				Name:     "SUMMER_SNTVTY",
				Equals:   "Sensitive",
				Baseline: "Not Sensitive",
				Elevated: "Sensitive",
			}},
		},
	})
	reports, err := NewRunner(cfg, src, store, nil, nil).Run(context.Background(), nil)
	require.NoError(t, err)

	// Two distinct units; any Sensitive row elevates its whole unit.
	assert.Equal(t, 2, reports[0].AggregatedKeys)

	feats, err := store.QueryFeatures(context.Background(), publish.Layer{ItemID: "wildlife_units"}, "1=1", nil, false)
	require.NoError(t, err)
	byUnit := map[string][]any{}
	for _, f := range feats {
		unit := model.KeyString(f.Attributes["UNIT_ID"])
		byUnit[unit] = append(byUnit[unit], f.Attributes["SUMMER_SNTVTY"])
	}
	for _, v := range byUnit["10"] {
		assert.Equal(t, "Sensitive", v)
	}
	for _, v := range byUnit["20"] {
		assert.Equal(t, "Not Sensitive", v)
	}
}

func TestRunJob_WritesChangeLog(t *testing.T) {
	src := source.NewMemory()
	src.Load("parks.assets", []model.Record{assetRecord(1, nil)})
	store := publish.NewMemStore("analyst")

	cfg := testConfig(config.JobConfig{
		Name:    "parks-assets",
		Dataset: "parks.assets",
		Mode:    config.ModeFull,
		Title:   "parks_assets",
	})
	cfg.LogDir = t.TempDir()

	_, err := NewRunner(cfg, src, store, nil, nil).Run(context.Background(), nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(cfg.LogDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "parks-assets")
	assert.Contains(t, string(data), "Records read:    1")
}

func TestRun_UnknownJob(t *testing.T) {
	cfg := testConfig(config.JobConfig{
		Name: "a", Dataset: "d", Mode: config.ModeFull, Title: "t",
	})
	r := NewRunner(cfg, source.NewMemory(), publish.NewMemStore("analyst"), nil, nil)

	_, err := r.Run(context.Background(), []string{"missing"})
	assert.Error(t, err)
}

func TestRun_FirstFailureAborts(t *testing.T) {
	src := source.NewMemory()
	// "broken" dataset is never loaded, so the first job fails.
	src.Load("ok.dataset", []model.Record{assetRecord(1, nil)})
	store := publish.NewMemStore("analyst")

	cfg := testConfig(
		config.JobConfig{Name: "broken", Dataset: "missing.dataset", Mode: config.ModeFull, Title: "t1"},
		config.JobConfig{Name: "ok", Dataset: "ok.dataset", Mode: config.ModeFull, Title: "t2"},
	)
	r := NewRunner(cfg, src, store, nil, nil)

	_, err := r.Run(context.Background(), nil)
	require.Error(t, err)

	// The second job never published.
	_, err = store.QueryFeatures(context.Background(), publish.Layer{ItemID: "t2"}, "1=1", nil, false)
	assert.Error(t, err)
}
