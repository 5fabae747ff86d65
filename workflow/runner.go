// Package workflow wires the pipeline stages into runnable jobs:
// read from the local source, classify and aggregate, then publish or
// patch the remote layer.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/geobcdata/agosync/aggregate"
	"github.com/geobcdata/agosync/classify"
	"github.com/geobcdata/agosync/config"
	"github.com/geobcdata/agosync/publish"
	"github.com/geobcdata/agosync/source"
)

// Report summarizes one job run. It feeds the change log, the run
// event, and the CLI output.
type Report struct {
	RunID    string    `json:"run_id"`
	Job      string    `json:"job"`
	Mode     string    `json:"mode"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	RecordsRead    int `json:"records_read"`
	Classified     int `json:"classified,omitempty"`
	AggregatedKeys int `json:"aggregated_keys,omitempty"`

	// Published is the number of features sent in a full publish.
	Published int `json:"published,omitempty"`

	// Patch carries the correlation/update counts for patch jobs.
	Patch *publish.PatchReport `json:"patch,omitempty"`
}

// Runner executes configured jobs sequentially. There is exactly one
// writer per run; concurrent runs against the same remote artifact are
// not supported.
type Runner struct {
	cfg    *config.Config
	src    source.Tabular
	pub    *publish.Publisher
	events *Events
	logger *slog.Logger
}

// NewRunner creates a runner over the given source and feature store.
// events may be nil.
func NewRunner(cfg *config.Config, src source.Tabular, store publish.FeatureStore, events *Events, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		src:    src,
		pub:    publish.New(store, cfg.Portal.Username, logger),
		events: events,
		logger: logger,
	}
}

// Run executes the named jobs in order, or every configured job when
// names is empty. The first job failure aborts the run; a bad local
// snapshot must not feed later jobs.
func (r *Runner) Run(ctx context.Context, names []string) ([]Report, error) {
	jobs, err := r.resolve(names)
	if err != nil {
		return nil, err
	}

	var reports []Report
	for _, job := range jobs {
		report, err := r.RunJob(ctx, job)
		if report != nil {
			reports = append(reports, *report)
		}
		if err != nil {
			return reports, fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	return reports, nil
}

func (r *Runner) resolve(names []string) ([]*config.JobConfig, error) {
	if len(names) == 0 {
		jobs := make([]*config.JobConfig, len(r.cfg.Jobs))
		for i := range r.cfg.Jobs {
			jobs[i] = &r.cfg.Jobs[i]
		}
		return jobs, nil
	}
	jobs := make([]*config.JobConfig, 0, len(names))
	for _, name := range names {
		job, err := r.cfg.Job(name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RunJob executes one job end to end.
func (r *Runner) RunJob(ctx context.Context, job *config.JobConfig) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Job:     job.Name,
		Mode:    job.Mode,
		Started: time.Now(),
	}
	logger := r.logger.With("job", job.Name, "run_id", report.RunID)
	logger.Info("job started", "dataset", job.Dataset, "mode", job.Mode)

	recs, err := r.src.Read(ctx, job.Dataset, nil)
	if err != nil {
		return report, fmt.Errorf("read %q: %w", job.Dataset, err)
	}
	report.RecordsRead = len(recs)

	if job.Classify != nil {
		c := classify.Classifier{
			Inputs: job.Classify.Inputs,
			Output: job.Classify.Output,
			Strict: job.Classify.Strict,
		}
		if err := c.Apply(recs); err != nil {
			return report, err
		}
		report.Classified = len(recs)
	}

	if job.Aggregate != nil {
		aggCtx, err := aggregate.Run(job.KeyField, job.Aggregate.Triggers, recs)
		if err != nil {
			return report, err
		}
		report.AggregatedKeys = len(aggCtx.Statuses())

		if job.Aggregate.WriteBack {
			fields := make([]string, 0, len(job.Aggregate.Triggers))
			for _, trig := range job.Aggregate.Triggers {
				fields = append(fields, trig.Name)
			}
			if err := r.src.Write(ctx, job.Dataset, job.KeyField, recs, fields); err != nil {
				return report, fmt.Errorf("write back %q: %w", job.Dataset, err)
			}
			logger.Info("aggregation written back", "fields", fields)
		}
	}

	switch job.Mode {
	case config.ModeFull:
		_, err := r.pub.Publish(ctx, recs, publish.PublishOptions{
			Title:       job.Title,
			Folder:      job.Folder,
			Description: job.Description,
			FileName:    job.FileName,
			Tags:        job.Tags,
			Fields:      job.Fields,
		})
		if err != nil {
			return report, err
		}
		report.Published = len(recs)

	case config.ModePatch:
		layer := publish.Layer{ItemID: job.Title, URL: job.LayerURL}
		patch, err := r.pub.Patch(ctx, layer, recs, publish.PatchOptions{
			KeyField:  job.KeyField,
			Fields:    job.Fields,
			BatchSize: job.BatchSize,
			Unmatched: publish.UnmatchedPolicy(job.Unmatched),
		})
		report.Patch = patch
		if err != nil {
			return report, err
		}

	default:
		return report, fmt.Errorf("unknown mode %q", job.Mode)
	}

	report.Finished = time.Now()

	if r.cfg.LogDir != "" {
		if err := WriteChangeLog(r.cfg.LogDir, report); err != nil {
			logger.Warn("write change log", "error", err)
		}
	}
	if r.events != nil {
		if err := r.events.Publish(report); err != nil {
			logger.Warn("publish run event", "error", err)
		}
	}

	logger.Info("job finished", "duration", report.Finished.Sub(report.Started))
	return report, nil
}
