package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteChangeLog writes a per-run text summary into dir, one file per
// job run, for the analysts who review what a sync changed.
func WriteChangeLog(dir string, report *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Job:      %s (%s)\n", report.Job, report.Mode)
	fmt.Fprintf(&b, "Run:      %s\n", report.RunID)
	fmt.Fprintf(&b, "Started:  %s\n", report.Started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Finished: %s\n\n", report.Finished.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Records read:    %d\n", report.RecordsRead)
	if report.Classified > 0 {
		fmt.Fprintf(&b, "Classified:      %d\n", report.Classified)
	}
	if report.AggregatedKeys > 0 {
		fmt.Fprintf(&b, "Aggregated keys: %d\n", report.AggregatedKeys)
	}
	if report.Published > 0 {
		fmt.Fprintf(&b, "Published:       %d\n", report.Published)
	}
	if p := report.Patch; p != nil {
		fmt.Fprintf(&b, "Remote features: %d\n", p.Remote)
		fmt.Fprintf(&b, "Matched:         %d\n", p.Matched)
		fmt.Fprintf(&b, "Updated:         %d\n", p.Updated)
		fmt.Fprintf(&b, "Batches:         %d\n", p.Batches)
		if len(p.UnmatchedKeys) > 0 {
			fmt.Fprintf(&b, "\nLocal keys with no remote feature:\n")
			for _, key := range p.UnmatchedKeys {
				fmt.Fprintf(&b, "  - %s\n", key)
			}
		}
		if len(p.Failures) > 0 {
			fmt.Fprintf(&b, "\nRejected updates:\n")
			for _, f := range p.Failures {
				fmt.Fprintf(&b, "  - object %d: %s\n", f.ObjectID, f.Message)
			}
		}
	}

	name := fmt.Sprintf("%s_%s.log", report.Job, report.Started.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write change log: %w", err)
	}
	return nil
}
