package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/truthforge/forge/internal/dlq"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Mode selects the write discipline for a run.
type Mode string

const (
	// ModeNullOnly skips entities whose owned columns are already filled.
	ModeNullOnly Mode = "null-only"
	// ModeOverwrite recomputes and replaces existing values.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend recomputes everything like overwrite. The storage keeps one
	// row per entity, so appended values replace the previous generation.
	ModeAppend Mode = "append"
)

const (
	defaultWriteBatch = 200
	maxAttempts       = 3
)

// RunOpts shapes one pass execution.
type RunOpts struct {
	Pass      string
	Mode      Mode
	Levels    []int // subset of the pass's levels; empty means all of them
	Source    string
	EntityIDs []string
	Limit     int
	Offset    int

	WriteBatchSize int
	ByteBudget     int // flush early once buffered text bytes pass this
	DryRun         bool
}

// Report summarizes one pass execution.
type Report struct {
	Pass         string        `json:"pass"`
	Mode         Mode          `json:"mode"`
	Selected     int           `json:"selected"`
	Enriched     int           `json:"enriched"`
	Failed       int           `json:"failed"`
	Retried      int           `json:"retried"`
	DryRun       bool          `json:"dry_run,omitempty"`
	SelectionSQL string        `json:"selection_sql,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Runner executes enrichment passes against the canonical store.
type Runner struct {
	deps Deps
	root string // run root, holds the dlq directory
}

func NewRunner(deps Deps, root string) *Runner {
	return &Runner{deps: deps, root: root}
}

// quarantined is the DLQ payload for a failed enrichment record.
type quarantined struct {
	EntityID    string `json:"entity_id"`
	Level       int    `json:"level"`
	TextPreview string `json:"text_preview"`
}

// Run selects eligible entities, computes the pass over them, and writes the
// results in batches. A single bad record never aborts the run.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	start := time.Now()
	pass, err := NewPass(opts.Pass, r.deps)
	if err != nil {
		return nil, err
	}
	desc := pass.Descriptor()

	levels := desc.Levels
	if len(opts.Levels) > 0 {
		levels = intersectLevels(opts.Levels, desc.Levels)
		if len(levels) == 0 {
			return nil, fmt.Errorf("pass %q does not apply to levels %v", desc.Name, opts.Levels)
		}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeNullOnly
	}
	sel := canonical.SelectOpts{
		Levels:    levels,
		Source:    opts.Source,
		Columns:   desc.OwnedColumns,
		Force:     mode != ModeNullOnly,
		EntityIDs: opts.EntityIDs,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}

	report := &Report{Pass: desc.Name, Mode: mode}
	if opts.DryRun {
		report.DryRun = true
		report.SelectionSQL, err = r.deps.Store.SelectionSQL(sel)
		if err != nil {
			return nil, err
		}
	}

	targets, err := r.deps.Store.SelectForEnrichment(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("select for %s: %w", desc.Name, err)
	}
	report.Selected = len(targets)
	if opts.DryRun {
		report.Duration = time.Since(start)
		return report, nil
	}

	queue, err := dlq.New(r.root, "enrichment_"+desc.Name)
	if err != nil {
		return nil, err
	}

	writeBatch := opts.WriteBatchSize
	if writeBatch <= 0 {
		writeBatch = defaultWriteBatch
	}

	var batch []canonical.EnrichmentRow
	batchBytes := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.withRetry(ctx, report, func() error {
			return r.deps.Store.UpsertEnrichments(ctx, desc.Stamp, desc.OwnedColumns, batch)
		})
		if err != nil {
			return fmt.Errorf("write %s batch: %w", desc.Name, err)
		}
		report.Enriched += len(batch)
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var vals map[string]any
		err := r.withRetry(ctx, report, func() error {
			var passErr error
			vals, passErr = pass.Enrich(ctx, t)
			return passErr
		})
		if err != nil {
			report.Failed++
			record := quarantined{EntityID: t.EntityID, Level: t.Level, TextPreview: preview(t.Text)}
			if dErr := queue.Send(record, err, "enrichment_"+desc.Name, maxAttempts); dErr != nil {
				return report, fmt.Errorf("quarantine %s: %w", t.EntityID, dErr)
			}
			r.deps.Log.Warn("enrichment record failed",
				"pass", desc.Name, "entity_id", t.EntityID, "error", err)
			continue
		}
		batch = append(batch, canonical.EnrichmentRow{EntityID: t.EntityID, Values: vals})
		batchBytes += len(t.Text)
		if len(batch) >= writeBatch || (opts.ByteBudget > 0 && batchBytes >= opts.ByteBudget) {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	metrics.Current().ObserveEnrichmentRun(desc.Name, report.Enriched, report.Failed, report.Duration)
	r.deps.Log.Info("enrichment pass finished",
		"pass", desc.Name, "selected", report.Selected,
		"enriched", report.Enriched, "failed", report.Failed,
		"duration", report.Duration.String())
	return report, nil
}

// withRetry runs fn up to maxAttempts times, backing off exponentially, but
// only for transient network-class failures. Data errors surface at once.
func (r *Runner) withRetry(ctx context.Context, report *Report, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !transient(err) || attempt >= maxAttempts {
			return err
		}
		report.Retried++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
		}
	}
}

func transient(err error) bool {
	var mErr *ModelError
	if errors.As(err, &mErr) {
		return mErr.Transient()
	}
	var nErr net.Error
	return errors.As(err, &nErr)
}

func intersectLevels(want, allowed []int) []int {
	set := make(map[int]bool, len(allowed))
	for _, l := range allowed {
		set[l] = true
	}
	var out []int
	for _, l := range want {
		if set[l] {
			out = append(out, l)
		}
	}
	return out
}

func preview(text string) string {
	const max = 120
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
