package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/truthforge/forge/internal/logger"
)

// Record is whatever shape a stage moves: file manifests early on, messages
// in the middle, entities at the end. Stages agree pairwise on the concrete
// type; the runner never looks inside.
type Record any

// ErrDrop is returned by Transform to exclude a record from output without
// counting it as an error.
var ErrDrop = errors.New("record dropped")

// Stage is one step of the ingestion chain. Implementations are stateless
// between invocations; all per-run state flows through the store and run id.
type Stage interface {
	Name() string
	ReadInput(ctx context.Context) ([]Record, error)
	Transform(ctx context.Context, rec Record) (Record, error)
	WriteOutput(ctx context.Context, recs []Record) (int, error)
}

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusDryRun  = "dry_run"
)

type StageResult struct {
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	RecordsIn  int            `json:"records_in"`
	RecordsOut int            `json:"records_out"`
	ErrorCount int            `json:"error_count"`
	Duration   time.Duration  `json:"duration"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunStage composes read, transform, write. Per-record transform errors are
// counted and logged but never abort the batch; read or write failure fails
// the stage outright.
func RunStage(ctx context.Context, st Stage, log *logger.Logger) StageResult {
	res := StageResult{Stage: st.Name(), StartedAt: time.Now().UTC()}
	finish := func(status string) StageResult {
		res.Status = status
		res.FinishedAt = time.Now().UTC()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		return res
	}

	recs, err := st.ReadInput(ctx)
	if err != nil {
		res.Error = err.Error()
		log.Error("stage read failed", "stage", st.Name(), "error", err)
		return finish(StatusFailed)
	}
	res.RecordsIn = len(recs)

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			return finish(StatusFailed)
		}
		transformed, err := st.Transform(ctx, rec)
		if errors.Is(err, ErrDrop) {
			continue
		}
		if err != nil {
			res.ErrorCount++
			log.Warn("record transform failed", "stage", st.Name(), "error", err)
			continue
		}
		out = append(out, transformed)
	}

	written, err := st.WriteOutput(ctx, out)
	if err != nil {
		res.Error = err.Error()
		log.Error("stage write failed", "stage", st.Name(), "error", err)
		return finish(StatusFailed)
	}
	res.RecordsOut = written

	if res.ErrorCount > 0 {
		return finish(StatusPartial)
	}
	return finish(StatusSuccess)
}
