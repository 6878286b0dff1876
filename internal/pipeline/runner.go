package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/truthforge/forge/internal/config"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
)

// StageEnv is everything a stage constructor may need.
type StageEnv struct {
	RunID     string
	Store     *canonical.Store
	Config    *config.PipelineConfig
	StageCfg  config.StageConfig
	SourceDir string
	Root      string
	Env       string
	Log       *logger.Logger
}

type Factory func(env StageEnv) (Stage, error)

// gates stop the pipeline on failure regardless of the stop-on-error switch.
var gates = map[int]bool{11: true, 13: true, 15: true}

// Runner executes registered stages in numeric-ascending order, persisting a
// per-run manifest after every stage so a run can resume by id.
type Runner struct {
	registry  map[int]Factory
	store     *canonical.Store
	cfg       *config.PipelineConfig
	sourceDir string
	root      string
	env       string
	log       *logger.Logger
}

func NewRunner(store *canonical.Store, cfg *config.PipelineConfig, sourceDir, root, env string, log *logger.Logger) *Runner {
	return &Runner{
		registry:  make(map[int]Factory),
		store:     store,
		cfg:       cfg,
		sourceDir: sourceDir,
		root:      root,
		env:       env,
		log:       log.With("service", "PipelineRunner"),
	}
}

func (r *Runner) Register(n int, f Factory) {
	if _, dup := r.registry[n]; dup {
		panic(fmt.Sprintf("stage %d registered twice", n))
	}
	r.registry[n] = f
}

// RunOpts selects which stages execute and how.
type RunOpts struct {
	RunID       string // supplied id resumes a previous run
	StartStage  int    // inclusive; -1 means from the beginning
	EndStage    int    // inclusive; -1 means to the end
	Stages      []int  // explicit list overrides the range
	DryRun      bool
	StopOnError bool
}

// RunReport is the rollup the CLI prints and the status row publishes.
type RunReport struct {
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"`
	Results     []StageResult `json:"results"`
	FirstFailed int           `json:"first_failed,omitempty"`
}

func (r *Runner) Run(ctx context.Context, opts RunOpts) (*RunReport, error) {
	order := r.selectStages(opts)
	if len(order) == 0 {
		return nil, fmt.Errorf("no stages selected")
	}

	runID := opts.RunID
	rec := &canonical.RunRecord{
		Pipeline:     r.cfg.Name,
		Status:       "running",
		StageResults: make(map[string]json.RawMessage),
		StartedAt:    time.Now().UTC(),
	}
	if runID == "" {
		runID = uuid.NewString()
	} else if prev, err := r.store.GetRun(ctx, runID, r.cfg.Name); err == nil {
		rec = prev
		rec.Status = "running"
		rec.FinishedAt = nil
		if rec.StageResults == nil {
			rec.StageResults = make(map[string]json.RawMessage)
		}
	}
	rec.RunID = runID
	log := r.log.With("run_id", runID)

	report := &RunReport{RunID: runID, FirstFailed: -1}
	failed := false
	for _, n := range order {
		key := fmt.Sprintf("stage_%d", n)
		if prev, ok := rec.StageResults[key]; ok && !opts.DryRun {
			var prevRes StageResult
			if err := json.Unmarshal(prev, &prevRes); err == nil && prevRes.Status == StatusSuccess {
				log.Info("stage already complete, skipping", "stage", key)
				prevRes.Status = StatusSkipped
				report.Results = append(report.Results, prevRes)
				continue
			}
		}

		stageCfg, _ := r.cfg.Stage(n)
		env := StageEnv{
			RunID:     runID,
			Store:     r.store,
			Config:    r.cfg,
			StageCfg:  stageCfg,
			SourceDir: r.sourceDir,
			Root:      r.root,
			Env:       r.env,
			Log:       log,
		}
		stage, err := r.registry[n](env)
		if err != nil {
			return nil, fmt.Errorf("construct %s: %w", key, err)
		}

		if opts.DryRun {
			report.Results = append(report.Results, StageResult{Stage: stage.Name(), Status: StatusDryRun})
			continue
		}

		log.Info("stage starting", "stage", key, "name", stage.Name())
		res := RunStage(ctx, stage, log)
		metrics.Current().ObserveStage(stage.Name(), res.Status, res.Duration)
		metrics.Current().AddStageRecords(stage.Name(), res.RecordsOut)
		report.Results = append(report.Results, res)
		raw, _ := json.Marshal(res)
		rec.StageResults[key] = raw
		if err := r.store.SaveRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist run manifest: %w", err)
		}
		log.Info("stage finished", "stage", key, "status", res.Status,
			"in", res.RecordsIn, "out", res.RecordsOut, "errors", res.ErrorCount,
			"duration", res.Duration.String())

		if res.Status == StatusFailed {
			failed = true
			if report.FirstFailed < 0 {
				report.FirstFailed = n
			}
			if gates[n] || opts.StopOnError {
				break
			}
		}
	}

	report.Status = rollup(report.Results, failed)
	rec.Status = report.Status
	now := time.Now().UTC()
	rec.FinishedAt = &now
	if !opts.DryRun {
		if err := r.store.SaveRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist run manifest: %w", err)
		}
	}
	return report, nil
}

func (r *Runner) selectStages(opts RunOpts) []int {
	var order []int
	if len(opts.Stages) > 0 {
		for _, n := range opts.Stages {
			if _, ok := r.registry[n]; ok {
				order = append(order, n)
			}
		}
	} else {
		for n := range r.registry {
			if opts.StartStage >= 0 && n < opts.StartStage {
				continue
			}
			if opts.EndStage >= 0 && n > opts.EndStage {
				continue
			}
			order = append(order, n)
		}
	}
	sort.Ints(order)
	return order
}

func rollup(results []StageResult, failed bool) string {
	if failed {
		return StatusFailed
	}
	for _, res := range results {
		if res.Status == StatusPartial {
			return StatusPartial
		}
	}
	return StatusSuccess
}
