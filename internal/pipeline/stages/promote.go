package stages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/pipeline"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Counts is stage 12: recompute denormalized child counts from the actual
// parent links.
type Counts struct {
	env pipeline.StageEnv
}

func NewCounts(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Counts{env: env}, nil
}

func (s *Counts) Name() string { return "count_denormalization" }

func (s *Counts) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	counts, err := s.env.Store.CountEntitiesByLevel(ctx, "entity_staging")
	if err != nil {
		return nil, err
	}
	return []pipeline.Record{counts}, nil
}

func (s *Counts) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	return rec, nil
}

func (s *Counts) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	if err := s.env.Store.RecomputeChildCounts(ctx); err != nil {
		return 0, err
	}
	total := 0
	for _, rec := range recs {
		for _, n := range rec.(map[int]int64) {
			total += int(n)
		}
	}
	return total, nil
}

// Promote is stage 14: merge staging into the canonical tables, null-only on
// existing columns so re-running converges to the same row set.
type Promote struct {
	env pipeline.StageEnv
}

func NewPromote(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Promote{env: env}, nil
}

func (s *Promote) Name() string { return "promote" }

func (s *Promote) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	counts, err := s.env.Store.CountEntitiesByLevel(ctx, "entity_staging")
	if err != nil {
		return nil, err
	}
	return []pipeline.Record{counts}, nil
}

func (s *Promote) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	return rec, nil
}

func (s *Promote) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	merged, err := s.env.Store.PromoteEntities(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.env.Store.PromoteEnrichments(ctx); err != nil {
		return 0, err
	}
	return int(merged), nil
}

// Publish is stage 16: write the run-status row marking the run complete.
type Publish struct {
	env pipeline.StageEnv
}

func NewPublish(env pipeline.StageEnv) (pipeline.Stage, error) {
	return &Publish{env: env}, nil
}

func (s *Publish) Name() string { return "publish" }

func (s *Publish) ReadInput(ctx context.Context) ([]pipeline.Record, error) {
	counts, err := s.env.Store.CountEntitiesByLevel(ctx, "entity_unified")
	if err != nil {
		return nil, err
	}
	return []pipeline.Record{counts}, nil
}

func (s *Publish) Transform(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	return rec, nil
}

func (s *Publish) WriteOutput(ctx context.Context, recs []pipeline.Record) (int, error) {
	summary := make(map[string]int64)
	for _, rec := range recs {
		for level, n := range rec.(map[int]int64) {
			summary[levelName(level)] = n
		}
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	rec := &canonical.RunRecord{
		RunID:        s.env.RunID,
		Pipeline:     "run_status",
		Status:       "complete",
		StageResults: map[string]json.RawMessage{"entity_counts": raw},
		StartedAt:    now,
		FinishedAt:   &now,
	}
	if err := s.env.Store.SaveRun(ctx, rec); err != nil {
		return 0, err
	}
	return 1, nil
}

func levelName(level int) string {
	switch level {
	case domain.LevelConversation:
		return "conversations"
	case domain.LevelTurn:
		return "turns"
	case domain.LevelMessage:
		return "messages"
	case domain.LevelSentence:
		return "sentences"
	case domain.LevelSpan:
		return "spans"
	case domain.LevelWord:
		return "words"
	default:
		return "unknown"
	}
}
