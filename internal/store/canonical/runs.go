package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunRecord is the persisted state of one pipeline run. StageResults is keyed
// by stage key ("stage_3") and drives resume: completed stages are skipped.
type RunRecord struct {
	RunID        string                     `json:"run_id"`
	Pipeline     string                     `json:"pipeline"`
	Status       string                     `json:"status"`
	StageResults map[string]json.RawMessage `json:"stage_results"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   *time.Time                 `json:"finished_at,omitempty"`
}

func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	results, err := json.Marshal(rec.StageResults)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}
	return s.exec(ctx, `
		INSERT INTO pipeline_runs (run_id, pipeline, status, stage_results, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, pipeline) DO UPDATE SET
			status = excluded.status,
			stage_results = excluded.stage_results,
			finished_at = excluded.finished_at`,
		rec.RunID, rec.Pipeline, rec.Status, string(results), rec.StartedAt.UTC(), nullTime(rec.FinishedAt))
}

func (s *Store) GetRun(ctx context.Context, runID, pipeline string) (*RunRecord, error) {
	var rec RunRecord
	var results sql.NullString
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline, status, stage_results, started_at, finished_at
		FROM pipeline_runs WHERE run_id = ? AND pipeline = ?`, runID, pipeline).
		Scan(&rec.RunID, &rec.Pipeline, &rec.Status, &results, &rec.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &rec.StageResults); err != nil {
			return nil, fmt.Errorf("decode stage results for %s: %w", runID, err)
		}
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
