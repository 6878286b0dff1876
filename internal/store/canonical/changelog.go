package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/truthforge/forge/internal/domain"
)

// CaptureChange appends a change event. A duplicate event id is swallowed so
// capture stays idempotent when a producer replays a write.
func (s *Store) CaptureChange(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal change data: %w", err)
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal change metadata: %w", err)
	}
	return s.exec(ctx, `
		INSERT INTO sync_change_log (event_id, source, entity_type, entity_id, change_type, ts, version, data, metadata, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Source, ev.EntityType, ev.EntityID, string(ev.ChangeType),
		ev.Timestamp.UTC(), ev.Version, string(data), string(meta))
}

// PendingChanges returns unprocessed events oldest first, capped at limit.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source, entity_type, entity_id, change_type, ts, version, data, metadata, processed, processed_at, created_at
		FROM sync_change_log
		WHERE processed = FALSE
		ORDER BY ts, event_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeEvents(rows)
}

func (s *Store) GetChange(ctx context.Context, eventID string) (*domain.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source, entity_type, entity_id, change_type, ts, version, data, metadata, processed, processed_at, created_at
		FROM sync_change_log WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	evs, err := scanChangeEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &evs[0], nil
}

func scanChangeEvents(rows *sql.Rows) ([]domain.ChangeEvent, error) {
	var out []domain.ChangeEvent
	for rows.Next() {
		var ev domain.ChangeEvent
		var changeType, data, meta string
		var processedAt sql.NullTime
		if err := rows.Scan(&ev.EventID, &ev.Source, &ev.EntityType, &ev.EntityID, &changeType,
			&ev.Timestamp, &ev.Version, &data, &meta, &ev.Processed, &processedAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ChangeType = domain.ChangeType(changeType)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode change data for %s: %w", ev.EventID, err)
			}
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode change metadata for %s: %w", ev.EventID, err)
			}
		}
		if processedAt.Valid {
			t := processedAt.Time
			ev.ProcessedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkProcessed flips the change-log flag. The per-destination outcome goes
// through RecordProcessed; this is the coarse "done with this event" bit.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	return s.exec(ctx, `
		UPDATE sync_change_log SET processed = TRUE, processed_at = ? WHERE event_id = ?`,
		time.Now().UTC(), eventID)
}

// RecordProcessed stores one destination's outcome for an event. A replayed
// success keeps the first row; a retry after error overwrites the error row.
func (s *Store) RecordProcessed(ctx context.Context, pe domain.ProcessedEvent) error {
	return s.exec(ctx, `
		INSERT INTO sync_processed_events (event_id, destination, status, error_message, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id, destination) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			processed_at = excluded.processed_at`,
		pe.EventID, pe.Destination, pe.Status, pe.ErrorMessage, pe.ProcessedAt.UTC())
}

// AlreadyProcessed reports whether a destination has a success row for the
// event. This is the replay guard: a true answer makes delivery a no-op.
func (s *Store) AlreadyProcessed(ctx context.Context, eventID, destination string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM sync_processed_events WHERE event_id = ? AND destination = ?`,
		eventID, destination).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == domain.ProcessedSuccess, nil
}

// SyncStatus summarizes the change log for one entity.
type SyncStatus struct {
	EntityID     string              `json:"entity_id"`
	EntityType   string              `json:"entity_type"`
	TotalEvents  int64               `json:"total_events"`
	Pending      int64               `json:"pending"`
	LastChangeAt *time.Time          `json:"last_change_at,omitempty"`
	LastOutcomes []domain.ProcessedEvent `json:"last_outcomes,omitempty"`
}

func (s *Store) GetSyncStatus(ctx context.Context, entityType, entityID string) (*SyncStatus, error) {
	st := &SyncStatus{EntityID: entityID, EntityType: entityType}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE processed = FALSE), max(ts)
		FROM sync_change_log WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&st.TotalEvents, &st.Pending, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		st.LastChangeAt = &t
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.event_id, p.destination, p.status, COALESCE(p.error_message, ''), p.processed_at
		FROM sync_processed_events p
		JOIN sync_change_log c ON c.event_id = p.event_id
		WHERE c.entity_type = ? AND c.entity_id = ?
		ORDER BY p.processed_at DESC
		LIMIT 10`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pe domain.ProcessedEvent
		if err := rows.Scan(&pe.EventID, &pe.Destination, &pe.Status, &pe.ErrorMessage, &pe.ProcessedAt); err != nil {
			return nil, err
		}
		st.LastOutcomes = append(st.LastOutcomes, pe)
	}
	return st, rows.Err()
}

func (s *Store) InsertSyncError(ctx context.Context, rec domain.SyncErrorRecord) error {
	return s.exec(ctx, `
		INSERT INTO sync_errors_log (error_id, entity_type, entity_id, system, error_type, error_message, error_details, resolved, notes, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ErrorID, rec.EntityType, rec.EntityID, rec.System, rec.ErrorType,
		rec.ErrorMessage, rec.ErrorDetails, rec.Resolved, rec.Notes, rec.Timestamp.UTC())
}

// ResolveSyncError marks one error-log row resolved with notes.
func (s *Store) ResolveSyncError(ctx context.Context, errorID, notes string) error {
	return s.exec(ctx, `
		UPDATE sync_errors_log SET resolved = TRUE, notes = ? WHERE error_id = ?`,
		notes, errorID)
}

func (s *Store) InsertConflict(ctx context.Context, c domain.ConflictRecord) error {
	return s.exec(ctx, `
		INSERT INTO sync_conflicts (conflict_id, entity_type, entity_id, source_record, target_record, source_system, target_system, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConflictID, c.EntityType, c.EntityID, c.SourceRecord, c.TargetRecord,
		c.SourceSystem, c.TargetSystem, c.Status, c.Notes, c.CreatedAt.UTC())
}

func (s *Store) ResolveConflict(ctx context.Context, conflictID, status, notes string) error {
	if status != domain.ConflictResolved && status != domain.ConflictIgnored {
		return fmt.Errorf("resolve conflict: invalid status %q", status)
	}
	return s.exec(ctx, `
		UPDATE sync_conflicts SET status = ?, notes = ?, resolved_at = ? WHERE conflict_id = ?`,
		status, notes, time.Now().UTC(), conflictID)
}

func (s *Store) PendingConflicts(ctx context.Context, limit int) ([]domain.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conflict_id, entity_type, entity_id, COALESCE(source_record, ''), COALESCE(target_record, ''),
		       COALESCE(source_system, ''), COALESCE(target_system, ''), status, COALESCE(notes, ''), created_at, resolved_at
		FROM sync_conflicts WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ConflictRecord
	for rows.Next() {
		var c domain.ConflictRecord
		var resolvedAt sql.NullTime
		if err := rows.Scan(&c.ConflictID, &c.EntityType, &c.EntityID, &c.SourceRecord, &c.TargetRecord,
			&c.SourceSystem, &c.TargetSystem, &c.Status, &c.Notes, &c.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
