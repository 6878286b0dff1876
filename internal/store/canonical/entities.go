package canonical

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/truthforge/forge/internal/domain"
)

// Message-table names used by the ingestion stages. Only these four are valid
// targets for ResetRun, which keeps the delete path away from entity tables.
const (
	TableRaw        = "raw_messages"
	TableClean      = "clean_messages"
	TableIdentified = "identified_messages"
	TableStaged     = "staged_messages"
)

var messageTables = map[string]bool{
	TableRaw:        true,
	TableClean:      true,
	TableIdentified: true,
	TableStaged:     true,
}

// ResetRun clears one message table for a run so the owning stage can be
// replayed without duplicating rows.
func (s *Store) ResetRun(ctx context.Context, table, runID string) error {
	if !messageTables[table] {
		return fmt.Errorf("reset run: %q is not a message table", table)
	}
	return s.exec(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID)
}

func (s *Store) InsertMessages(ctx context.Context, table, runID string, msgs []domain.Message) error {
	if table != TableRaw && table != TableClean {
		return fmt.Errorf("insert messages: %q is not an append table", table)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+table+` (run_id, source_platform, conversation_id, message_id, speaker, role, text, ts, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, runID, m.SourcePlatform, m.ConversationID, m.MessageID,
			m.Speaker, m.Role, m.Text, m.Timestamp, m.SourceFile); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// UpsertIdentifiedMessages records the identity-gate output. Replaying the
// gate rewrites the same rows because the ids are deterministic.
func (s *Store) UpsertIdentifiedMessages(ctx context.Context, runID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identified_messages (run_id, source_platform, conversation_id, message_id, speaker, role, text, ts, source_file, entity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			run_id = excluded.run_id,
			speaker = excluded.speaker,
			role = excluded.role,
			text = excluded.text,
			ts = excluded.ts,
			source_file = excluded.source_file`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range msgs {
		if m.EntityID == "" {
			return fmt.Errorf("identified message %s/%s has no entity id", m.ConversationID, m.MessageID)
		}
		if _, err := stmt.ExecContext(ctx, runID, m.SourcePlatform, m.ConversationID, m.MessageID,
			m.Speaker, m.Role, m.Text, m.Timestamp, m.SourceFile, m.EntityID); err != nil {
			return fmt.Errorf("upsert identified message: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertStagedMessages writes correction output. The corrected text column is
// null-only on replay: an existing correction always wins over a new one.
func (s *Store) UpsertStagedMessages(ctx context.Context, runID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staged_messages (run_id, source_platform, conversation_id, message_id, speaker, role, text, ts, source_file, entity_id, corrected_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			run_id = excluded.run_id,
			text = excluded.text,
			corrected_text = COALESCE(staged_messages.corrected_text, excluded.corrected_text)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range msgs {
		corrected := sql.NullString{String: m.CorrectedText, Valid: m.CorrectedText != ""}
		if _, err := stmt.ExecContext(ctx, runID, m.SourcePlatform, m.ConversationID, m.MessageID,
			m.Speaker, m.Role, m.Text, m.Timestamp, m.SourceFile, m.EntityID, corrected); err != nil {
			return fmt.Errorf("upsert staged message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, table, runID string) ([]domain.Message, error) {
	if !messageTables[table] {
		return nil, fmt.Errorf("list messages: %q is not a message table", table)
	}
	cols := `source_platform, conversation_id, message_id, speaker, role, text, ts, source_file`
	switch table {
	case TableIdentified:
		cols += `, entity_id`
	case TableStaged:
		cols += `, entity_id, corrected_text`
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cols+` FROM `+table+`
		WHERE run_id = ?
		ORDER BY conversation_id, ts, message_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var speaker, role, text, sourceFile sql.NullString
		var ts sql.NullTime
		dest := []any{&m.SourcePlatform, &m.ConversationID, &m.MessageID, &speaker, &role, &text, &ts, &sourceFile}
		var entityID, corrected sql.NullString
		switch table {
		case TableIdentified:
			dest = append(dest, &entityID)
		case TableStaged:
			dest = append(dest, &entityID, &corrected)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		m.Speaker, m.Role, m.Text, m.SourceFile = speaker.String, role.String, text.String, sourceFile.String
		m.Timestamp = ts.Time
		m.EntityID = entityID.String
		m.CorrectedText = corrected.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, table, runID string) (int64, error) {
	if !messageTables[table] {
		return 0, fmt.Errorf("count messages: %q is not a message table", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+table+` WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// UpsertEntities writes hierarchy rows into entity_staging. Replays overwrite
// text and linkage but never touch created_at or version.
func (s *Store) UpsertEntities(ctx context.Context, entities []domain.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_staging (entity_id, level, parent_id, text, source_platform, entity_type, conversation_id, message_id, child_count, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			text = excluded.text,
			child_count = excluded.child_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, e := range entities {
		parent := sql.NullString{String: e.ParentID, Valid: e.ParentID != ""}
		if _, err := stmt.ExecContext(ctx, e.EntityID, e.Level, parent, e.Text, e.SourcePlatform,
			e.EntityType, e.ConversationID, e.MessageID, e.ChildCount, now, now); err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.EntityID, err)
		}
	}
	return tx.Commit()
}

// RecomputeChildCounts rewrites child_count from the actual parent links so
// replayed stages cannot leave stale counts behind.
func (s *Store) RecomputeChildCounts(ctx context.Context) error {
	return s.exec(ctx, `
		UPDATE entity_staging SET child_count = (
			SELECT count(*) FROM entity_staging c WHERE c.parent_id = entity_staging.entity_id
		)`)
}

func (s *Store) CountEntitiesByLevel(ctx context.Context, table string) (map[int]int64, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return nil, fmt.Errorf("count entities: %q is not an entity table", table)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT level, count(*) FROM `+table+` GROUP BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[int]int64)
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// OrphanCount reports entities whose parent link points nowhere, plus
// non-top entities that carry no parent at all.
func (s *Store) OrphanCount(ctx context.Context, table string) (int64, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return 0, fmt.Errorf("orphan count: %q is not an entity table", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM `+table+` e
		WHERE (e.parent_id IS NOT NULL
		       AND NOT EXISTS (SELECT 1 FROM `+table+` p WHERE p.entity_id = e.parent_id))
		   OR (e.parent_id IS NULL AND e.level < ?)`, domain.LevelConversation).Scan(&n)
	return n, err
}

// ParentLevelViolations counts entities whose parent sits at the wrong
// level. Parent levels are fixed per child level; anything else is a broken
// hierarchy.
func (s *Store) ParentLevelViolations(ctx context.Context, table string) (int64, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return 0, fmt.Errorf("parent level check: %q is not an entity table", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM `+table+` e
		JOIN `+table+` p ON p.entity_id = e.parent_id
		WHERE p.level != CASE e.level
			WHEN 6 THEN 8
			WHEN 5 THEN 6
			WHEN 4 THEN 5
			WHEN 3 THEN 4
			WHEN 2 THEN 3
			ELSE -1
		END`).Scan(&n)
	return n, err
}

// CountMismatches reports parents whose denormalized child_count disagrees
// with the true number of children.
func (s *Store) CountMismatches(ctx context.Context, table string) (int64, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return 0, fmt.Errorf("count check: %q is not an entity table", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM `+table+` e
		WHERE e.child_count != (
			SELECT count(*) FROM `+table+` c WHERE c.parent_id = e.entity_id
		)`).Scan(&n)
	return n, err
}

func (s *Store) ListEntities(ctx context.Context, table string, level int) ([]domain.Entity, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return nil, fmt.Errorf("list entities: %q is not an entity table", table)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, level, parent_id, text, source_platform, entity_type, conversation_id, message_id, child_count, version, created_at, updated_at
		FROM `+table+` WHERE level = ? ORDER BY entity_id`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *Store) GetEntity(ctx context.Context, table, entityID string) (*domain.Entity, error) {
	if table != "entity_staging" && table != "entity_unified" {
		return nil, fmt.Errorf("get entity: %q is not an entity table", table)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, level, parent_id, text, source_platform, entity_type, conversation_id, message_id, child_count, version, created_at, updated_at
		FROM `+table+` WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ents, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, sql.ErrNoRows
	}
	return &ents[0], nil
}

func scanEntities(rows *sql.Rows) ([]domain.Entity, error) {
	var out []domain.Entity
	for rows.Next() {
		var e domain.Entity
		var parent, text, convID, msgID sql.NullString
		if err := rows.Scan(&e.EntityID, &e.Level, &parent, &text, &e.SourcePlatform, &e.EntityType,
			&convID, &msgID, &e.ChildCount, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.ParentID, e.Text, e.ConversationID, e.MessageID = parent.String, text.String, convID.String, msgID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PromoteEntities merges staging into entity_unified. Existing column values
// win over staged ones, so a promote never clobbers published data.
func (s *Store) PromoteEntities(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_unified (entity_id, level, parent_id, text, source_platform, entity_type, conversation_id, message_id, child_count, version, created_at, updated_at)
		SELECT entity_id, level, parent_id, text, source_platform, entity_type, conversation_id, message_id, child_count, version, created_at, updated_at
		FROM entity_staging
		ON CONFLICT (entity_id) DO UPDATE SET
			parent_id = COALESCE(entity_unified.parent_id, excluded.parent_id),
			text = COALESCE(entity_unified.text, excluded.text),
			child_count = excluded.child_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("promote entities: %w", err)
	}
	return res.RowsAffected()
}
