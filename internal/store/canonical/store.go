package canonical

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/truthforge/forge/internal/logger"
)

// Store wraps the canonical columnar database. Every mutation is an upsert
// keyed by the entity id; there is no read-modify-write in application code.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	s := &Store{db: db, log: log.With("service", "CanonicalStore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests and ad-hoc tooling.
func (s *Store) DB() *sql.DB { return s.db }

const messageColumns = `
	run_id VARCHAR NOT NULL,
	source_platform VARCHAR NOT NULL,
	conversation_id VARCHAR NOT NULL,
	message_id VARCHAR NOT NULL,
	speaker VARCHAR,
	role VARCHAR,
	text VARCHAR,
	ts TIMESTAMP,
	source_file VARCHAR`

const entityColumns = `
	entity_id VARCHAR PRIMARY KEY,
	level INTEGER NOT NULL,
	parent_id VARCHAR,
	text VARCHAR,
	source_platform VARCHAR NOT NULL,
	entity_type VARCHAR NOT NULL,
	conversation_id VARCHAR,
	message_id VARCHAR,
	child_count INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP`

const contactColumns = `
	contact_id VARCHAR PRIMARY KEY,
	canonical_name VARCHAR,
	first_name VARCHAR,
	last_name VARCHAR,
	middle_name VARCHAR,
	nickname VARCHAR,
	name_suffix VARCHAR,
	name_prefix VARCHAR,
	full_name VARCHAR,
	organization VARCHAR,
	job_title VARCHAR,
	department VARCHAR,
	category_code VARCHAR,
	subcategory_code VARCHAR,
	notes VARCHAR,
	birthday TIMESTAMP,
	is_business BOOLEAN NOT NULL DEFAULT FALSE,
	llm_context JSON,
	communication_stats JSON,
	social_network JSON,
	ai_insights JSON,
	recommendations JSON,
	sync_metadata JSON,
	sync_errors JSON,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP`

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_messages (` + messageColumns + `)`,
		`CREATE TABLE IF NOT EXISTS clean_messages (` + messageColumns + `)`,
		`CREATE TABLE IF NOT EXISTS identified_messages (` + messageColumns + `,
			entity_id VARCHAR NOT NULL,
			PRIMARY KEY (entity_id))`,
		`CREATE TABLE IF NOT EXISTS staged_messages (` + messageColumns + `,
			entity_id VARCHAR NOT NULL,
			corrected_text VARCHAR,
			PRIMARY KEY (entity_id))`,
		`CREATE TABLE IF NOT EXISTS entity_staging (` + entityColumns + `)`,
		`CREATE TABLE IF NOT EXISTS entity_unified (` + entityColumns + `)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id VARCHAR NOT NULL,
			pipeline VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			stage_results JSON,
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at TIMESTAMP,
			PRIMARY KEY (run_id, pipeline))`,
		`CREATE TABLE IF NOT EXISTS sync_change_log (
			event_id VARCHAR NOT NULL,
			source VARCHAR NOT NULL,
			entity_type VARCHAR NOT NULL,
			entity_id VARCHAR NOT NULL,
			change_type VARCHAR NOT NULL,
			ts TIMESTAMP NOT NULL,
			version BIGINT NOT NULL,
			data JSON,
			metadata JSON,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (event_id))`,
		`CREATE TABLE IF NOT EXISTS sync_processed_events (
			event_id VARCHAR NOT NULL,
			processed_at TIMESTAMP NOT NULL,
			destination VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			error_message VARCHAR,
			PRIMARY KEY (event_id, destination))`,
		`CREATE TABLE IF NOT EXISTS sync_errors_log (
			error_id VARCHAR PRIMARY KEY,
			entity_type VARCHAR NOT NULL,
			entity_id VARCHAR NOT NULL,
			system VARCHAR NOT NULL,
			error_type VARCHAR NOT NULL,
			error_message VARCHAR NOT NULL,
			error_details VARCHAR,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			notes VARCHAR,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			conflict_id VARCHAR PRIMARY KEY,
			entity_type VARCHAR NOT NULL,
			entity_id VARCHAR NOT NULL,
			source_record VARCHAR,
			target_record VARCHAR,
			source_system VARCHAR,
			target_system VARCHAR,
			status VARCHAR NOT NULL DEFAULT 'pending',
			notes VARCHAR,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at TIMESTAMP)`,
		`CREATE TABLE IF NOT EXISTS contacts_master (` + contactColumns + `)`,
		`CREATE TABLE IF NOT EXISTS businesses_master (
			business_id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL,
			domain VARCHAR,
			industry VARCHAR,
			notes VARCHAR,
			sync_metadata JSON,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		`CREATE TABLE IF NOT EXISTS people_relationships (
			person_1_id VARCHAR NOT NULL,
			person_2_id VARCHAR NOT NULL,
			relationship_type VARCHAR NOT NULL,
			direction VARCHAR,
			strength DOUBLE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (person_1_id, person_2_id, relationship_type))`,
		`CREATE TABLE IF NOT EXISTS people_business_relationships (
			person_id VARCHAR NOT NULL,
			business_id VARCHAR NOT NULL,
			relationship_type VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (person_id, business_id, relationship_type))`,
		`CREATE TABLE IF NOT EXISTS contact_identifiers (
			contact_id VARCHAR NOT NULL,
			identifier_type VARCHAR NOT NULL,
			value VARCHAR NOT NULL,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (contact_id, identifier_type, value))`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate canonical store: %w", err)
		}
	}
	if err := s.migrateEnrichments(); err != nil {
		return err
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
