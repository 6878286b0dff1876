package domain

import (
	"fmt"
	"time"
)

// Sources known to the sync core. The canonical columnar store is the single
// source of truth; everything else is a replica or visibility layer.
const (
	SourceCanonical  = "canonical"
	SourceRelational = "relational"
	SourceEmbedded   = "embedded"
	SourceCRM        = "crm_twenty"
	SourceLocal      = "local"
)

// Entity kinds that flow through sync.
const (
	KindContact      = "contact"
	KindBusiness     = "business"
	KindRelationship = "relationship"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row of sync_change_log. Append-only; only the processed
// flag is ever updated after insert.
type ChangeEvent struct {
	EventID    string         `json:"event_id"`
	Source     string         `json:"source"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ChangeType ChangeType     `json:"change_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Processed  bool           `json:"processed"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEventID derives the change-log key. It embeds the capture timestamp so
// repeated writes to the same entity stay distinct while a replayed event
// keeps its identity.
func NewEventID(source, entityType, entityID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", source, entityType, entityID, ts.UTC().Format(time.RFC3339Nano))
}

// ProcessedEvent is one row of sync_processed_events, keyed by
// (event_id, destination). A success row makes re-delivery a no-op.
type ProcessedEvent struct {
	EventID      string    `json:"event_id"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

const (
	ProcessedSuccess = "success"
	ProcessedError   = "error"
)

// ConflictRecord stores an unresolved tie between two sources. Only a human
// resolution call moves it out of pending.
type ConflictRecord struct {
	ConflictID   string    `json:"conflict_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	SourceRecord string    `json:"source_record"`
	TargetRecord string    `json:"target_record"`
	SourceSystem string    `json:"source_system"`
	TargetSystem string    `json:"target_system"`
	Status       string    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// SyncErrorRecord is one row of sync_errors_log and one element of a
// contact's sync_errors column.
type SyncErrorRecord struct {
	ErrorID      string    `json:"error_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	System       string    `json:"system"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	ErrorDetails string    `json:"error_details,omitempty"`
	Resolved     bool      `json:"resolved"`
	Notes        string    `json:"notes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Error taxonomy.
const (
	ErrValidation = "validation"
	ErrSync       = "sync"
	ErrConflict   = "conflict"
	ErrNetwork    = "network"
	ErrDatabase   = "database"
	ErrNotFound   = "not_found"
	ErrPermission = "permission"
	ErrException  = "exception"
	ErrOther      = "other"
)
