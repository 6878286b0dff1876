package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Resolution reasons.
const (
	ReasonHigherVersion    = "higher_version"
	ReasonLaterTimestamp   = "later_timestamp"
	ReasonBadTimestamps    = "missing_or_invalid_timestamps"
	ReasonManualResolution = "manual_resolution_required"
)

// Decision is the resolver's verdict. Winner is nil when the tie cannot be
// broken automatically; the caller must then leave the canonical row alone.
type Decision struct {
	Winner *domain.Contact
	Reason string
}

// Resolver decides between a source and target contact and records the
// ties it refuses to break.
type Resolver struct {
	store *canonical.Store
	log   *logger.Logger
}

func NewResolver(store *canonical.Store, log *logger.Logger) *Resolver {
	return &Resolver{store: store, log: log.With("service", "ConflictResolver")}
}

// Resolve compares sync metadata version first, timestamp second. A full tie
// or an unparseable timestamp stores a pending conflict row; the resolver
// never silently picks a side.
func (r *Resolver) Resolve(ctx context.Context, source, target *domain.Contact, sourceSystem, targetSystem string) (d Decision, err error) {
	defer func() {
		if err == nil {
			metrics.Current().IncConflict(d.Reason)
		}
	}()
	sm, tm := source.Meta(), target.Meta()

	if sm.Version > tm.Version {
		return Decision{Winner: source, Reason: ReasonHigherVersion}, nil
	}
	if sm.Version < tm.Version {
		return Decision{Winner: target, Reason: ReasonHigherVersion}, nil
	}

	st, sErr := parseSyncTime(sm.LastUpdated)
	tt, tErr := parseSyncTime(tm.LastUpdated)
	if sErr != nil || tErr != nil {
		if err := r.storeConflict(ctx, source, target, sourceSystem, targetSystem, ReasonBadTimestamps); err != nil {
			return Decision{}, err
		}
		return Decision{Reason: ReasonBadTimestamps}, nil
	}

	if st.After(tt) {
		return Decision{Winner: source, Reason: ReasonLaterTimestamp}, nil
	}
	if tt.After(st) {
		return Decision{Winner: target, Reason: ReasonLaterTimestamp}, nil
	}

	if err := r.storeConflict(ctx, source, target, sourceSystem, targetSystem, ReasonManualResolution); err != nil {
		return Decision{}, err
	}
	return Decision{Reason: ReasonManualResolution}, nil
}

func (r *Resolver) storeConflict(ctx context.Context, source, target *domain.Contact, sourceSystem, targetSystem, reason string) error {
	srcRaw, err := json.Marshal(source)
	if err != nil {
		return fmt.Errorf("marshal source record: %w", err)
	}
	tgtRaw, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal target record: %w", err)
	}
	rec := domain.ConflictRecord{
		ConflictID:   uuid.NewString(),
		EntityType:   domain.KindContact,
		EntityID:     source.ContactID,
		SourceRecord: string(srcRaw),
		TargetRecord: string(tgtRaw),
		SourceSystem: sourceSystem,
		TargetSystem: targetSystem,
		Status:       domain.ConflictPending,
		Notes:        reason,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.InsertConflict(ctx, rec); err != nil {
		return fmt.Errorf("store conflict for %s: %w", source.ContactID, err)
	}
	r.log.Warn("conflict stored for manual resolution",
		"contact_id", source.ContactID, "reason", reason,
		"source_system", sourceSystem, "target_system", targetSystem)
	return nil
}

// MarkResolved flips a pending conflict to resolved or ignored with notes.
func (r *Resolver) MarkResolved(ctx context.Context, conflictID, status, notes string) error {
	if status != domain.ConflictResolved && status != domain.ConflictIgnored {
		return fmt.Errorf("conflict status %q: want resolved or ignored", status)
	}
	return r.store.ResolveConflict(ctx, conflictID, status, notes)
}

// Pending lists unresolved conflicts, oldest first.
func (r *Resolver) Pending(ctx context.Context, limit int) ([]domain.ConflictRecord, error) {
	return r.store.PendingConflicts(ctx, limit)
}

func parseSyncTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
