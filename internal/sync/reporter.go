package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Reporter fans a sync failure into three independent sinks: the entity's
// own sync_errors column, the central error log, and the alert channel.
// Reporter failures are logged and swallowed; an error about an error must
// never take down the operation that asked for the report.
type Reporter struct {
	store   *canonical.Store
	alerter Alerter // optional
	log     *logger.Logger
}

func NewReporter(store *canonical.Store, alerter Alerter, log *logger.Logger) *Reporter {
	return &Reporter{store: store, alerter: alerter, log: log.With("service", "ErrorReporter")}
}

// Report records one failure. All three side effects are attempted even if
// earlier ones fail. Returns the error id for correlation.
func (r *Reporter) Report(ctx context.Context, entityType, entityID, system, errType string, cause error) string {
	rec := domain.SyncErrorRecord{
		ErrorID:      uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		System:       system,
		ErrorType:    errType,
		ErrorMessage: cause.Error(),
		Timestamp:    time.Now().UTC(),
	}
	r.log.Error("sync error",
		"error_id", rec.ErrorID, "entity_type", entityType, "entity_id", entityID,
		"system", system, "error_type", errType, "error", cause)
	metrics.Current().IncSyncError(system, errType)

	if entityType == domain.KindContact && entityID != "" {
		raw, err := json.Marshal(rec)
		if err == nil {
			err = r.store.AppendContactSyncError(ctx, entityID, raw)
		}
		if err != nil {
			r.log.Warn("could not append error to contact row", "contact_id", entityID, "error", err)
		}
	}

	if err := r.store.InsertSyncError(ctx, rec); err != nil {
		r.log.Warn("could not write central error log", "error_id", rec.ErrorID, "error", err)
	}

	if r.alerter != nil {
		if err := r.alerter.Alert(ctx, "sync_error", rec); err != nil {
			r.log.Warn("could not publish alert", "error_id", rec.ErrorID, "error", err)
		}
	}
	return rec.ErrorID
}

// Resolve marks a previously reported error resolved with notes.
func (r *Reporter) Resolve(ctx context.Context, errorID, notes string) error {
	return r.store.ResolveSyncError(ctx, errorID, notes)
}
