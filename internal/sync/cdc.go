package sync

import (
	"context"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

// CDC records every externally-originated change in the append-only log
// before publishing it to the bus. A lost event is therefore never lost for
// good; the pending sweep re-drives anything the bus dropped.
type CDC struct {
	store    *canonical.Store
	bus      *Bus
	reporter *Reporter
	log      *logger.Logger
}

func NewCDC(store *canonical.Store, bus *Bus, reporter *Reporter, log *logger.Logger) *CDC {
	return &CDC{store: store, bus: bus, reporter: reporter, log: log.With("service", "CDC")}
}

// CaptureChange appends one change-log row and publishes it. A log-write
// failure is reported but does not roll back the originating operation; the
// polling sweep will re-discover the row.
func (c *CDC) CaptureChange(ctx context.Context, source, kind, entityID string, changeType domain.ChangeType, data map[string]any, version int64, metadata map[string]any) error {
	now := time.Now().UTC()
	ev := domain.ChangeEvent{
		EventID:    domain.NewEventID(source, kind, entityID, now),
		Source:     source,
		EntityType: kind,
		EntityID:   entityID,
		ChangeType: changeType,
		Timestamp:  now,
		Version:    version,
		Data:       data,
		Metadata:   metadata,
	}
	if err := c.store.CaptureChange(ctx, ev); err != nil {
		c.reporter.Report(ctx, kind, entityID, source, domain.ErrDatabase, err)
		return err
	}
	c.publish(ctx, ev)
	return nil
}

func (c *CDC) publish(ctx context.Context, ev domain.ChangeEvent) {
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(BusEvent{
		EventID:    ev.EventID,
		Source:     ev.Source,
		Kind:       ev.EntityType,
		EntityID:   ev.EntityID,
		ChangeType: ev.ChangeType,
		Priority:   PriorityNormal,
		Timestamp:  ev.Timestamp,
		Data:       ev.Data,
	})
	if err != nil {
		// The change is safely in the log; the pending sweep picks it up.
		c.log.Warn("bus publish failed, deferring to pending sweep",
			"event_id", ev.EventID, "error", err)
	}
}

// ProcessPendingChanges drains up to limit unprocessed change-log rows in
// timestamp order through the normal dispatch path, then marks them.
func (c *CDC) ProcessPendingChanges(ctx context.Context, limit int) (int, error) {
	pending, err := c.store.PendingChanges(ctx, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		c.publish(ctx, ev)
		if err := c.store.MarkProcessed(ctx, ev.EventID); err != nil {
			c.reporter.Report(ctx, ev.EntityType, ev.EntityID, ev.Source, domain.ErrDatabase, err)
			continue
		}
		processed++
	}
	if processed > 0 {
		c.log.Info("pending changes re-driven", "count", processed)
	}
	return processed, nil
}

// Status summarizes the change log for one entity.
func (c *CDC) Status(ctx context.Context, kind, entityID string) (*canonical.SyncStatus, error) {
	return c.store.GetSyncStatus(ctx, kind, entityID)
}
