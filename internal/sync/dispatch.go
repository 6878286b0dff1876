package sync

import (
	"context"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Dispatcher connects bus events to the fan-out, with the processed-event
// index as the replay guard: a destination whose (event_id, destination)
// row reads success is never re-applied.
type Dispatcher struct {
	store    *canonical.Store
	fanout   *Fanout
	reporter *Reporter
	log      *logger.Logger
}

func NewDispatcher(store *canonical.Store, fanout *Fanout, reporter *Reporter, log *logger.Logger) *Dispatcher {
	return &Dispatcher{store: store, fanout: fanout, reporter: reporter, log: log.With("service", "SyncDispatcher")}
}

// Register subscribes the dispatcher's handlers on the bus.
func (d *Dispatcher) Register(bus *Bus) {
	bus.Subscribe(domain.KindContact, d.HandleContact)
	bus.Subscribe(domain.KindBusiness, d.HandleBusiness)
}

var fanoutDestinations = []string{
	domain.SourceRelational,
	domain.SourceEmbedded,
	domain.SourceCRM,
}

// HandleContact fans one contact event out to whichever destinations have
// not already applied it. A fully-replayed event is a no-op.
func (d *Dispatcher) HandleContact(ctx context.Context, ev BusEvent) error {
	skip, err := d.alreadyApplied(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if len(skip) == len(fanoutDestinations) {
		d.log.Debug("event already applied everywhere", "event_id", ev.EventID)
		return nil
	}

	res, err := d.fanout.SyncContactTo(ctx, ev.EntityID, skip)
	if err != nil {
		return err
	}
	return d.recordOutcomes(ctx, ev.EventID, res, skip)
}

// HandleBusiness mirrors HandleContact for the business kind.
func (d *Dispatcher) HandleBusiness(ctx context.Context, ev BusEvent) error {
	skip, err := d.alreadyApplied(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if len(skip) == len(fanoutDestinations) {
		return nil
	}
	res, err := d.fanout.SyncBusiness(ctx, ev.EntityID)
	if err != nil {
		return err
	}
	return d.recordOutcomes(ctx, ev.EventID, res, skip)
}

func (d *Dispatcher) alreadyApplied(ctx context.Context, eventID string) (map[string]bool, error) {
	skip := make(map[string]bool)
	if eventID == "" {
		return skip, nil
	}
	for _, dest := range fanoutDestinations {
		done, err := d.store.AlreadyProcessed(ctx, eventID, dest)
		if err != nil {
			return nil, err
		}
		if done {
			skip[dest] = true
		}
	}
	return skip, nil
}

// recordOutcomes writes one processed-event row per destination the fan-out
// actually touched. Skipped slots for unconfigured destinations count as
// success so the event does not churn forever.
func (d *Dispatcher) recordOutcomes(ctx context.Context, eventID string, res FanoutResult, skip map[string]bool) error {
	if eventID == "" {
		return nil
	}
	now := time.Now().UTC()
	for _, slot := range res.Results {
		if slot.Destination == domain.SourceCanonical || skip[slot.Destination] {
			continue
		}
		pe := domain.ProcessedEvent{
			EventID:     eventID,
			Destination: slot.Destination,
			Status:      domain.ProcessedSuccess,
			ProcessedAt: now,
		}
		if slot.Status == StatusError {
			pe.Status = domain.ProcessedError
			pe.ErrorMessage = slot.Error
		}
		if err := d.store.RecordProcessed(ctx, pe); err != nil {
			return err
		}
	}
	return nil
}
