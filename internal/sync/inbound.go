package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Inbound pulls a satellite's version of a contact back into the canonical
// store. The winner of conflict resolution is upserted and re-fanned-out to
// the other replicas; the processed-event index keeps the round trip from
// looping forever.
type Inbound struct {
	store    *canonical.Store
	resolver *Resolver
	fanout   *Fanout
	reporter *Reporter
	log      *logger.Logger
}

func NewInbound(store *canonical.Store, resolver *Resolver, fanout *Fanout, reporter *Reporter, log *logger.Logger) *Inbound {
	return &Inbound{
		store:    store,
		resolver: resolver,
		fanout:   fanout,
		reporter: reporter,
		log:      log.With("service", "InboundSync"),
	}
}

// SyncContact ingests one contact from the named satellite. Returns the
// fan-out result when propagation ran, or a zero result when the canonical
// side won or the tie was escalated.
func (i *Inbound) SyncContact(ctx context.Context, sat Satellite, contactID string) (FanoutResult, error) {
	inbound, err := sat.GetContact(ctx, contactID)
	if err != nil {
		i.reporter.Report(ctx, domain.KindContact, contactID, sat.Name(), domain.ErrNotFound, err)
		return FanoutResult{}, fmt.Errorf("read %s from %s: %w", contactID, sat.Name(), err)
	}

	// The inbound transform: the satellite's record gains a sync_metadata
	// entry naming the source and bumping the version.
	inbound.StampInbound(sat.Name(), time.Now())

	existing, err := i.store.GetContact(ctx, contactID)
	if err == nil && existing != nil {
		decision, rErr := i.resolver.Resolve(ctx, inbound, existing, sat.Name(), domain.SourceCanonical)
		if rErr != nil {
			i.reporter.Report(ctx, domain.KindContact, contactID, domain.SourceCanonical, domain.ErrConflict, rErr)
			return FanoutResult{}, rErr
		}
		if decision.Winner == nil {
			i.log.Warn("inbound contact escalated to manual resolution",
				"contact_id", contactID, "source", sat.Name(), "reason", decision.Reason)
			return FanoutResult{}, nil
		}
		if decision.Winner == existing {
			i.log.Debug("canonical row wins, inbound discarded",
				"contact_id", contactID, "source", sat.Name(), "reason", decision.Reason)
			return FanoutResult{}, nil
		}
	}

	if err := i.store.UpsertContact(ctx, inbound); err != nil {
		i.reporter.Report(ctx, domain.KindContact, contactID, domain.SourceCanonical, domain.ErrDatabase, err)
		return FanoutResult{}, fmt.Errorf("upsert canonical contact %s: %w", contactID, err)
	}

	// Propagate the accepted write to the other replicas.
	res, err := i.fanout.SyncContact(ctx, contactID)
	if err != nil {
		return res, err
	}
	i.log.Info("inbound contact accepted", "contact_id", contactID, "source", sat.Name())
	return res, nil
}
