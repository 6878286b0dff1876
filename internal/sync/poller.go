package sync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

const (
	defaultPollInterval = 5 * time.Minute
	pollBatchLimit      = 200
)

// SyncStats counts one source's polling progress.
type SyncStats struct {
	Source    string    `json:"source"`
	LastSweep time.Time `json:"last_sweep"`
	HighWater time.Time `json:"high_water"`
	Swept     int64     `json:"swept"`
	Errors    int64     `json:"errors"`
}

// Poller is the catch-up reconciler. Each sweep pulls rows modified since
// the per-source high-water mark and re-drives them through the same fan-out
// and inbound paths real-time events use.
type Poller struct {
	store    *canonical.Store
	fanout   *Fanout
	inbound  *Inbound
	sources  []Satellite
	reporter *Reporter
	log      *logger.Logger

	interval time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	highWater map[string]time.Time
	stats     map[string]*SyncStats
}

func NewPoller(store *canonical.Store, fanout *Fanout, inbound *Inbound, sources []Satellite, reporter *Reporter, log *logger.Logger) *Poller {
	return &Poller{
		store:     store,
		fanout:    fanout,
		inbound:   inbound,
		sources:   sources,
		reporter:  reporter,
		log:       log.With("service", "SyncPoller"),
		interval:  defaultPollInterval,
		highWater: make(map[string]time.Time),
		stats:     make(map[string]*SyncStats),
	}
}

// SetInterval overrides the sweep cadence. Only effective before Start.
func (p *Poller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Start launches the periodic sweep loop. Idempotent.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
	p.log.Info("sync poller started", "interval", p.interval.String())
}

// Stop cancels the loop and waits for the current sweep to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()
	<-done
	p.log.Info("sync poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass over the canonical store and every
// satellite concurrently.
func (p *Poller) Sweep(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.sweepCanonical(ctx) })
	for _, sat := range p.sources {
		sat := sat
		g.Go(func() error { return p.sweepSatellite(ctx, sat) })
	}
	return g.Wait()
}

// sweepCanonical re-fans-out canonical contacts changed since the mark.
func (p *Poller) sweepCanonical(ctx context.Context) error {
	since := p.mark(domain.SourceCanonical)
	contacts, err := p.store.ContactsUpdatedSince(ctx, since, pollBatchLimit)
	if err != nil {
		p.bumpErrors(domain.SourceCanonical)
		return err
	}
	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.fanout.SyncContact(ctx, c.ContactID); err != nil {
			// Reported inside the fan-out; the sweep keeps going.
			p.bumpErrors(domain.SourceCanonical)
		}
		p.advance(domain.SourceCanonical, c.UpdatedAt)
	}
	p.finishSweep(domain.SourceCanonical, len(contacts))
	return nil
}

// sweepSatellite pulls satellite-side edits back through the inbound path.
func (p *Poller) sweepSatellite(ctx context.Context, sat Satellite) error {
	since := p.mark(sat.Name())
	contacts, err := sat.ContactsUpdatedSince(ctx, since, pollBatchLimit)
	if err != nil {
		p.bumpErrors(sat.Name())
		p.reporter.Report(ctx, domain.KindContact, "", sat.Name(), domain.ErrDatabase, err)
		return nil // one unreachable satellite must not cancel the others
	}
	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.inbound.SyncContact(ctx, sat, c.ContactID); err != nil {
			p.bumpErrors(sat.Name())
		}
		p.advance(sat.Name(), c.UpdatedAt)
	}
	p.finishSweep(sat.Name(), len(contacts))
	return nil
}

func (p *Poller) mark(source string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater[source]
}

func (p *Poller) advance(source string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.highWater[source]) {
		p.highWater[source] = t
	}
}

func (p *Poller) bumpErrors(source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statLocked(source).Errors++
}

func (p *Poller) finishSweep(source string, swept int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.statLocked(source)
	st.LastSweep = time.Now().UTC()
	st.HighWater = p.highWater[source]
	st.Swept += int64(swept)
}

func (p *Poller) statLocked(source string) *SyncStats {
	st, ok := p.stats[source]
	if !ok {
		st = &SyncStats{Source: source}
		p.stats[source] = st
	}
	return st
}

// Stats snapshots every source's counters.
func (p *Poller) Stats() []SyncStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SyncStats, 0, len(p.stats))
	for _, st := range p.stats {
		snap := *st
		snap.HighWater = p.highWater[st.Source]
		out = append(out, snap)
	}
	return out
}
