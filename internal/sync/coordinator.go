package sync

import (
	"context"
	"sync"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

const (
	cdcSweepInterval = time.Minute
	cdcSweepLimit    = 100
	stopTimeout      = 10 * time.Second
)

// Coordinator composes CDC, the event bus, and the poller into one
/// lifecycle: CDC is always recording, the bus drives real-time propagation,
// and polling mops up anything the bus lost.
type Coordinator struct {
	cdc    *CDC
	bus    *Bus
	poller *Poller
	log    *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCoordinator(cdc *CDC, bus *Bus, poller *Poller, log *logger.Logger) *Coordinator {
	return &Coordinator{cdc: cdc, bus: bus, poller: poller, log: log.With("service", "SyncCoordinator")}
}

// Start brings up the bus worker, the poller, and the CDC pending-sweep
// loop. Idempotent; a second call is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if c.bus != nil {
		c.bus.Start(ctx)
	}
	if c.poller != nil {
		c.poller.Start(ctx)
	}
	go c.cdcLoop(ctx)
	c.log.Info("sync coordinator started")
}

func (c *Coordinator) cdcLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(cdcSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.cdc.ProcessPendingChanges(ctx, cdcSweepLimit); err != nil && ctx.Err() == nil {
				c.log.Error("pending-change sweep failed", "error", err)
			}
		}
	}
}

// CaptureChange records and publishes one change, best-effort.
func (c *Coordinator) CaptureChange(ctx context.Context, source, kind, entityID string, changeType domain.ChangeType, data map[string]any, version int64) error {
	return c.cdc.CaptureChange(ctx, source, kind, entityID, changeType, data, version, nil)
}

// Stop shuts everything down, bounding the wait for stragglers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.log.Warn("cdc loop did not stop in time")
	}
	if c.poller != nil {
		c.poller.Stop()
	}
	if c.bus != nil {
		c.bus.Stop()
	}
	c.log.Info("sync coordinator stopped")
}

// Healthy reports whether the coordinator's loops are up.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status merges the change-log view with polling stats for one entity.
type Status struct {
	CDC     *canonical.SyncStatus `json:"cdc,omitempty"`
	Polling []SyncStats           `json:"polling,omitempty"`
	Running bool                  `json:"running"`
	Queued  int                   `json:"queued"`
}

// Overview is Status without the per-entity change-log view.
func (c *Coordinator) Overview() *Status {
	st := &Status{Running: c.Healthy()}
	if c.bus != nil {
		st.Queued = c.bus.Depth()
	}
	if c.poller != nil {
		st.Polling = c.poller.Stats()
	}
	return st
}

func (c *Coordinator) Status(ctx context.Context, kind, entityID string) (*Status, error) {
	st := &Status{Running: c.Healthy()}
	if c.bus != nil {
		st.Queued = c.bus.Depth()
	}
	if c.poller != nil {
		st.Polling = c.poller.Stats()
	}
	cdcStatus, err := c.cdc.Status(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	st.CDC = cdcStatus
	return st, nil
}
