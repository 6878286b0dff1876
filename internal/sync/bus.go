package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
)

// Priority orders queued events. It influences dequeue order only; a
// running handler is never preempted.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 3
	busPollTimeout    = time.Second
)

// BusEvent is one unit of work on the bus.
type BusEvent struct {
	EventID    string
	Source     string
	Kind       string
	EntityID   string
	ChangeType domain.ChangeType
	Priority   Priority
	Timestamp  time.Time
	Data       map[string]any
	RetryCount int
	MaxRetries int
}

// Handler consumes one event. An error triggers the retry path.
type Handler func(ctx context.Context, ev BusEvent) error

// Bus is an in-process pub/sub with a bounded queue and a single worker.
// Subscribers for an event's kind run serially, preserving per-entity order.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	queues      [4]chan BusEvent // indexed by Priority, drained high to low
	running     bool
	done        chan struct{}

	reporter *Reporter // optional
	log      *logger.Logger

	// sleep is swapped out by tests; production uses time.Sleep semantics
	// via the context-aware wait below.
	sleep func(ctx context.Context, d time.Duration)
}

func NewBus(reporter *Reporter, log *logger.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[string][]Handler),
		reporter:    reporter,
		log:         log.With("service", "SyncBus"),
		sleep:       sleepCtx,
	}
	for i := range b.queues {
		b.queues[i] = make(chan BusEvent, defaultQueueSize)
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Subscribe registers a handler for an entity kind. Registration after
// Start is allowed.
func (b *Bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], h)
}

// Publish enqueues without blocking. A full queue is an error the caller
// can report; events are never silently dropped.
func (b *Bus) Publish(ev BusEvent) error {
	if ev.MaxRetries == 0 {
		ev.MaxRetries = defaultMaxRetries
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p := ev.Priority
	if p < PriorityLow || p > PriorityCritical {
		p = PriorityNormal
	}
	select {
	case b.queues[p] <- ev:
		return nil
	default:
		return fmt.Errorf("sync bus queue full (priority %d)", p)
	}
}

// Start launches the worker. Idempotent.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.done = make(chan struct{})
	go b.work(ctx)
	b.log.Info("sync bus started")
}

// Stop asks the worker to exit and waits for it. The worker notices within
// one poll timeout.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	done := b.done
	b.mu.Unlock()
	<-done
	b.log.Info("sync bus stopped")
}

func (b *Bus) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bus) work(ctx context.Context) {
	defer close(b.done)
	for {
		if !b.isRunning() || ctx.Err() != nil {
			return
		}
		ev, ok := b.next(ctx)
		if !ok {
			continue
		}
		b.dispatch(ctx, ev)
	}
}

// next takes the highest-priority queued event, waiting up to the poll
// timeout so Stop stays responsive.
func (b *Bus) next(ctx context.Context) (BusEvent, bool) {
	for p := PriorityCritical; p >= PriorityLow; p-- {
		select {
		case ev := <-b.queues[p]:
			return ev, true
		default:
		}
	}
	select {
	case ev := <-b.queues[PriorityCritical]:
		return ev, true
	case ev := <-b.queues[PriorityHigh]:
		return ev, true
	case ev := <-b.queues[PriorityNormal]:
		return ev, true
	case ev := <-b.queues[PriorityLow]:
		return ev, true
	case <-time.After(busPollTimeout):
		return BusEvent{}, false
	case <-ctx.Done():
		return BusEvent{}, false
	}
}

func (b *Bus) dispatch(ctx context.Context, ev BusEvent) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[ev.Kind]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			metrics.Current().IncEventProcessed(ev.Kind, "error")
			b.retry(ctx, ev, err)
			return
		}
	}
	metrics.Current().IncEventProcessed(ev.Kind, "success")
	metrics.Current().SetBusDepth(b.Depth())
}

func (b *Bus) retry(ctx context.Context, ev BusEvent, cause error) {
	ev.RetryCount++
	if ev.RetryCount > ev.MaxRetries {
		metrics.Current().IncEventAbandoned(ev.Kind)
		b.log.Error("event abandoned after retries",
			"kind", ev.Kind, "entity_id", ev.EntityID, "retries", ev.RetryCount-1, "error", cause)
		if b.reporter != nil {
			b.reporter.Report(ctx, ev.Kind, ev.EntityID, ev.Source, domain.ErrSync,
				fmt.Errorf("abandoned after %d retries: %w", ev.RetryCount-1, cause))
		}
		return
	}
	metrics.Current().IncEventRetried(ev.Kind)
	backoff := time.Duration(1<<ev.RetryCount) * time.Second
	b.log.Warn("event handler failed, requeueing",
		"kind", ev.Kind, "entity_id", ev.EntityID, "retry", ev.RetryCount, "backoff", backoff.String(), "error", cause)
	b.sleep(ctx, backoff)
	if err := b.Publish(ev); err != nil {
		b.log.Error("requeue failed, abandoning event", "kind", ev.Kind, "entity_id", ev.EntityID, "error", err)
		if b.reporter != nil {
			b.reporter.Report(ctx, ev.Kind, ev.EntityID, ev.Source, domain.ErrSync, err)
		}
	}
}

// Depth returns the number of queued events across all priorities.
func (b *Bus) Depth() int {
	n := 0
	for i := range b.queues {
		n += len(b.queues[i])
	}
	return n
}
