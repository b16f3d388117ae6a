package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/shard-ledger/internal/resilience"
)

// Publisher emits transfer events. Publish never blocks on the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

var (
	ErrPublisherClosed = errors.New("publisher closed")
	ErrQueueFull       = errors.New("publish queue full")
)

// AsyncPublisher hands events to a single worker that delivers them through
// the event-bus guard. Undelivered events are left for the outbox sweep.
type AsyncPublisher struct {
	bus    Bus
	guard  *resilience.Guard
	logger *slog.Logger
	queue  chan Event

	onDelivered func(context.Context, Event)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncPublisher starts the delivery worker. guard may be nil.
func NewAsyncPublisher(bus Bus, guard *resilience.Guard, logger *slog.Logger, buffer int) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &AsyncPublisher{
		bus:    bus,
		guard:  guard,
		logger: logger,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// OnDelivered registers a callback run after each successful delivery.
// Set it before the first Publish.
func (p *AsyncPublisher) OnDelivered(fn func(context.Context, Event)) {
	p.onDelivered = fn
}

func (p *AsyncPublisher) Publish(_ context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- e:
		return nil
	default:
		meta := e.Meta()
		p.logger.Warn("event queue full, deferring to outbox sweep",
			"transfer_id", meta.TransferID, "type", string(meta.Type))
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		p.deliver(e)
	}
}

func (p *AsyncPublisher) deliver(e Event) {
	ctx := context.Background()
	send := func(ctx context.Context) error { return p.bus.Send(ctx, e) }

	var err error
	if p.guard != nil {
		err = p.guard.Do(ctx, send)
	} else {
		err = send(ctx)
	}

	meta := e.Meta()
	if err != nil {
		p.logger.Error("event delivery failed",
			"transfer_id", meta.TransferID, "type", string(meta.Type), "error", err)
		return
	}
	p.logger.Debug("event delivered", "transfer_id", meta.TransferID, "type", string(meta.Type))
	if p.onDelivered != nil {
		p.onDelivered(ctx, e)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
