package events

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream transfer events are appended to.
const DefaultStream = "payment_events"

// Bus delivers one encoded event to the message bus.
type Bus interface {
	Send(ctx context.Context, e Event) error
}

// RedisStreamBus appends events to a Redis stream.
type RedisStreamBus struct {
	Redis  *redis.Client
	Stream string
	// MaxLen caps the stream approximately; zero keeps everything.
	MaxLen int64
}

func (b *RedisStreamBus) stream() string {
	if b.Stream == "" {
		return DefaultStream
	}
	return b.Stream
}

func (b *RedisStreamBus) Send(ctx context.Context, e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	meta := e.Meta()
	return b.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(),
		MaxLen: b.MaxLen,
		Approx: b.MaxLen > 0,
		Values: map[string]any{
			"type":        string(meta.Type),
			"transfer_id": meta.TransferID,
			"payload":     string(payload),
		},
	}).Err()
}

// MemoryBus keeps sent events in memory.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
	// Fail, when set, is consulted before each send.
	Fail func(Event) error
}

func (b *MemoryBus) Send(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		if err := b.Fail(e); err != nil {
			return err
		}
	}
	b.events = append(b.events, e)
	return nil
}

func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}
