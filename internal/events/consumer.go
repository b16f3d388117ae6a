package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one decoded event. Returning an error leaves the message
// pending; it is redelivered on the next pending sweep.
type Handler func(ctx context.Context, e Event) error

// Consumer reads a stream through a consumer group until its context ends.
type Consumer struct {
	Redis    *redis.Client
	Stream   string
	Group    string
	Name     string
	Handler  Handler
	Logger   *slog.Logger
	Block    time.Duration
	BatchMax int64
	// DedupTTL, when positive, skips events whose (transfer id, type) was
	// already handled within the window.
	DedupTTL time.Duration
	// RetryInterval is how often entries left pending by a failed handler
	// are read again. Defaults to 30s.
	RetryInterval time.Duration
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

func (c *Consumer) stream() string {
	if c.Stream == "" {
		return DefaultStream
	}
	return c.Stream
}

// Run creates the group if needed, replays this consumer's pending messages
// and then blocks for new ones, re-reading the pending list every
// RetryInterval. It returns nil when ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Handler == nil {
		return errors.New("consumer: handler is required")
	}
	if err := c.Redis.XGroupCreateMkStream(ctx, c.stream(), c.Group, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	block := c.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	count := c.BatchMax
	if count <= 0 {
		count = 100
	}
	retry := c.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}

	var lastSweep time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastSweep) >= retry {
			if err := c.drainPending(ctx, count); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastSweep = time.Now()
		}

		res, err := c.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.Group,
			Consumer: c.Name,
			Streams:  []string{c.stream(), ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// drainPending pages through this consumer's pending entries, oldest first,
// until a read comes back empty. Entries the handler fails on stay pending
// for the next sweep.
func (c *Consumer) drainPending(ctx context.Context, count int64) error {
	cursor := "0"
	for ctx.Err() == nil {
		res, err := c.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.Group,
			Consumer: c.Name,
			Streams:  []string{c.stream(), cursor},
			Count:    count,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pending: %w", err)
		}

		n := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
				cursor = msg.ID
				n++
			}
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	log := c.logger().With("stream", c.stream(), "message_id", msg.ID)

	raw, _ := msg.Values["payload"].(string)
	e, err := Decode([]byte(raw))
	if err != nil {
		// Poison message: ack so it does not block the group.
		log.Error("dropping undecodable event", "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	meta := e.Meta()
	var key string
	if c.DedupTTL > 0 {
		key = fmt.Sprintf("event_seen:%s:%s:%s", c.Group, meta.TransferID, meta.Type)
		fresh, err := c.Redis.SetNX(ctx, key, msg.ID, c.DedupTTL).Result()
		if err != nil {
			log.Warn("dedup check failed, handling anyway", "error", err)
		} else if !fresh {
			log.Debug("skipping duplicate event", "transfer_id", meta.TransferID, "type", string(meta.Type))
			c.ack(ctx, msg.ID)
			return
		}
	}

	if err := c.Handler(ctx, e); err != nil {
		log.Error("event handler failed", "transfer_id", meta.TransferID, "error", err)
		if key != "" {
			c.Redis.Del(ctx, key)
		}
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.Redis.XAck(ctx, c.stream(), c.Group, id).Err(); err != nil {
		c.logger().Warn("ack failed", "message_id", id, "error", err)
	}
}
