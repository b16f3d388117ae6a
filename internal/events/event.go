// Package events defines the transfer events emitted after a transfer
// resolves and the plumbing that delivers them at least once.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeTransferCommitted Type = "TransferCommitted"
	TypeTransferFailed    Type = "TransferFailed"
)

// Envelope carries the fields shared by every transfer event. Consumers
// deduplicate on (TransferID, Type).
type Envelope struct {
	EventID       string    `json:"event_id"`
	Type          Type      `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	TransferID    string    `json:"transfer_id"`
	FromAccount   string    `json:"from_account"`
	ToAccount     string    `json:"to_account"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	FromShard     int       `json:"from_shard"`
	ToShard       int       `json:"to_shard"`
	CrossShard    bool      `json:"cross_shard"`
}

// Event is implemented only by the types in this package.
type Event interface {
	Meta() Envelope
	isEvent()
}

type TransferCommitted struct {
	Envelope
}

type TransferFailed struct {
	Envelope
	Reason string `json:"reason"`
}

func (e TransferCommitted) Meta() Envelope { return e.Envelope }
func (e TransferFailed) Meta() Envelope { return e.Envelope }
func (TransferCommitted) isEvent() {}
func (TransferFailed) isEvent() {}

// FormatAmount renders minor units as a two-decimal major-unit string.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func stamp(env Envelope, t Type, at time.Time) Envelope {
	env.Type = t
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = at.UTC()
	}
	env.AmountDisplay = FormatAmount(env.Amount)
	return env
}

func NewTransferCommitted(env Envelope, at time.Time) TransferCommitted {
	return TransferCommitted{Envelope: stamp(env, TypeTransferCommitted, at)}
}

func NewTransferFailed(env Envelope, reason string, at time.Time) TransferFailed {
	return TransferFailed{Envelope: stamp(env, TypeTransferFailed, at), Reason: reason}
}

var ErrUnknownType = errors.New("unknown event type")

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a payload produced by Encode into its concrete type.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case TypeTransferCommitted:
		var e TransferCommitted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	case TypeTransferFailed:
		var e TransferFailed
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
