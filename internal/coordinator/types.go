package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/shard-ledger/internal/ledger"
)

// Status is the caller-visible outcome of a transfer.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
)

// Abort reasons reported to callers.
const (
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonAccountNotFound     = "account_not_found"
	ReasonAccountBusy         = "account_busy"
	ReasonShardUnavailable    = "shard_unavailable"
	ReasonPrepareTimeout      = "prepare_timeout"
	ReasonRejectedByScreening = "rejected_by_screening"
)

// Gate is an externally supplied go/no-go decision, typically from a fraud
// screen run by the caller. The zero value proceeds.
type Gate string

const (
	GateProceed Gate = "proceed"
	GateAbort   Gate = "abort"
)

// TransferRequest asks for amount minor units to move from one account to another.
type TransferRequest struct {
	TransferID  string `json:"transfer_id"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
	Gate        Gate   `json:"gate,omitempty"`
}

// Result is the terminal answer for a transfer.
type Result struct {
	Status     Status `json:"status"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
	FromShard  int    `json:"from_shard"`
	ToShard    int    `json:"to_shard"`
	CrossShard bool   `json:"cross_shard"`
}

// Participant is one shard's part in a transfer.
type Participant struct {
	Shard     int              `json:"shard"`
	AccountID string           `json:"account_id"`
	Direction ledger.Direction `json:"direction"`
	Amount    int64            `json:"amount"`
	Prepared  bool             `json:"prepared"`
}

// Record is the durable coordinator state of one transfer.
type Record struct {
	TransferID     string        `json:"transfer_id"`
	FromAccount    string        `json:"from_account"`
	ToAccount      string        `json:"to_account"`
	Amount         int64         `json:"amount"`
	Phase          Phase         `json:"phase"`
	Reason         string        `json:"reason,omitempty"`
	Participants   []Participant `json:"participants"`
	EventPublished bool          `json:"event_published"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Deadline       time.Time     `json:"deadline"`
}

func (r Record) sameRequest(req TransferRequest) bool {
	return r.FromAccount == req.FromAccount && r.ToAccount == req.ToAccount && r.Amount == req.Amount
}

func (r Record) shards() (from, to int) {
	for _, p := range r.Participants {
		switch p.Direction {
		case ledger.Debit:
			from = p.Shard
		case ledger.Credit:
			to = p.Shard
		}
	}
	if len(r.Participants) == 1 {
		to = from
	}
	return from, to
}

// Result derives the caller-visible result of a terminal record.
func (r Record) Result() Result {
	from, to := r.shards()
	res := Result{
		TransferID: r.TransferID,
		Reason:     r.Reason,
		FromShard:  from,
		ToShard:    to,
		CrossShard: from != to,
	}
	if r.Phase == PhaseCommitted {
		res.Status = StatusCommitted
		res.Reason = ""
	} else {
		res.Status = StatusAborted
	}
	return res
}

var (
	// ErrTransferIDReuse is returned when a transfer id is replayed with a
	// different payload.
	ErrTransferIDReuse = errors.New("transfer id already used for a different transfer")
	// ErrTransferInProgress is returned when a duplicate request gives up
	// waiting for the original to resolve.
	ErrTransferInProgress = errors.New("transfer still in progress")
	ErrRecordNotFound     = errors.New("transfer not found")
	ErrPhaseConflict      = errors.New("transfer phase changed concurrently")
)

// ValidationError rejects a request before any shard is contacted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InDoubtError reports a transfer whose commit decision is durable but not
// yet applied on every participant. Recovery keeps retrying it.
type InDoubtError struct {
	TransferID string
	Shards     []int
	Err        error
}

func (e *InDoubtError) Error() string {
	return fmt.Sprintf("transfer %s outcome pending recovery on shards %v: %v", e.TransferID, e.Shards, e.Err)
}

func (e *InDoubtError) Unwrap() error { return e.Err }
