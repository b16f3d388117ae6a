// Package coordinator executes transfers atomically across shards: a local
// transaction when both accounts share a shard, two-phase commit otherwise.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/shard-ledger/internal/events"
	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
	"github.com/example/shard-ledger/internal/shard"
	"github.com/example/shard-ledger/pkg/audit"
)

// LevelCritical marks transfers that need operator attention.
const LevelCritical = slog.Level(12)

// Auditor records coordinator decisions.
type Auditor interface {
	Record(kind, subject string, payload any) (*audit.LogEntry, error)
}

type Config struct {
	// Deadline bounds how long a transfer may sit before preparing is done;
	// the sweeper aborts anything older.
	Deadline time.Duration
	// PrepareTimeout bounds the whole prepare phase of one transfer.
	PrepareTimeout time.Duration
	// MaxAmount rejects larger transfers; zero means no limit.
	MaxAmount int64
	// WaitInterval is how often a duplicate request polls the original.
	WaitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Minute
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 30 * time.Second
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 50 * time.Millisecond
	}
	return c
}

// Coordinator is the single path by which balances change.
type Coordinator struct {
	router    *shard.Router
	shards    *shard.Registry
	log       TxLog
	logGuard  *resilience.Guard
	publisher events.Publisher
	auditor   Auditor
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	started   time.Time
}

type Option func(*Coordinator)

func WithPublisher(p events.Publisher) Option { return func(c *Coordinator) { c.publisher = p } }

func WithAuditor(a Auditor) Option { return func(c *Coordinator) { c.auditor = a } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogGuard routes coordinator log calls through g.
func WithLogGuard(g *resilience.Guard) Option { return func(c *Coordinator) { c.logGuard = g } }

func New(router *shard.Router, shards *shard.Registry, log TxLog, cfg Config, opts ...Option) (*Coordinator, error) {
	if router.Shards() != shards.Count() {
		return nil, fmt.Errorf("router expects %d shards but registry has %d", router.Shards(), shards.Count())
	}
	c := &Coordinator{
		router: router,
		shards: shards,
		log:    log,
		cfg:    cfg.withDefaults(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.started = c.now()
	return c, nil
}

// TxLogRetryable classifies coordinator log errors for a resilience guard.
func TxLogRetryable(err error) bool {
	var invalid *InvalidTransitionError
	return !errors.Is(err, ErrPhaseConflict) &&
		!errors.Is(err, ErrRecordNotFound) &&
		!errors.As(err, &invalid)
}

func (c *Coordinator) logDo(ctx context.Context, fn func(context.Context) error) error {
	if c.logGuard == nil {
		return fn(ctx)
	}
	return c.logGuard.Do(ctx, fn)
}

func (c *Coordinator) validate(req TransferRequest) error {
	switch {
	case strings.TrimSpace(req.FromAccount) == "":
		return &ValidationError{Field: "from_account", Reason: "required"}
	case strings.TrimSpace(req.ToAccount) == "":
		return &ValidationError{Field: "to_account", Reason: "required"}
	case req.FromAccount == req.ToAccount:
		return &ValidationError{Field: "to_account", Reason: "must differ from from_account"}
	case req.Amount <= 0:
		return &ValidationError{Field: "amount", Reason: "must be a positive integer"}
	case c.cfg.MaxAmount > 0 && req.Amount > c.cfg.MaxAmount:
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds limit of %d", c.cfg.MaxAmount)}
	case len(req.TransferID) > 128:
		return &ValidationError{Field: "transfer_id", Reason: "too long"}
	}
	switch req.Gate {
	case "", GateProceed, GateAbort:
	default:
		return &ValidationError{Field: "gate", Reason: fmt.Sprintf("unknown decision %q", req.Gate)}
	}
	return nil
}

// ExecuteTransfer runs a transfer to a terminal state. Replaying a transfer
// id returns the stored result without re-executing.
func (c *Coordinator) ExecuteTransfer(ctx context.Context, req TransferRequest) (Result, error) {
	if req.TransferID == "" {
		req.TransferID = uuid.NewString()
	}
	if err := c.validate(req); err != nil {
		return Result{}, err
	}

	fromShard := c.router.Resolve(ctx, req.FromAccount)
	toShard := c.router.Resolve(ctx, req.ToAccount)
	rec := c.newRecord(req, fromShard, toShard)

	var (
		stored  Record
		created bool
	)
	err := c.logDo(ctx, func(ctx context.Context) error {
		var err error
		stored, created, err = c.log.Begin(ctx, rec)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("record transfer %s: %w", req.TransferID, err)
	}
	if !created {
		return c.replay(ctx, req, stored)
	}
	rec = stored

	c.logger.Info("transfer started",
		"transfer_id", rec.TransferID, "from_shard", fromShard, "to_shard", toShard, "amount", rec.Amount)

	switch {
	case req.Gate == GateAbort:
		return c.abort(ctx, rec, PhasePreparing, ReasonRejectedByScreening, false)
	case fromShard == toShard:
		return c.local(ctx, rec)
	default:
		return c.twoPhase(ctx, rec)
	}
}

func (c *Coordinator) newRecord(req TransferRequest, fromShard, toShard int) Record {
	rec := Record{
		TransferID:  req.TransferID,
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
		Phase:       PhasePreparing,
		Deadline:    c.now().Add(c.cfg.Deadline),
	}
	if fromShard == toShard {
		rec.Participants = []Participant{{Shard: fromShard, AccountID: req.FromAccount, Direction: ledger.Debit, Amount: req.Amount}}
		return rec
	}
	rec.Participants = []Participant{
		{Shard: fromShard, AccountID: req.FromAccount, Direction: ledger.Debit, Amount: req.Amount},
		{Shard: toShard, AccountID: req.ToAccount, Direction: ledger.Credit, Amount: req.Amount},
	}
	// Fixed global order for prepare locks.
	sort.Slice(rec.Participants, func(i, j int) bool { return rec.Participants[i].Shard < rec.Participants[j].Shard })
	return rec
}

func (c *Coordinator) replay(ctx context.Context, req TransferRequest, stored Record) (Result, error) {
	if !stored.sameRequest(req) {
		return Result{}, fmt.Errorf("%w: %s", ErrTransferIDReuse, req.TransferID)
	}
	if stored.Phase.Terminal() {
		c.logger.Debug("replayed transfer", "transfer_id", stored.TransferID, "phase", string(stored.Phase))
		return stored.Result(), nil
	}
	return c.await(ctx, stored.TransferID)
}

// await polls the log until the transfer is terminal or ctx ends.
func (c *Coordinator) await(ctx context.Context, transferID string) (Result, error) {
	ticker := time.NewTicker(c.cfg.WaitInterval)
	defer ticker.Stop()
	for {
		rec, err := c.log.Get(ctx, transferID)
		if err != nil {
			return Result{}, err
		}
		if rec.Phase.Terminal() {
			return rec.Result(), nil
		}
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %s is %s", ErrTransferInProgress, transferID, rec.Phase)
		case <-ticker.C:
		}
	}
}

// reasonFor maps a participant error onto an abort reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ledger.ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, ledger.ErrAccountBusy):
		return ReasonAccountBusy
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonPrepareTimeout
	default:
		return ReasonShardUnavailable
	}
}

func isBusiness(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrAccountBusy)
}

// local is the same-shard fast path: one local ACID transaction.
func (c *Coordinator) local(ctx context.Context, rec Record) (Result, error) {
	id := rec.Participants[0].Shard
	err := c.shards.Do(ctx, id, func(ctx context.Context, s ledger.Store) error {
		return s.Transfer(ctx, rec.TransferID, rec.FromAccount, rec.ToAccount, rec.Amount)
	})
	if err == nil {
		return c.markCommitted(ctx, rec, PhasePreparing)
	}
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		// The sweeper expired this transfer and fenced it on the shard.
		return c.onConflict(ctx, rec.TransferID, fmt.Errorf("%w: %w", ErrPhaseConflict, err))
	}
	if isBusiness(err) {
		return c.abort(ctx, rec, PhasePreparing, reasonFor(err), false)
	}

	// The transaction may have committed before the error surfaced.
	applied, verr := c.fenceLocal(context.WithoutCancel(ctx), rec)
	switch {
	case verr != nil:
		c.logger.Error("local transfer outcome unknown",
			"transfer_id", rec.TransferID, "shard", id, "error", err, "verify_error", verr)
		return Result{}, &InDoubtError{TransferID: rec.TransferID, Shards: []int{id}, Err: err}
	case applied:
		return c.markCommitted(ctx, rec, PhasePreparing)
	default:
		c.logger.Warn("local transfer failed", "transfer_id", rec.TransferID, "shard", id, "error", err)
		return c.abort(ctx, rec, PhasePreparing, reasonFor(err), false)
	}
}

// fenceLocal settles a same-shard transfer on its shard. It reports true if
// the transfer already applied; otherwise it leaves an abort tombstone that
// stops a still-running Transfer from applying.
func (c *Coordinator) fenceLocal(ctx context.Context, rec Record) (bool, error) {
	err := c.shards.Do(ctx, rec.Participants[0].Shard, func(ctx context.Context, s ledger.Store) error {
		return s.Abort(ctx, rec.TransferID)
	})
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return true, nil
	}
	return false, err
}

// markCommitted records a local transfer that has already been applied.
func (c *Coordinator) markCommitted(ctx context.Context, rec Record, from Phase) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if from != PhaseCommitting {
		if err := c.transition(ctx, rec.TransferID, from, PhaseCommitting, ""); err != nil {
			return c.onConflict(ctx, rec.TransferID, err)
		}
	}
	if err := c.transition(ctx, rec.TransferID, PhaseCommitting, PhaseCommitted, ""); err != nil {
		return c.onConflict(ctx, rec.TransferID, err)
	}
	rec.Phase = PhaseCommitted
	c.finished(ctx, rec)
	return rec.Result(), nil
}

// twoPhase runs prepare on every participant in shard order, then commits
// or aborts.
func (c *Coordinator) twoPhase(ctx context.Context, rec Record) (Result, error) {
	prepCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	for _, p := range rec.Participants {
		err := c.shards.Do(prepCtx, p.Shard, func(ctx context.Context, s ledger.Store) error {
			return s.Prepare(ctx, ledger.PrepareRequest{
				TransferID: rec.TransferID,
				AccountID:  p.AccountID,
				Amount:     p.Amount,
				Direction:  p.Direction,
			})
		})
		if err != nil {
			reason := reasonFor(err)
			if prepCtx.Err() != nil && ctx.Err() == nil {
				reason = ReasonPrepareTimeout
			}
			c.logger.Info("participant voted no",
				"transfer_id", rec.TransferID, "shard", p.Shard, "reason", reason, "error", err)
			return c.abort(ctx, rec, PhasePreparing, reason, true)
		}

		if err := c.logDo(ctx, func(ctx context.Context) error {
			return c.log.MarkPrepared(ctx, rec.TransferID, p.Shard)
		}); err != nil {
			c.logger.Warn("failed to record prepare vote", "transfer_id", rec.TransferID, "shard", p.Shard, "error", err)
		}
	}

	if err := c.transition(ctx, rec.TransferID, PhasePreparing, PhasePrepared, ""); err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			return c.onConflict(ctx, rec.TransferID, err)
		}
		// Decision not recorded: presumed abort.
		return c.abort(ctx, rec, PhasePreparing, ReasonShardUnavailable, true)
	}
	return c.commit(ctx, rec, PhasePrepared)
}

// commit records the commit decision and applies it on every participant.
func (c *Coordinator) commit(ctx context.Context, rec Record, from Phase) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if from != PhaseCommitting {
		if err := c.transition(ctx, rec.TransferID, from, PhaseCommitting, ""); err != nil {
			if errors.Is(err, ErrPhaseConflict) {
				return c.onConflict(ctx, rec.TransferID, err)
			}
			return c.abort(ctx, rec, from, ReasonShardUnavailable, true)
		}
	}

	failed := c.forEachParticipant(ctx, rec, func(ctx context.Context, s ledger.Store) error {
		return s.Commit(ctx, rec.TransferID)
	})
	if len(failed) > 0 {
		shards := make([]int, 0, len(failed))
		var errs []error
		for id, err := range failed {
			shards = append(shards, id)
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
		sort.Ints(shards)
		err := errors.Join(errs...)
		c.logger.Log(ctx, LevelCritical, "commit failed after unanimous yes vote; transfer left for recovery",
			"transfer_id", rec.TransferID, "shards", shards, "error", err)
		c.record("transfer.in_doubt", rec, map[string]any{"shards": shards, "error": err.Error()})
		return Result{}, &InDoubtError{TransferID: rec.TransferID, Shards: shards, Err: err}
	}

	if err := c.transition(ctx, rec.TransferID, PhaseCommitting, PhaseCommitted, ""); err != nil {
		return c.onConflict(ctx, rec.TransferID, err)
	}
	rec.Phase = PhaseCommitted
	c.finished(ctx, rec)
	return rec.Result(), nil
}

// abort records the abort decision and, when contact is set, clears the
// prepare markers. Participants that cannot be reached keep the transfer in
// ABORTING for the sweeper; the caller still gets the abort.
func (c *Coordinator) abort(ctx context.Context, rec Record, from Phase, reason string, contact bool) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if from != PhaseAborting {
		if err := c.transition(ctx, rec.TransferID, from, PhaseAborting, reason); err != nil {
			return c.onConflict(ctx, rec.TransferID, err)
		}
	}
	rec.Reason = reason

	if contact {
		failed := c.forEachParticipant(ctx, rec, func(ctx context.Context, s ledger.Store) error {
			return s.Abort(ctx, rec.TransferID)
		})
		if len(failed) > 0 {
			for id, err := range failed {
				c.logger.Error("abort not applied on participant",
					"transfer_id", rec.TransferID, "shard", id, "error", err)
			}
			rec.Phase = PhaseAborting
			return rec.Result(), nil
		}
	}

	if err := c.transition(ctx, rec.TransferID, PhaseAborting, PhaseAborted, ""); err != nil {
		return c.onConflict(ctx, rec.TransferID, err)
	}
	rec.Phase = PhaseAborted
	c.finished(ctx, rec)
	return rec.Result(), nil
}

// forEachParticipant runs fn on all participants in parallel and returns
// the errors by shard.
func (c *Coordinator) forEachParticipant(ctx context.Context, rec Record, fn func(context.Context, ledger.Store) error) map[int]error {
	errs := make([]error, len(rec.Participants))
	var g errgroup.Group
	for i, p := range rec.Participants {
		g.Go(func() error {
			errs[i] = c.shards.Do(ctx, p.Shard, fn)
			return nil
		})
	}
	g.Wait()

	failed := make(map[int]error)
	for i, err := range errs {
		if err != nil {
			failed[rec.Participants[i].Shard] = err
		}
	}
	return failed
}

func (c *Coordinator) transition(ctx context.Context, transferID string, from, to Phase, reason string) error {
	err := c.logDo(ctx, func(ctx context.Context) error {
		return c.log.Transition(ctx, transferID, from, to, reason)
	})
	if err != nil {
		return err
	}
	c.logger.Debug("phase changed", "transfer_id", transferID, "from", string(from), "to", string(to))
	return nil
}

// onConflict handles a lost phase race: another actor owns the transfer
// now, so wait for its outcome.
func (c *Coordinator) onConflict(ctx context.Context, transferID string, err error) (Result, error) {
	if !errors.Is(err, ErrPhaseConflict) {
		c.logger.Error("coordinator log unavailable", "transfer_id", transferID, "error", err)
		return Result{}, fmt.Errorf("transfer %s: %w", transferID, err)
	}
	c.logger.Warn("transfer taken over", "transfer_id", transferID, "error", err)
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()
	return c.await(waitCtx, transferID)
}

// finished audits and publishes a terminal record.
func (c *Coordinator) finished(ctx context.Context, rec Record) {
	res := rec.Result()
	kind := "transfer.committed"
	if res.Status == StatusAborted {
		kind = "transfer.aborted"
	}
	c.logger.Info("transfer finished",
		"transfer_id", rec.TransferID, "status", string(res.Status), "reason", res.Reason, "cross_shard", res.CrossShard)
	c.record(kind, rec, nil)
	c.publish(ctx, rec)
}

func (c *Coordinator) record(kind string, rec Record, extra map[string]any) {
	if c.auditor == nil {
		return
	}
	payload := map[string]any{
		"from_account": rec.FromAccount,
		"to_account":   rec.ToAccount,
		"amount":       rec.Amount,
		"reason":       rec.Reason,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := c.auditor.Record(kind, rec.TransferID, payload); err != nil {
		c.logger.Warn("audit record failed", "transfer_id", rec.TransferID, "error", err)
	}
}

// Event builds the outbound event for a terminal record.
func Event(rec Record, at time.Time) events.Event {
	res := rec.Result()
	env := events.Envelope{
		TransferID:  rec.TransferID,
		FromAccount: rec.FromAccount,
		ToAccount:   rec.ToAccount,
		Amount:      rec.Amount,
		FromShard:   res.FromShard,
		ToShard:     res.ToShard,
		CrossShard:  res.CrossShard,
	}
	if res.Status == StatusCommitted {
		return events.NewTransferCommitted(env, at)
	}
	return events.NewTransferFailed(env, res.Reason, at)
}

func (c *Coordinator) publish(ctx context.Context, rec Record) {
	if c.publisher == nil {
		c.Acknowledge(ctx, rec.TransferID)
		return
	}
	if err := c.publisher.Publish(ctx, Event(rec, c.now())); err != nil {
		c.logger.Warn("event not queued", "transfer_id", rec.TransferID, "error", err)
	}
}

// Acknowledge marks a transfer's event as delivered.
func (c *Coordinator) Acknowledge(ctx context.Context, transferID string) {
	err := c.logDo(ctx, func(ctx context.Context) error {
		return c.log.MarkPublished(ctx, transferID)
	})
	if err != nil {
		c.logger.Warn("failed to mark event published", "transfer_id", transferID, "error", err)
	}
}

// Transfer returns the coordinator record of a transfer.
func (c *Coordinator) Transfer(ctx context.Context, transferID string) (Record, error) {
	return c.log.Get(ctx, transferID)
}

// BalanceInfo answers a balance query.
type BalanceInfo struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	ShardID   int    `json:"shard_id"`
	Found     bool   `json:"found"`
}

// Balance reads an account's balance from its shard.
func (c *Coordinator) Balance(ctx context.Context, accountID string) (BalanceInfo, error) {
	info := BalanceInfo{AccountID: accountID, ShardID: c.router.Resolve(ctx, accountID)}
	err := c.shards.Do(ctx, info.ShardID, func(ctx context.Context, s ledger.Store) error {
		var err error
		info.Balance, info.Found, err = s.GetBalance(ctx, accountID)
		return err
	})
	if err != nil {
		return BalanceInfo{}, fmt.Errorf("balance of %s: %w", accountID, err)
	}
	return info, nil
}

// AccountHistory lists the ledger entries of an account on its shard.
func (c *Coordinator) AccountHistory(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	id := c.router.Resolve(ctx, accountID)
	var out []ledger.Entry
	err := c.shards.Do(ctx, id, func(ctx context.Context, s ledger.Store) error {
		var err error
		out, err = s.AccountEntries(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", accountID, err)
	}
	return out, nil
}

// OpenAccount creates an account on the shard its id hashes to.
func (c *Coordinator) OpenAccount(ctx context.Context, accountID string, openingBalance int64) (BalanceInfo, error) {
	if strings.TrimSpace(accountID) == "" {
		return BalanceInfo{}, &ValidationError{Field: "account_id", Reason: "required"}
	}
	if openingBalance < 0 {
		return BalanceInfo{}, &ValidationError{Field: "opening_balance", Reason: "must not be negative"}
	}
	id := c.router.Resolve(ctx, accountID)
	err := c.shards.Do(ctx, id, func(ctx context.Context, s ledger.Store) error {
		return s.CreateAccount(ctx, accountID, openingBalance)
	})
	if err != nil {
		return BalanceInfo{}, err
	}
	c.logger.Info("account opened", "account_id", accountID, "shard", id)
	return BalanceInfo{AccountID: accountID, Balance: openingBalance, ShardID: id, Found: true}, nil
}
