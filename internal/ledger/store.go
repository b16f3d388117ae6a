// Package ledger is the per-shard account store: balances, two-phase
// prepare markers and the append-only ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

func (d Direction) Valid() bool { return d == Debit || d == Credit }

// PreparedStatus is the state of a shard-local prepare marker.
type PreparedStatus string

const (
	StatusPrepared  PreparedStatus = "PREPARED"
	StatusCommitted PreparedStatus = "COMMITTED"
	StatusAborted   PreparedStatus = "ABORTED"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	// ErrAccountBusy means another transfer holds the account's prepare lock.
	// It is transient: the lock is released when that transfer resolves.
	ErrAccountBusy = fmt.Errorf("account locked by another transfer: %w", ErrTransient)
	// ErrTransient wraps database faults that may succeed on retry.
	ErrTransient = errors.New("transient database error")
	// ErrNotPrepared is returned by Commit when the shard holds no marker.
	ErrNotPrepared = errors.New("no prepared record for transfer")
	// ErrAlreadyResolved is returned when a marker is asked to move out of a
	// terminal state it cannot leave.
	ErrAlreadyResolved = errors.New("prepared record already resolved")
	ErrInvalidAmount   = errors.New("amount must be positive")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Entry is one immutable side of a money movement.
type Entry struct {
	TransferID string    `json:"transfer_id"`
	AccountID  string    `json:"account_id"`
	Amount     int64     `json:"amount"`
	Direction  Direction `json:"direction"`
	CreatedAt  time.Time `json:"created_at"`
}

// PrepareRequest is this shard's half of a cross-shard transfer.
type PrepareRequest struct {
	TransferID string
	AccountID  string
	Amount     int64
	Direction  Direction
}

// Drift is an account whose balance disagrees with its ledger.
type Drift struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Expected  int64  `json:"expected"`
}

// Totals summarises the accounts held by one shard.
type Totals struct {
	Accounts int64 `json:"account_count"`
	Balance  int64 `json:"total_balance"`
}

// Store is the account store of one shard.
type Store interface {
	CreateAccount(ctx context.Context, accountID string, openingBalance int64) error
	GetBalance(ctx context.Context, accountID string) (int64, bool, error)
	// Transfer moves funds between two accounts on this shard in a single
	// local transaction. Replaying a transfer id already applied is a no-op;
	// an id already aborted on this shard fails with ErrAlreadyResolved.
	Transfer(ctx context.Context, transferID, from, to string, amount int64) error
	Prepare(ctx context.Context, req PrepareRequest) error
	Commit(ctx context.Context, transferID string) error
	Abort(ctx context.Context, transferID string) error
	Entries(ctx context.Context, transferID string) ([]Entry, error)
	AccountEntries(ctx context.Context, accountID string) ([]Entry, error)
	Reconcile(ctx context.Context) ([]Drift, error)
	Totals(ctx context.Context) (Totals, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	errNoRows    = errors.New("no rows")
	errDuplicate = errors.New("duplicate key")
)

// known reports whether err already carries one of this package's
// classifications, so backends leave it untouched.
func known(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds, ErrAccountNotFound, ErrAccountExists, ErrTransient,
		ErrNotPrepared, ErrAlreadyResolved, ErrInvalidAmount, errNoRows, errDuplicate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// querier is the driver-neutral surface the engine runs SQL through.
// Implementations map "no rows" to errNoRows.
type querier interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	queryRow(ctx context.Context, q string, args ...any) row
	query(ctx context.Context, q string, args ...any) (rows, error)
}

type backend interface {
	inTx(ctx context.Context, fn func(querier) error) error
	conn() querier
	// translate maps driver errors onto errDuplicate and ErrTransient.
	translate(err error) error
}

// dialect rewrites the engine's Postgres-flavoured SQL for other drivers.
type dialect struct {
	r *strings.Replacer
}

func (d dialect) sql(q string) string {
	if d.r == nil {
		return q
	}
	return d.r.Replace(q)
}

// engine holds the store logic shared by every backend.
type engine struct {
	b   backend
	d   dialect
	now func() time.Time
}

func (e *engine) fail(op string, err error) error {
	err = e.b.translate(err)
	return fmt.Errorf("%s: %w", op, err)
}

func (e *engine) CreateAccount(ctx context.Context, accountID string, openingBalance int64) error {
	if accountID == "" {
		return fmt.Errorf("create account: %w", ErrAccountNotFound)
	}
	if openingBalance < 0 {
		return fmt.Errorf("create account %s: %w", accountID, ErrInvalidAmount)
	}

	now := e.now().UTC()
	_, err := e.b.conn().exec(ctx, e.d.sql(`
		INSERT INTO accounts (id, balance, opening_balance, created_at, updated_at)
		VALUES ($1, $2, $2, $3, $3)
	`), accountID, openingBalance, now)
	if err != nil {
		if errors.Is(e.b.translate(err), errDuplicate) {
			return fmt.Errorf("create account %s: %w", accountID, ErrAccountExists)
		}
		return e.fail("create account", err)
	}
	return nil
}

func (e *engine) GetBalance(ctx context.Context, accountID string) (int64, bool, error) {
	var balance int64
	err := e.b.conn().queryRow(ctx, e.d.sql(`SELECT balance FROM accounts WHERE id = $1`), accountID).Scan(&balance)
	if errors.Is(err, errNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, e.fail("get balance", err)
	}
	return balance, true, nil
}

type lockedAccount struct {
	balance  int64
	lockedBy *string
}

// lockAccount takes the row lock on an account for the rest of the transaction.
func (e *engine) lockAccount(ctx context.Context, q querier, accountID string) (lockedAccount, error) {
	var a lockedAccount
	err := q.queryRow(ctx, e.d.sql(`
		SELECT balance, locked_by FROM accounts WHERE id = $1 FOR UPDATE
	`), accountID).Scan(&a.balance, &a.lockedBy)
	if errors.Is(err, errNoRows) {
		return a, fmt.Errorf("%s: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return a, e.fail("lock account", err)
	}
	return a, nil
}

func (e *engine) post(ctx context.Context, q querier, transferID, accountID string, amount int64, dir Direction, at time.Time) error {
	delta := amount
	if dir == Debit {
		delta = -amount
	}
	n, err := q.exec(ctx, e.d.sql(`
		UPDATE accounts SET balance = balance + $1, updated_at = $2
		WHERE id = $3 AND balance + $1 >= 0
	`), delta, at, accountID)
	if err != nil {
		return e.fail("update balance", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", accountID, ErrInsufficientFunds)
	}

	_, err = q.exec(ctx, e.d.sql(`
		INSERT INTO ledger_entries (transfer_id, account_id, amount, direction, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`), transferID, accountID, amount, string(dir), at)
	if err != nil {
		return e.fail("insert ledger entry", err)
	}
	return nil
}

// Transfer writes a COMMITTED marker under the transfer id in the same
// transaction as the entries. The marker and Abort's tombstone share a key,
// so exactly one of a racing Transfer and Abort wins.
func (e *engine) Transfer(ctx context.Context, transferID, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return e.b.inTx(ctx, func(q querier) error {
		rec, found, err := e.loadPrepared(ctx, q, transferID)
		if err != nil {
			return err
		}
		if found {
			if rec.status == StatusCommitted {
				return nil
			}
			return fmt.Errorf("transfer %s: %w", transferID, ErrAlreadyResolved)
		}

		now := e.now().UTC()
		if _, err := q.exec(ctx, e.d.sql(`
			INSERT INTO prepared_transactions (transfer_id, account_id, amount, direction, status, created_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`), transferID, from, amount, string(Debit), string(StatusCommitted), now); err != nil {
			if errors.Is(e.b.translate(err), errDuplicate) {
				return fmt.Errorf("transfer %s resolved concurrently: %w", transferID, ErrTransient)
			}
			return e.fail("insert transfer marker", err)
		}

		// Lock in id order so opposing transfers cannot deadlock.
		ids := []string{from, to}
		slices.Sort(ids)
		locked := make(map[string]lockedAccount, 2)
		for _, id := range ids {
			a, err := e.lockAccount(ctx, q, id)
			if err != nil {
				return err
			}
			if a.lockedBy != nil {
				return fmt.Errorf("%s: %w", id, ErrAccountBusy)
			}
			locked[id] = a
		}

		if locked[from].balance < amount {
			return fmt.Errorf("%s: %w", from, ErrInsufficientFunds)
		}

		if err := e.post(ctx, q, transferID, from, amount, Debit, now); err != nil {
			return err
		}
		return e.post(ctx, q, transferID, to, amount, Credit, now)
	})
}

type preparedRecord struct {
	accountID string
	amount    int64
	direction Direction
	status    PreparedStatus
}

func (e *engine) loadPrepared(ctx context.Context, q querier, transferID string) (preparedRecord, bool, error) {
	var (
		r   preparedRecord
		dir string
		st  string
	)
	err := q.queryRow(ctx, e.d.sql(`
		SELECT account_id, amount, direction, status
		FROM prepared_transactions WHERE transfer_id = $1 FOR UPDATE
	`), transferID).Scan(&r.accountID, &r.amount, &dir, &st)
	if errors.Is(err, errNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, e.fail("load prepared record", err)
	}
	r.direction = Direction(dir)
	r.status = PreparedStatus(st)
	return r, true, nil
}

// Prepare validates this shard's side of a transfer under the row lock and
// records a PREPARED marker. Balances are not touched.
func (e *engine) Prepare(ctx context.Context, req PrepareRequest) error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !req.Direction.Valid() {
		return fmt.Errorf("prepare: invalid direction %q", req.Direction)
	}

	return e.b.inTx(ctx, func(q querier) error {
		rec, found, err := e.loadPrepared(ctx, q, req.TransferID)
		if err != nil {
			return err
		}
		if found {
			if rec.status == StatusAborted {
				return fmt.Errorf("prepare %s: %w", req.TransferID, ErrAlreadyResolved)
			}
			return nil
		}

		a, err := e.lockAccount(ctx, q, req.AccountID)
		if err != nil {
			return err
		}
		if a.lockedBy != nil && *a.lockedBy != req.TransferID {
			return fmt.Errorf("%s: %w", req.AccountID, ErrAccountBusy)
		}
		if req.Direction == Debit && a.balance < req.Amount {
			return fmt.Errorf("%s: %w", req.AccountID, ErrInsufficientFunds)
		}

		now := e.now().UTC()
		if _, err := q.exec(ctx, e.d.sql(`
			UPDATE accounts SET locked_by = $1, updated_at = $2 WHERE id = $3
		`), req.TransferID, now, req.AccountID); err != nil {
			return e.fail("lock account", err)
		}
		if _, err := q.exec(ctx, e.d.sql(`
			INSERT INTO prepared_transactions (transfer_id, account_id, amount, direction, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`), req.TransferID, req.AccountID, req.Amount, string(req.Direction), string(StatusPrepared), now); err != nil {
			return e.fail("insert prepared record", err)
		}
		return nil
	})
}

// Commit applies a prepared marker: balance change, ledger entry, lock release.
func (e *engine) Commit(ctx context.Context, transferID string) error {
	return e.b.inTx(ctx, func(q querier) error {
		rec, found, err := e.loadPrepared(ctx, q, transferID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("commit %s: %w", transferID, ErrNotPrepared)
		}
		switch rec.status {
		case StatusCommitted:
			return nil
		case StatusAborted:
			return fmt.Errorf("commit %s: %w", transferID, ErrAlreadyResolved)
		}

		if _, err := e.lockAccount(ctx, q, rec.accountID); err != nil {
			return err
		}

		now := e.now().UTC()
		if err := e.post(ctx, q, transferID, rec.accountID, rec.amount, rec.direction, now); err != nil {
			return err
		}
		return e.resolve(ctx, q, transferID, rec.accountID, StatusCommitted, now)
	})
}

// Abort clears a marker. Aborting an unknown transfer leaves an ABORTED
// tombstone so a late Prepare or Transfer for it is refused. Aborting a
// transfer that already applied returns ErrAlreadyResolved.
func (e *engine) Abort(ctx context.Context, transferID string) error {
	return e.b.inTx(ctx, func(q querier) error {
		rec, found, err := e.loadPrepared(ctx, q, transferID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if !found {
			_, err := q.exec(ctx, e.d.sql(`
				INSERT INTO prepared_transactions (transfer_id, account_id, amount, direction, status, created_at, resolved_at)
				VALUES ($1, '', 0, '', $2, $3, $3)
			`), transferID, string(StatusAborted), now)
			if err != nil {
				if errors.Is(e.b.translate(err), errDuplicate) {
					return fmt.Errorf("abort %s resolved concurrently: %w", transferID, ErrTransient)
				}
				return e.fail("insert abort tombstone", err)
			}
			return nil
		}
		switch rec.status {
		case StatusAborted:
			return nil
		case StatusCommitted:
			return fmt.Errorf("abort %s: %w", transferID, ErrAlreadyResolved)
		}
		return e.resolve(ctx, q, transferID, rec.accountID, StatusAborted, now)
	})
}

func (e *engine) resolve(ctx context.Context, q querier, transferID, accountID string, st PreparedStatus, at time.Time) error {
	if _, err := q.exec(ctx, e.d.sql(`
		UPDATE accounts SET locked_by = NULL, updated_at = $1 WHERE id = $2 AND locked_by = $3
	`), at, accountID, transferID); err != nil {
		return e.fail("release lock", err)
	}
	if _, err := q.exec(ctx, e.d.sql(`
		UPDATE prepared_transactions SET status = $1, resolved_at = $2 WHERE transfer_id = $3
	`), string(st), at, transferID); err != nil {
		return e.fail("resolve prepared record", err)
	}
	return nil
}

func (e *engine) Entries(ctx context.Context, transferID string) ([]Entry, error) {
	return e.listEntries(ctx, "transfer_id", transferID)
}

// AccountEntries returns an account's ledger history, oldest first.
func (e *engine) AccountEntries(ctx context.Context, accountID string) ([]Entry, error) {
	return e.listEntries(ctx, "account_id", accountID)
}

func (e *engine) listEntries(ctx context.Context, column, value string) ([]Entry, error) {
	rs, err := e.b.conn().query(ctx, e.d.sql(`
		SELECT transfer_id, account_id, amount, direction, created_at
		FROM ledger_entries WHERE `+column+` = $1 ORDER BY id
	`), value)
	if err != nil {
		return nil, e.fail("list entries", err)
	}
	defer rs.Close()

	var out []Entry
	for rs.Next() {
		var (
			en  Entry
			dir string
		)
		if err := rs.Scan(&en.TransferID, &en.AccountID, &en.Amount, &dir, &en.CreatedAt); err != nil {
			return nil, e.fail("scan entry", err)
		}
		en.Direction = Direction(dir)
		out = append(out, en)
	}
	if err := rs.Err(); err != nil {
		return nil, e.fail("list entries", err)
	}
	return out, nil
}

func (e *engine) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := e.b.conn().queryRow(ctx, e.d.sql(`
		SELECT COUNT(*), CAST(COALESCE(SUM(balance), 0) AS BIGINT) FROM accounts
	`)).Scan(&t.Accounts, &t.Balance)
	if err != nil {
		return Totals{}, e.fail("totals", err)
	}
	return t, nil
}

// Reconcile recomputes every balance from its opening balance and ledger.
func (e *engine) Reconcile(ctx context.Context) ([]Drift, error) {
	rs, err := e.b.conn().query(ctx, e.d.sql(`
		SELECT a.id, a.balance, CAST(a.opening_balance + COALESCE(SUM(
			CASE WHEN l.direction = 'credit' THEN l.amount ELSE -l.amount END), 0) AS BIGINT)
		FROM accounts a
		LEFT JOIN ledger_entries l ON l.account_id = a.id
		GROUP BY a.id, a.balance, a.opening_balance
		ORDER BY a.id
	`))
	if err != nil {
		return nil, e.fail("reconcile", err)
	}
	defer rs.Close()

	var drift []Drift
	for rs.Next() {
		var d Drift
		if err := rs.Scan(&d.AccountID, &d.Balance, &d.Expected); err != nil {
			return nil, e.fail("scan reconcile row", err)
		}
		if d.Balance != d.Expected {
			drift = append(drift, d)
		}
	}
	if err := rs.Err(); err != nil {
		return nil, e.fail("reconcile", err)
	}
	return drift, nil
}
