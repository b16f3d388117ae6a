package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/shard-ledger/internal/ledger"
)

// TxLog is the durable coordinator log. All writes are keyed by transfer id
// and are atomic; phase changes are compare-and-swap.
type TxLog interface {
	// Begin stores rec unless a record with its transfer id exists. It
	// returns the stored record and whether this call created it.
	Begin(ctx context.Context, rec Record) (Record, bool, error)
	// Transition moves a transfer from one phase to another and fails with
	// ErrPhaseConflict if the stored phase is no longer from.
	Transition(ctx context.Context, transferID string, from, to Phase, reason string) error
	MarkPrepared(ctx context.Context, transferID string, shard int) error
	MarkPublished(ctx context.Context, transferID string) error
	Get(ctx context.Context, transferID string) (Record, error)
	// InFlight lists every non-terminal transfer.
	InFlight(ctx context.Context) ([]Record, error)
	// Unpublished lists terminal transfers updated before cutoff whose
	// event has not been acknowledged by the bus.
	Unpublished(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
	// Purge deletes terminal, published transfers updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

var txLogSchema = []string{
	`CREATE TABLE IF NOT EXISTS coordinator_log (
		transfer_id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount BIGINT NOT NULL,
		phase TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		event_published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deadline TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS coordinator_log_phase_idx ON coordinator_log (phase, updated_at)`,
	`CREATE TABLE IF NOT EXISTS coordinator_participants (
		transfer_id TEXT NOT NULL,
		shard_id INTEGER NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount BIGINT NOT NULL,
		prepared BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (transfer_id, shard_id)
	)`,
}

// SQLTxLog keeps the coordinator log in Postgres (pgx stdlib driver) or SQLite.
type SQLTxLog struct {
	db  *sql.DB
	r   *strings.Replacer
	now func() time.Time
}

// OpenTxLog opens the log at dsn: postgres:// URLs use pgx, anything else is
// a SQLite path.
func OpenTxLog(ctx context.Context, dsn string) (*SQLTxLog, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	} else {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordinator log: %w", err)
	}
	l, err := NewSQLTxLog(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLTxLog applies the schema on db. driver is "pgx" or "sqlite3".
func NewSQLTxLog(ctx context.Context, db *sql.DB, driver string) (*SQLTxLog, error) {
	l := &SQLTxLog{db: db, now: time.Now}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		l.r = strings.NewReplacer("$", "?", "TIMESTAMPTZ", "TIMESTAMP")
	}
	for i, stmt := range txLogSchema {
		if _, err := db.ExecContext(ctx, l.sql(stmt)); err != nil {
			return nil, fmt.Errorf("coordinator log migration %d: %w", i, err)
		}
	}
	return l, nil
}

func (l *SQLTxLog) sql(q string) string {
	if l.r == nil {
		return q
	}
	return l.r.Replace(q)
}

func (l *SQLTxLog) Close() error { return l.db.Close() }

func (l *SQLTxLog) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

func (l *SQLTxLog) Begin(ctx context.Context, rec Record) (Record, bool, error) {
	now := l.now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin log transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, l.sql(`
		INSERT INTO coordinator_log (transfer_id, from_account, to_account, amount, phase, reason, event_published, created_at, updated_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
		ON CONFLICT (transfer_id) DO NOTHING
	`), rec.TransferID, rec.FromAccount, rec.ToAccount, rec.Amount, string(rec.Phase), rec.Reason, false, now, rec.Deadline.UTC())
	if err != nil {
		tx.Rollback()
		return Record{}, false, fmt.Errorf("insert log record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return Record{}, false, err
	}
	if n == 0 {
		tx.Rollback()
		existing, err := l.Get(ctx, rec.TransferID)
		return existing, false, err
	}

	for _, p := range rec.Participants {
		if _, err := tx.ExecContext(ctx, l.sql(`
			INSERT INTO coordinator_participants (transfer_id, shard_id, account_id, direction, amount, prepared)
			VALUES ($1, $2, $3, $4, $5, $6)
		`), rec.TransferID, p.Shard, p.AccountID, string(p.Direction), p.Amount, p.Prepared); err != nil {
			tx.Rollback()
			return Record{}, false, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("commit log record: %w", err)
	}
	return rec, true, nil
}

func (l *SQLTxLog) Transition(ctx context.Context, transferID string, from, to Phase, reason string) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to, TransferID: transferID}
	}

	res, err := l.db.ExecContext(ctx, l.sql(`
		UPDATE coordinator_log
		SET phase = $1, reason = CASE WHEN CAST($2 AS TEXT) = '' THEN reason ELSE CAST($2 AS TEXT) END, updated_at = $3
		WHERE transfer_id = $4 AND phase = $5
	`), string(to), reason, l.now().UTC(), transferID, string(from))
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	cur, err := l.Get(ctx, transferID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrPhaseConflict, transferID, cur.Phase, from)
}

func (l *SQLTxLog) MarkPrepared(ctx context.Context, transferID string, shard int) error {
	_, err := l.db.ExecContext(ctx, l.sql(`
		UPDATE coordinator_participants SET prepared = $1 WHERE transfer_id = $2 AND shard_id = $3
	`), true, transferID, shard)
	if err != nil {
		return fmt.Errorf("mark prepared: %w", err)
	}
	return nil
}

func (l *SQLTxLog) MarkPublished(ctx context.Context, transferID string) error {
	_, err := l.db.ExecContext(ctx, l.sql(`
		UPDATE coordinator_log SET event_published = $1 WHERE transfer_id = $2
	`), true, transferID)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

const recordColumns = `transfer_id, from_account, to_account, amount, phase, reason, event_published, created_at, updated_at, deadline`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r     Record
		phase string
	)
	err := s.Scan(&r.TransferID, &r.FromAccount, &r.ToAccount, &r.Amount, &phase, &r.Reason,
		&r.EventPublished, &r.CreatedAt, &r.UpdatedAt, &r.Deadline)
	r.Phase = Phase(phase)
	return r, err
}

func (l *SQLTxLog) Get(ctx context.Context, transferID string) (Record, error) {
	row := l.db.QueryRowContext(ctx, l.sql(`SELECT `+recordColumns+` FROM coordinator_log WHERE transfer_id = $1`), transferID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, transferID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load log record: %w", err)
	}
	if r.Participants, err = l.participants(ctx, transferID); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (l *SQLTxLog) participants(ctx context.Context, transferID string) ([]Participant, error) {
	rows, err := l.db.QueryContext(ctx, l.sql(`
		SELECT shard_id, account_id, direction, amount, prepared
		FROM coordinator_participants WHERE transfer_id = $1 ORDER BY shard_id
	`), transferID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p   Participant
			dir string
		)
		if err := rows.Scan(&p.Shard, &p.AccountID, &dir, &p.Amount, &p.Prepared); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Direction = ledger.Direction(dir)
		out = append(out, p)
	}
	return out, rows.Err()
}

// list runs a record query and then loads participants. Rows are closed
// before the follow-up queries so a single-connection database works.
func (l *SQLTxLog) list(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, l.sql(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list log records: %w", err)
	}
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		out = append(out, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Participants, err = l.participants(ctx, out[i].TransferID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *SQLTxLog) InFlight(ctx context.Context) ([]Record, error) {
	return l.list(ctx, `SELECT `+recordColumns+` FROM coordinator_log
		WHERE phase NOT IN ($1, $2) ORDER BY created_at`,
		string(PhaseCommitted), string(PhaseAborted))
}

func (l *SQLTxLog) Unpublished(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.list(ctx, `SELECT `+recordColumns+` FROM coordinator_log
		WHERE phase IN ($1, $2) AND event_published = $3 AND updated_at < $4
		ORDER BY updated_at LIMIT $5`,
		string(PhaseCommitted), string(PhaseAborted), false, cutoff.UTC(), limit)
}

func (l *SQLTxLog) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	args := []any{string(PhaseCommitted), string(PhaseAborted), true, cutoff.UTC()}
	if _, err := tx.ExecContext(ctx, l.sql(`
		DELETE FROM coordinator_participants WHERE transfer_id IN (
			SELECT transfer_id FROM coordinator_log
			WHERE phase IN ($1, $2) AND event_published = $3 AND updated_at < $4)
	`), args...); err != nil {
		return 0, fmt.Errorf("purge participants: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.sql(`
		DELETE FROM coordinator_log WHERE phase IN ($1, $2) AND event_published = $3 AND updated_at < $4
	`), args...)
	if err != nil {
		return 0, fmt.Errorf("purge log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}
