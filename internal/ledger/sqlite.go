package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a shard store in a single SQLite database. It serialises
// writers on one connection, which stands in for row locks.
type SQLiteStore struct {
	engine
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL CHECK (balance >= 0),
	opening_balance INTEGER NOT NULL CHECK (opening_balance >= 0),
	locked_by TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount INTEGER NOT NULL CHECK (amount > 0),
	direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	created_at TIMESTAMP NOT NULL,
	UNIQUE (transfer_id, direction)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id);

CREATE TABLE IF NOT EXISTS prepared_transactions (
	transfer_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PREPARED', 'COMMITTED', 'ABORTED')),
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;
`

// sqliteDialect turns $N placeholders into ?N and drops row-lock clauses.
var sqliteDialect = dialect{r: strings.NewReplacer("$", "?", " FOR UPDATE", "")}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory shard.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per connection, and a single
	// writer gives the same exclusion as SELECT ... FOR UPDATE.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.engine = engine{b: sqliteBackend{db: db}, d: sqliteDialect, now: time.Now}
	return s, nil
}

func sqliteDSN(path string) string {
	const params = "_fk=1&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", sqliteTranslate(err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteBackend struct {
	db *sql.DB
}

func (b sqliteBackend) conn() querier { return sqlQuerier{q: b.db} }

func (b sqliteBackend) translate(err error) error { return sqliteTranslate(err) }

func (b sqliteBackend) inTx(ctx context.Context, fn func(querier) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteTranslate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(sqlQuerier{q: tx}); err != nil {
		return sqliteTranslate(err)
	}
	if err := tx.Commit(); err != nil {
		return sqliteTranslate(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func sqliteTranslate(err error) error {
	if err == nil || known(err) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", errDuplicate, sqErr)
		}
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlQuerier struct {
	q sqlConn
}

func (s sqlQuerier) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sqlQuerier) queryRow(ctx context.Context, q string, args ...any) row {
	return sqlRow{r: s.q.QueryRowContext(ctx, q, args...)}
}

func (s sqlQuerier) query(ctx context.Context, q string, args ...any) (rows, error) {
	return s.q.QueryContext(ctx, q, args...)
}

type sqlRow struct {
	r *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}
