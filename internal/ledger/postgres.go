package ledger

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgconn"
    "github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a shard store backed by a pgx connection pool.
type PostgresStore struct {
    engine
    Pool *pgxpool.Pool
}

const (
    pgMaxRetries   = 3
    pgQueryTimeout = 5 * time.Second
)

// PostgresSchema creates the tables one shard needs.
var PostgresSchema = []string{
    `CREATE TABLE IF NOT EXISTS accounts (
        id TEXT PRIMARY KEY,
        balance BIGINT NOT NULL CHECK (balance >= 0),
        opening_balance BIGINT NOT NULL CHECK (opening_balance >= 0),
        locked_by TEXT,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
    `CREATE TABLE IF NOT EXISTS ledger_entries (
        id BIGSERIAL PRIMARY KEY,
        transfer_id TEXT NOT NULL,
        account_id TEXT NOT NULL REFERENCES accounts(id),
        amount BIGINT NOT NULL CHECK (amount > 0),
        direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
        created_at TIMESTAMPTZ NOT NULL,
        UNIQUE (transfer_id, direction)
    )`,
    `CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id)`,
    `CREATE TABLE IF NOT EXISTS prepared_transactions (
        transfer_id TEXT PRIMARY KEY,
        account_id TEXT NOT NULL,
        amount BIGINT NOT NULL,
        direction TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('PREPARED', 'COMMITTED', 'ABORTED')),
        created_at TIMESTAMPTZ NOT NULL,
        resolved_at TIMESTAMPTZ
    )`,
    `CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
    BEGIN
        RAISE EXCEPTION 'ledger entries are immutable';
    END;
    $$ LANGUAGE plpgsql`,
    `DROP TRIGGER IF EXISTS ledger_entries_no_update ON ledger_entries`,
    `CREATE TRIGGER ledger_entries_no_update BEFORE UPDATE OR DELETE ON ledger_entries
        FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable()`,
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
    s := &PostgresStore{Pool: pool}
    s.engine = engine{b: pgBackend{pool: pool}, now: time.Now}
    return s
}

// OpenPostgres connects to dsn, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
    pool, err := pgxpool.New(ctx, dsn)
    if err != nil {
        return nil, fmt.Errorf("failed to create pool: %w", err)
    }
    if err := pool.Ping(ctx); err != nil {
        pool.Close()
        return nil, fmt.Errorf("failed to ping database: %w", err)
    }

    s := NewPostgresStore(pool)
    if err := s.Migrate(ctx); err != nil {
        pool.Close()
        return nil, err
    }
    return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
    for i, stmt := range PostgresSchema {
        if _, err := s.Pool.Exec(ctx, stmt); err != nil {
            return fmt.Errorf("migration %d failed: %w", i, err)
        }
    }
    return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
    if err := s.Pool.Ping(ctx); err != nil {
        return fmt.Errorf("ping: %w", pgTranslate(err))
    }
    return nil
}

func (s *PostgresStore) Close() error {
    s.Pool.Close()
    return nil
}

type pgBackend struct {
    pool *pgxpool.Pool
}

func (b pgBackend) conn() querier { return pgQuerier{q: b.pool} }

func (b pgBackend) translate(err error) error { return pgTranslate(err) }

// inTx runs fn in a SERIALIZABLE transaction, retrying serialization failures.
func (b pgBackend) inTx(ctx context.Context, fn func(querier) error) error {
    var err error
    for attempt := 0; attempt < pgMaxRetries; attempt++ {
        err = b.runTx(ctx, fn)
        var pgErr *pgconn.PgError
        if err != nil && errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
            // Serialization failure or deadlock, retry
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
            }
            continue
        }
        break
    }
    return pgTranslate(err)
}

func (b pgBackend) runTx(ctx context.Context, fn func(querier) error) error {
    queryCtx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
    defer cancel()

    tx, err := b.pool.BeginTx(queryCtx, pgx.TxOptions{
        IsoLevel:   pgx.Serializable,
        AccessMode: pgx.ReadWrite,
    })
    if err != nil {
        return fmt.Errorf("failed to begin transaction: %w", err)
    }
    defer tx.Rollback(queryCtx)

    // Bound row-lock waits below the per-call timeout.
    if _, err := tx.Exec(queryCtx, "SET LOCAL lock_timeout = '2s'"); err != nil {
        return fmt.Errorf("failed to set lock timeout: %w", err)
    }

    if err := fn(pgQuerier{q: tx}); err != nil {
        return err
    }

    if err := tx.Commit(queryCtx); err != nil {
        return fmt.Errorf("failed to commit transaction: %w", err)
    }
    return nil
}

// pgTranslate classifies a pgx error. Constraint violations on unique keys
// become errDuplicate; everything that is not a domain outcome is transient.
func pgTranslate(err error) error {
    if err == nil || known(err) {
        return err
    }
    var pgErr *pgconn.PgError
    if errors.As(err, &pgErr) {
        if pgErr.Code == "23505" {
            return fmt.Errorf("%w: %s", errDuplicate, pgErr.ConstraintName)
        }
    }
    return fmt.Errorf("%w: %w", ErrTransient, err)
}

type pgConn interface {
    Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
    QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
    Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgQuerier struct {
    q pgConn
}

func (p pgQuerier) exec(ctx context.Context, q string, args ...any) (int64, error) {
    tag, err := p.q.Exec(ctx, q, args...)
    if err != nil {
        return 0, err
    }
    return tag.RowsAffected(), nil
}

func (p pgQuerier) queryRow(ctx context.Context, q string, args ...any) row {
    return pgRow{r: p.q.QueryRow(ctx, q, args...)}
}

func (p pgQuerier) query(ctx context.Context, q string, args ...any) (rows, error) {
    r, err := p.q.Query(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    return pgRows{Rows: r}, nil
}

type pgRow struct {
    r pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
    err := r.r.Scan(dest...)
    if errors.Is(err, pgx.ErrNoRows) {
        return errNoRows
    }
    return err
}

type pgRows struct {
    pgx.Rows
}

func (r pgRows) Close() error {
    r.Rows.Close()
    return nil
}
