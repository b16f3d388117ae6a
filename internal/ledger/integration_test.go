package ledger

import (
    "context"
    "fmt"
    "os"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// openPostgresForTest connects to TEST_DATABASE_URL or skips.
func openPostgresForTest(t *testing.T) *PostgresStore {
    t.Helper()
    dsn := os.Getenv("TEST_DATABASE_URL")
    if dsn == "" {
        t.Skip("skipping postgres integration test (TEST_DATABASE_URL not set)")
    }

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    s, err := OpenPostgres(ctx, dsn)
    if err != nil {
        t.Skipf("skipping postgres integration test (database not available): %v", err)
    }
    t.Cleanup(func() { s.Close() })
    return s
}

func TestPostgresTwoPhase(t *testing.T) {
    s := openPostgresForTest(t)
    ctx := context.Background()

    suffix := time.Now().UnixNano()
    a := fmt.Sprintf("pg-a-%d", suffix)
    b := fmt.Sprintf("pg-b-%d", suffix)
    require.NoError(t, s.CreateAccount(ctx, a, 10000))
    require.NoError(t, s.CreateAccount(ctx, b, 500))

    tid := fmt.Sprintf("pg-t-%d", suffix)
    require.NoError(t, s.Prepare(ctx, PrepareRequest{TransferID: tid, AccountID: a, Amount: 2500, Direction: Debit}))

    err := s.Transfer(ctx, tid+"-x", a, b, 1)
    assert.ErrorIs(t, err, ErrAccountBusy)

    require.NoError(t, s.Commit(ctx, tid))

    bal, found, err := s.GetBalance(ctx, a)
    require.NoError(t, err)
    require.True(t, found)
    assert.Equal(t, int64(7500), bal)

    require.NoError(t, s.Transfer(ctx, tid+"-local", a, b, 500))
    entries, err := s.Entries(ctx, tid+"-local")
    require.NoError(t, err)
    assert.Len(t, entries, 2)

    assert.ErrorIs(t, s.CreateAccount(ctx, a, 1), ErrAccountExists)
    assert.ErrorIs(t, s.Transfer(ctx, tid+"-big", a, b, 1_000_000), ErrInsufficientFunds)
}
