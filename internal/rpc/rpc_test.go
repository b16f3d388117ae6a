package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/coordinator"
	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
	"github.com/example/shard-ledger/internal/shard"
)

const shards = 2

type harness struct {
	lis    *bufconn.Listener
	signer *auth.Signer
	coord  *coordinator.Coordinator
	router *shard.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	stores := make([]ledger.Store, shards)
	for i := range stores {
		s, err := ledger.OpenSQLite(filepath.Join(dir, fmt.Sprintf("shard%d.db", i)))
		require.NoError(t, err)
		stores[i] = s
	}
	reg, err := shard.NewRegistry(stores, resilience.NewRegistry(nil), resilience.ShardProfile())
	require.NoError(t, err)
	router, err := shard.NewRouter(shards)
	require.NoError(t, err)
	txlog, err := coordinator.OpenTxLog(ctx, filepath.Join(dir, "txlog.db"))
	require.NoError(t, err)
	coord, err := coordinator.New(router, reg, txlog, coordinator.Config{})
	require.NoError(t, err)

	srv, err := NewServer(coord, router, nil)
	require.NoError(t, err)
	signer := &auth.Signer{Secret: []byte("test-secret-test-secret-test-sec"), Issuer: "shard-ledger"}
	gs, _ := NewGRPCServer(srv, signer, nil, nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		txlog.Close()
		reg.Close()
	})
	return &harness{lis: lis, signer: signer, coord: coord, router: router}
}

func (h *harness) client(t *testing.T, scopes ...string) *Client {
	t.Helper()
	token := ""
	if len(scopes) > 0 {
		var err error
		token, err = h.signer.Mint("test-client", scopes, time.Hour)
		require.NoError(t, err)
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})
	c, err := Dial(context.Background(), "bufnet", token, nil, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// accountOn returns an account id that routes to shard s.
func accountOn(s int, prefix string) string {
	for i := 0; ; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if shard.Hash(id, shards) == s {
			return id
		}
	}
}

func TestExecuteTransferCrossShard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from, to := accountOn(0, "alice"), accountOn(1, "bob")
	_, err := h.coord.OpenAccount(ctx, from, 10000)
	require.NoError(t, err)
	_, err = h.coord.OpenAccount(ctx, to, 0)
	require.NoError(t, err)

	c := h.client(t, auth.ScopeTransfersWrite, auth.ScopeAccountsRead)
	resp, err := c.ExecuteTransfer(ctx, &transferpb.ExecuteTransferRequest{
		TransferID:  "rpc-1",
		FromAccount: from,
		ToAccount:   to,
		Amount:      2550,
	})
	require.NoError(t, err)
	assert.Equal(t, "committed", resp.Status)
	assert.True(t, resp.CrossShard)
	assert.Equal(t, int32(0), resp.FromShard)
	assert.Equal(t, int32(1), resp.ToShard)
	assert.Equal(t, "25.50", resp.AmountDisplay)

	bal, err := c.GetBalance(ctx, &transferpb.GetBalanceRequest{AccountID: to})
	require.NoError(t, err)
	assert.True(t, bal.Found)
	assert.Equal(t, int64(2550), bal.Balance)
	assert.Equal(t, int32(1), bal.ShardID)

	bal, err = c.GetBalance(ctx, &transferpb.GetBalanceRequest{AccountID: from})
	require.NoError(t, err)
	assert.Equal(t, int64(7450), bal.Balance)
}

func TestExecuteTransferAbortIsNotAnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from, to := accountOn(0, "alice"), accountOn(1, "bob")
	_, err := h.coord.OpenAccount(ctx, from, 100)
	require.NoError(t, err)
	_, err = h.coord.OpenAccount(ctx, to, 0)
	require.NoError(t, err)

	c := h.client(t, auth.ScopeTransfersWrite)
	resp, err := c.ExecuteTransfer(ctx, &transferpb.ExecuteTransferRequest{FromAccount: from, ToAccount: to, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, "aborted", resp.Status)
	assert.Equal(t, coordinator.ReasonInsufficientFunds, resp.Reason)
	assert.NotEmpty(t, resp.TransferID)
}

func TestExecuteTransferValidation(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, auth.ScopeTransfersWrite)

	cases := []*transferpb.ExecuteTransferRequest{
		{FromAccount: "a", ToAccount: "b", Amount: 0},
		{FromAccount: "", ToAccount: "b", Amount: 10},
		{FromAccount: "a", ToAccount: "a", Amount: 10},
		{FromAccount: "a", ToAccount: "b", Amount: 10, Gate: "maybe"},
	}
	for _, req := range cases {
		_, err := c.ExecuteTransfer(context.Background(), req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%+v", req)
	}
}

func TestAuthInterceptor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &transferpb.LookupShardRequest{AccountID: "acct"}

	_, err := h.client(t).LookupShard(ctx, req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.client(t, auth.ScopeTransfersRead).LookupShard(ctx, req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = h.client(t, auth.ScopeAccountsRead).ExecuteTransfer(ctx, &transferpb.ExecuteTransferRequest{
		FromAccount: "a", ToAccount: "b", Amount: 1,
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := h.client(t, auth.ScopeAdmin).LookupShard(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(shard.Hash("acct", shards)), resp.ShardID)
	assert.Equal(t, int32(shards), resp.TotalShards)
}

func TestLookupShardIgnoresRouteCache(t *testing.T) {
	ctx := context.Background()
	cache := shard.NewMemoryRouteCache()
	router, err := shard.NewRouter(shards, shard.WithCache(cache))
	require.NoError(t, err)
	want := shard.Hash("acct", shards)
	require.NoError(t, cache.Set(ctx, fmt.Sprintf("shard_route:%d:acct", shards), (want+1)%shards, time.Hour))

	srv, err := NewServer(nil, router, nil)
	require.NoError(t, err)
	resp, err := srv.LookupShard(ctx, &transferpb.LookupShardRequest{AccountID: "acct"})
	require.NoError(t, err)
	assert.Equal(t, int32(want), resp.ShardID)
}

func TestShardStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from, to := accountOn(0, "alice"), accountOn(1, "bob")
	_, err := h.coord.OpenAccount(ctx, from, 10000)
	require.NoError(t, err)
	_, err = h.coord.OpenAccount(ctx, to, 0)
	require.NoError(t, err)
	_, err = h.coord.ExecuteTransfer(ctx, coordinator.TransferRequest{FromAccount: from, ToAccount: to, Amount: 2550})
	require.NoError(t, err)

	_, err = h.client(t, auth.ScopeAccountsRead).ShardStats(ctx, &transferpb.ShardStatsRequest{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := h.client(t, auth.ScopeAdmin).ShardStats(ctx, &transferpb.ShardStatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(shards), resp.HealthyShards)
	assert.Equal(t, int32(shards), resp.TotalShards)
	require.Len(t, resp.Shards, shards)
	assert.Equal(t, transferpb.ShardStat{
		ShardID: 0, Healthy: true, AccountCount: 1, TotalBalance: 7450, TotalBalanceDisplay: "74.50", Drift: []transferpb.ShardDrift{},
	}, resp.Shards[0])
	assert.Equal(t, int64(2550), resp.Shards[1].TotalBalance)
}

func TestAuthInterceptorMissingMetadata(t *testing.T) {
	interceptor := AuthInterceptor(&auth.Signer{Secret: []byte("x")}, MethodScopes)
	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	}
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: transferpb.LookupShardMethod}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, called)
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, auth.ScopeAccountsRead)

	var header metadata.MD
	ctx := WithCorrelationID(context.Background(), "corr-123")
	_, err := c.LookupShard(ctx, &transferpb.LookupShardRequest{AccountID: "acct"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"corr-123"}, header.Get(CorrelationIDKey))

	_, err = c.LookupShard(context.Background(), &transferpb.LookupShardRequest{AccountID: "acct"}, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(CorrelationIDKey), 1)
	assert.NotEmpty(t, header.Get(CorrelationIDKey)[0])
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{&coordinator.ValidationError{Field: "amount", Reason: "x"}, codes.InvalidArgument},
		{coordinator.ErrTransferIDReuse, codes.AlreadyExists},
		{coordinator.ErrRecordNotFound, codes.NotFound},
		{coordinator.ErrTransferInProgress, codes.Unavailable},
		{&coordinator.InDoubtError{TransferID: "t", Err: errors.New("down")}, codes.Unavailable},
		{fmt.Errorf("shard 1: %w", resilience.ErrCircuitOpen), codes.Unavailable},
		{fmt.Errorf("write: %w", ledger.ErrTransient), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Code(tc.err), tc.err.Error())
	}
}
