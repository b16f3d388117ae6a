package main

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/shard"
)

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestLookupLocal(t *testing.T) {
	out := execute(t, "", "lookup", "--shards", "4", "alice", "bob")
	assert.Equal(t,
		"alice\t"+strconv.Itoa(shard.Hash("alice", 4))+"\nbob\t"+strconv.Itoa(shard.Hash("bob", 4))+"\n",
		out)
}

func TestDistributionFromStdin(t *testing.T) {
	out := execute(t, "a\nb\n\nc\n", "distribution", "--shards", "2")
	assert.Contains(t, out, "shard 0")
	assert.Contains(t, out, "shard 1")
	assert.Contains(t, out, fmt.Sprintf("total     %8d", 3))
}

func TestDistributionSample(t *testing.T) {
	out := execute(t, "", "distribution", "--shards", "3", "--sample", "300")
	assert.Equal(t, 4, strings.Count(out, "\n"))
	assert.Contains(t, out, fmt.Sprintf("total     %8d", 300))
}

func TestTokenMint(t *testing.T) {
	secret := "test-secret-test-secret-test-sec"
	out := execute(t, "", "token", "mint", "ops", "--secret", secret, "--scopes", "admin")

	signer := &auth.Signer{Secret: []byte(secret), Issuer: "shard-ledger"}
	claims, err := signer.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.ClientID)
	assert.True(t, claims.HasScope(auth.ScopeTransfersWrite))
}

func TestWriteStats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeStats(&out, &transferpb.ShardStatsResponse{
		Shards: []transferpb.ShardStat{
			{ShardID: 0, Healthy: true, AccountCount: 3, TotalBalance: 12345, TotalBalanceDisplay: "123.45"},
			{ShardID: 1, Healthy: false},
			{ShardID: 2, Healthy: true, AccountCount: 1, TotalBalance: 5, TotalBalanceDisplay: "0.05",
				Drift: []transferpb.ShardDrift{{AccountID: "acct-9", Balance: 5, Expected: 0}}},
		},
		HealthyShards: 2,
		TotalShards:   3,
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, strings.Fields("SHARD STATUS ACCOUNTS BALANCE DRIFT"), strings.Fields(lines[0]))
	assert.Equal(t, strings.Fields("0 ok 3 123.45 0"), strings.Fields(lines[1]))
	assert.Equal(t, strings.Fields("1 down 0 0"), strings.Fields(lines[2]))
	assert.Equal(t, strings.Fields("2 ok 1 0.05 1"), strings.Fields(lines[3]))
	assert.Equal(t, "drift: shard 2 account acct-9 balance 5 expected 0", lines[4])
	assert.Equal(t, "healthy 2/3", lines[5])
}
