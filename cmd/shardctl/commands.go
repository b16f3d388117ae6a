package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	transferpb "github.com/example/shard-ledger/api/gen/transfer"
	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/events"
	"github.com/example/shard-ledger/internal/rpc"
	"github.com/example/shard-ledger/internal/security"
	"github.com/example/shard-ledger/internal/shard"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dial(cmd *cobra.Command) (*rpc.Client, error) {
	flags := cmd.Flags()
	addr, _ := flags.GetString("addr")
	token, _ := flags.GetString("token")
	ca, _ := flags.GetString("tls-ca")
	serverName, _ := flags.GetString("tls-server-name")

	if ca == "" {
		return rpc.Dial(cmd.Context(), addr, token, nil)
	}
	tlsCfg, err := security.TLSConfig{CAFile: ca}.ClientConfig(serverName)
	if err != nil {
		return nil, err
	}
	return rpc.Dial(cmd.Context(), addr, token, tlsCfg)
}

func lookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup [account-id...]",
		Short: "Show the shard each account routes to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, _ := cmd.Flags().GetBool("remote")
			if !remote {
				n, _ := cmd.Flags().GetInt("shards")
				if n <= 0 {
					return fmt.Errorf("--shards must be positive")
				}
				for _, id := range args {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, shard.Hash(id, n))
				}
				return nil
			}

			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			for _, id := range args {
				resp, err := c.LookupShard(cmd.Context(), &transferpb.LookupShardRequest{AccountID: id})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", resp.AccountID, resp.ShardID)
			}
			return nil
		},
	}
	cmd.Flags().IntP("shards", "n", 4, "number of shards for local lookup")
	cmd.Flags().Bool("remote", false, "ask ledgerd instead of hashing locally")
	return cmd
}

func readIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

func distributionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distribution",
		Short: "Count how account ids spread over shards",
		Long: `Reads one account id per line from stdin, or generates --sample ids
named <prefix>-<n>, and prints the count per shard.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("shards")
			sample, _ := cmd.Flags().GetInt("sample")
			prefix, _ := cmd.Flags().GetString("prefix")

			router, err := shard.NewRouter(n)
			if err != nil {
				return err
			}

			var ids []string
			if sample > 0 {
				ids = make([]string, sample)
				for i := range ids {
					ids[i] = fmt.Sprintf("%s-%d", prefix, i)
				}
			} else if ids, err = readIDs(cmd.InOrStdin()); err != nil {
				return err
			}

			dist := router.Distribution(ids)
			keys := make([]int, 0, len(dist))
			for k := range dist {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			out := cmd.OutOrStdout()
			for _, k := range keys {
				share := 0.0
				if len(ids) > 0 {
					share = 100 * float64(dist[k]) / float64(len(ids))
				}
				fmt.Fprintf(out, "shard %-3d %8d  %5.1f%%\n", k, dist[k], share)
			}
			fmt.Fprintf(out, "total     %8d\n", len(ids))
			return nil
		},
	}
	cmd.Flags().IntP("shards", "n", 4, "number of shards")
	cmd.Flags().Int("sample", 0, "generate this many ids instead of reading stdin")
	cmd.Flags().String("prefix", "acct", "prefix for generated ids")
	return cmd
}

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Execute a transfer through ledgerd",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			req := &transferpb.ExecuteTransferRequest{}
			req.TransferID, _ = flags.GetString("id")
			req.FromAccount, _ = flags.GetString("from")
			req.ToAccount, _ = flags.GetString("to")
			req.Amount, _ = flags.GetInt64("amount")
			req.Gate, _ = flags.GetString("gate")

			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.ExecuteTransfer(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("id", "", "transfer id; generated by the server when empty")
	cmd.Flags().String("from", "", "debited account")
	cmd.Flags().String("to", "", "credited account")
	cmd.Flags().Int64("amount", 0, "amount in minor units")
	cmd.Flags().String("gate", "", "screening decision: proceed or abort")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account-id]",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.GetBalance(cmd.Context(), &transferpb.GetBalanceRequest{AccountID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-shard health, totals and ledger drift (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.ShardStats(cmd.Context(), &transferpb.ShardStatsRequest{})
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return writeStats(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().Bool("json", false, "print the raw response")
	return cmd
}

func writeStats(w io.Writer, resp *transferpb.ShardStatsResponse) error {
	fmt.Fprintf(w, "%-6s %-8s %10s %16s %6s\n", "SHARD", "STATUS", "ACCOUNTS", "BALANCE", "DRIFT")
	for _, st := range resp.Shards {
		state := "ok"
		if !st.Healthy {
			state = "down"
		}
		fmt.Fprintf(w, "%-6d %-8s %10d %16s %6d\n", st.ShardID, state, st.AccountCount, st.TotalBalanceDisplay, len(st.Drift))
	}
	for _, st := range resp.Shards {
		for _, d := range st.Drift {
			fmt.Fprintf(w, "drift: shard %d account %s balance %d expected %d\n", st.ShardID, d.AccountID, d.Balance, d.Expected)
		}
	}
	_, err := fmt.Fprintf(w, "healthy %d/%d\n", resp.HealthyShards, resp.TotalShards)
	return err
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the transfer event stream",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow transfer events through a consumer group",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			addr, _ := flags.GetString("redis")
			stream, _ := flags.GetString("stream")
			group, _ := flags.GetString("group")
			name, _ := flags.GetString("name")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{Addr: addr})
			defer rdb.Close()

			out := cmd.OutOrStdout()
			c := &events.Consumer{
				Redis:    rdb,
				Stream:   stream,
				Group:    group,
				Name:     name,
				DedupTTL: time.Hour,
				Handler: func(_ context.Context, e events.Event) error {
					return json.NewEncoder(out).Encode(e)
				},
			}
			err := c.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	tail.Flags().String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	tail.Flags().String("stream", events.DefaultStream, "stream name")
	tail.Flags().String("group", "shardctl", "consumer group")
	tail.Flags().String("name", "shardctl-"+fmt.Sprint(os.Getpid()), "consumer name")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Service token utilities",
	}
	mint := &cobra.Command{
		Use:   "mint [client-id]",
		Short: "Mint a signed service token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			secret, _ := flags.GetString("secret")
			issuer, _ := flags.GetString("issuer")
			scopes, _ := flags.GetStringSlice("scopes")
			ttl, _ := flags.GetDuration("ttl")
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}

			signer := &auth.Signer{Secret: []byte(secret), Issuer: issuer}
			tok, err := signer.Mint(args[0], scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	mint.Flags().String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	mint.Flags().String("issuer", envOr("JWT_ISSUER", "shard-ledger"), "token issuer")
	mint.Flags().StringSlice("scopes", []string{auth.ScopeTransfersWrite, auth.ScopeAccountsRead}, "granted scopes")
	mint.Flags().Duration("ttl", time.Hour, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}
