package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shardctl",
		Short:         "Operator tool for the shard ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("addr", envOr("SHARDLEDGER_GRPC_ADDR", "localhost:9090"), "ledgerd gRPC address")
	root.PersistentFlags().String("token", os.Getenv("SHARDLEDGER_TOKEN"), "bearer token for gRPC calls")
	root.PersistentFlags().String("tls-ca", "", "CA file; enables TLS when set")
	root.PersistentFlags().String("tls-server-name", "", "expected server name for TLS")

	root.AddCommand(lookupCmd())
	root.AddCommand(distributionCmd())
	root.AddCommand(transferCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(tokenCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
