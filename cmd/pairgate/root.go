package main

import (
	"fmt"
	"os"

	"github.com/pairgate/pairgate/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "pairgate",
	Short: "Device pairing and connection admission gate",
	Long: `pairgate pairs remote devices with a host over a code-verified
handshake, issues per-device certificates and bearer tokens, and admits
paired devices to a bounded connection pool with FIFO queuing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
