// Package cmd wires the nmp command line: a client command that serves the
// local HTTP front end, a server command that executes relayed requests, and
// maintenance helpers around the shared folder tree.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "nmp",
	Short: "Relay HTTP requests through a synced folder tree",
	Long: `nmp relays HTTP requests between networks that share nothing but a
synced directory. The client side accepts ordinary HTTP requests, writes
each one as a JSON message file into the tree, and waits for an answer;
the server side, running where the backend is reachable, watches the tree,
performs the real call, and writes the response back. Identical requests
share a single file and a single execution, so answered requests replay
from the tree without another round trip.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags; environment variables carry the same settings with the
	// NMP_ prefix.
	rootCmd.PersistentFlags().String("base", "", "root directory of the message tree (default $NMP_BASE or ~/Downloads/nmp)")
	rootCmd.PersistentFlags().String("redis-url", "", "worker registry address (default $NMP_REDIS_URL, empty disables)")
	_ = viper.BindPFlag("base", rootCmd.PersistentFlags().Lookup("base"))
	_ = viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
}

// cancelOnSignal cancels the run context on SIGINT/SIGTERM.
func cancelOnSignal(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)
	cancel()
	time.Sleep(100 * time.Millisecond) // Give time for cleanup logs to flush
}
