package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/lifecycle"
	"github.com/nmpdev/nmp/internal/monitor"
	"github.com/nmpdev/nmp/internal/server"
	"github.com/nmpdev/nmp/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Execute relayed requests against their backends",
	Long: `Run the server half of the relay: watch each environment's inbox in
the folder tree, perform the real HTTP call for every message that
appears, and write the response back into the tree for the client half to
deliver. Runs on the machine that can actually reach the backends.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().Int("monitor-port", 0, "WebSocket monitor port, 0 disables")
}

func runServer(cmd *cobra.Command, args []string) error {
	_ = viper.BindPFlag("monitor_port", cmd.Flags().Lookup("monitor-port"))

	logger := slog.Default()
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	st := store.NewDir(cfg.Base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cancelOnSignal(cancel, logger)

	registry, err := lifecycle.New(cfg.RedisURL, "server", cfg.EnvironmentNames(), logger)
	if err != nil {
		return fmt.Errorf("creating worker registry: %w", err)
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("connecting to worker registry: %w", err)
	}
	if err := registry.Register(ctx); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	registryDone := registry.MaintainRegistration(ctx)

	var hub *monitor.Hub
	if cfg.MonitorPort > 0 {
		hub = monitor.NewHub(logger)
		go hub.Run(ctx)
	}

	srv, err := server.New(cfg, st, hub, registry, logger)
	if err != nil {
		return fmt.Errorf("creating server relay: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("running server relay: %w", err)
	}

	<-registryDone
	if err := registry.Stop(); err != nil {
		logger.Error("error stopping worker registry", "error", err)
	}
	return nil
}
