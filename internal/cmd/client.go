package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nmpdev/nmp/internal/client"
	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/lifecycle"
	"github.com/nmpdev/nmp/internal/message"
	"github.com/nmpdev/nmp/internal/monitor"
	"github.com/nmpdev/nmp/internal/store"
)

var clientCachePicky bool

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Serve the local HTTP front end of the relay",
	Long: `Run the client half of the relay: an HTTP server that turns each
inbound request into a message file under the folder tree, waits for the
server half to answer it, and replays cached answers for requests it has
already seen.`,
	RunE: runClient,
}

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().IntP("port", "p", 19790, "listen port for the relay front end")
	clientCmd.Flags().Int("monitor-port", 0, "WebSocket monitor port, 0 disables")
	clientCmd.Flags().BoolVar(&clientCachePicky, "cache-picky", false, "hash credentials into identities and replay only 2xx GET/POST outcomes")
	_ = viper.BindPFlag("port", clientCmd.Flags().Lookup("port"))
}

func runClient(cmd *cobra.Command, args []string) error {
	// Bound at run time: client and server share this key, and an init-time
	// binding would leave it pointing at whichever command registered last.
	_ = viper.BindPFlag("monitor_port", cmd.Flags().Lookup("monitor-port"))
	if clientCachePicky {
		viper.Set("cache_mode", string(message.ModePicky))
	}

	logger := slog.Default()
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	st := store.NewDir(cfg.Base)
	for _, name := range cfg.EnvironmentNames() {
		if err := st.Ensure(name); err != nil {
			return fmt.Errorf("creating folder tree for %q: %w", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cancelOnSignal(cancel, logger)

	registry, err := lifecycle.New(cfg.RedisURL, "client", cfg.EnvironmentNames(), logger)
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

	cli, err := client.New(cfg, st, hub, registry, logger)
	if err != nil {
		return fmt.Errorf("creating client relay: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("running client relay: %w", err)
	}

	<-registryDone
	if err := registry.Stop(); err != nil {
		logger.Error("error stopping worker registry", "error", err)
	}
	return nil
}
