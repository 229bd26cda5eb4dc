package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/store"
)

var (
	pruneMaxAge time.Duration
	pruneStates string
	pruneEnvs   string
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old message files from the folder tree",
	Long: `Delete message files older than --max-age from the folder tree. The
tree never cleans itself up: answered requests stay cached until pruned,
which is also how a stale cached response is evicted. Drafts and sent are
pruned by default; the inbox holds unanswered work and is only touched
when named explicitly.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 7*24*time.Hour, "delete files older than this")
	pruneCmd.Flags().StringVar(&pruneStates, "states", "drafts,sent", "comma-separated lifecycle folders to prune")
	pruneCmd.Flags().StringVar(&pruneEnvs, "environments", "", "comma-separated environments to prune (default all configured)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	envs := splitList(pruneEnvs)
	if len(envs) == 0 {
		envs = cfg.EnvironmentNames()
	} else {
		for _, name := range envs {
			if _, ok := cfg.Environment(name); !ok {
				return fmt.Errorf("unknown environment %q; configured: %v", name, cfg.EnvironmentNames())
			}
		}
	}

	states, err := parsePruneStates(splitList(pruneStates))
	if err != nil {
		return err
	}

	d := store.NewDir(cfg.Base)
	total := 0
	for _, name := range envs {
		removed, err := d.Prune(name, states, pruneMaxAge)
		if err != nil {
			return fmt.Errorf("pruning %q: %w", name, err)
		}
		total += removed
	}

	cmd.Printf("pruned %d file(s) older than %s from %v\n", total, pruneMaxAge, envs)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePruneStates(names []string) ([]store.State, error) {
	states := make([]store.State, 0, len(names))
	for _, name := range names {
		st := store.State(name)
		switch st {
		case store.StateDrafts, store.StateInbox, store.StateSent:
			states = append(states, st)
		default:
			return nil, fmt.Errorf("unknown state %q; valid states: %v", name, store.States)
		}
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("no states to prune")
	}
	return states, nil
}
