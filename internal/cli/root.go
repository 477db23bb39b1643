// Package cli wires the swarm command tree. Every command resolves the
// blackboard directory from the persistent flag (or environment) and talks
// to the coordination layer through the internal packages; there is no
// daemon API, the filesystem is the API.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/mailbox"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/internal/registry"
)

func NewRootCmd(version string) *cobra.Command {
	var blackboardOverride string
	var verbose bool

	cmd := &cobra.Command{
		Use:          "swarm",
		Short:        "swarm coordinates agent processes over a shared blackboard directory",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			bb := config.ResolveBlackboard(blackboardOverride)
			cmd.SetContext(config.WithBlackboard(cmd.Context(), bb))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&blackboardOverride, "blackboard", "", "Blackboard directory (default: ./.blackboard, env: SWARM_BLACKBOARD)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchdogCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newMailboxCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newMissionCmd())
	cmd.AddCommand(newRoundCmd())
	cmd.AddCommand(newLogCmd())

	// Hidden internal subcommand: the worker process launched by the watchdog.
	cmd.AddCommand(newAgentCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

// openStore opens the index store for the blackboard in the command
// context.
func openStore(cmd *cobra.Command) (*index.Store, string, error) {
	bb := config.MustBlackboardFrom(cmd.Context())
	store, err := index.New(config.IndicesDir(bb))
	if err != nil {
		return nil, "", err
	}
	return store, bb, nil
}

// openCoordination opens the full coordination surface: store, engine,
// registry and mailbox.
func openCoordination(cmd *cobra.Command) (*index.Store, *mission.Engine, *registry.Registry, *mailbox.Box, string, error) {
	store, bb, err := openStore(cmd)
	if err != nil {
		return nil, nil, nil, nil, "", err
	}
	reg, err := registry.New(config.RegistryPath(bb))
	if err != nil {
		return nil, nil, nil, nil, "", err
	}
	eng := mission.NewEngine(store, mission.PlanIndex)
	return store, eng, reg, mailbox.New(store), bb, nil
}
