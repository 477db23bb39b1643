package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/agent"
	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/mission"
)

// newAgentCmd is the worker process entry point. Hidden: operators launch
// workers through the watchdog, not by hand.
func newAgentCmd() *cobra.Command {
	var name, role, goal, runner, workDir, plan string
	var poll time.Duration

	cmd := &cobra.Command{
		Use:    "agent",
		Short:  "Run one worker agent attached to the blackboard",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || role == "" {
				return fmt.Errorf("--name and --role are required")
			}
			store, eng, reg, box, bb, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			if plan != "" && plan != mission.PlanIndex {
				eng = mission.NewEngine(store, plan)
			}
			if workDir == "" {
				workDir = config.ResourcesDir(bb)
			}
			log := slog.Default().With("agent", name)

			auditLog, err := audit.Open(config.AuditDBPath(bb))
			if err != nil {
				log.Warn("audit log unavailable", "err", err)
				auditLog = nil
			}
			defer func() { _ = auditLog.Close() }()

			w := agent.New(name, role, goal, bb, reg, eng, box, log)
			w.Runner = runner
			w.WorkDir = workDir
			w.Audit = auditLog
			if poll > 0 {
				w.PollInterval = poll
			}
			err = w.Run(cmd.Context())
			if err != nil && cmd.Context().Err() != nil {
				return nil // clean shutdown on signal
			}
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name (unique in the swarm)")
	cmd.Flags().StringVar(&role, "role", "", "Agent role")
	cmd.Flags().StringVar(&goal, "goal", "", "Goal description")
	cmd.Flags().StringVar(&runner, "runner", "", "Command executed per task (task JSON on stdin, summary on stdout)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "Writable directory for the runner (default: blackboard resources)")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan index to work from (default: the central plan)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Work loop interval")
	return cmd
}
