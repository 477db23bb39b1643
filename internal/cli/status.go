package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/pkg/models"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show swarm agents and the mission plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, reg, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}

			records, err := reg.Read()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(records))
			for n := range records {
				names = append(names, n)
			}
			sort.Strings(names)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agents (%d):\n", len(names))
			for _, n := range names {
				rec := records[n]
				line := fmt.Sprintf("  %-16s %-8s role=%s pid=%d", rec.Name, rec.Status, rec.Role, rec.PID)
				if rec.Status == models.AgentDead && rec.ExitReason != "" {
					line += " (" + rec.ExitReason + ")"
				} else if rec.LastActivity > 0 {
					line += fmt.Sprintf(" last-seen=%s", time.Unix(int64(rec.LastActivity), 0).Format("15:04:05"))
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			m, _, err := eng.Load()
			if errors.Is(err, index.ErrNotFound) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no mission plan")
				return nil
			}
			if err != nil {
				return err
			}
			done := 0
			for _, t := range m.Tasks {
				if t.Status == models.TaskDone {
					done++
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mission: %s [%s] %d/%d tasks done\n",
				m.Goal, m.Status, done, len(m.Tasks))
			return nil
		},
	}
	return cmd
}
