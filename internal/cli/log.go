package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
)

func newLogCmd() *cobra.Command {
	var n int
	var kind string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent swarm events from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			bb := config.MustBlackboardFrom(cmd.Context())
			l, err := audit.Open(config.AuditDBPath(bb))
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			var events []audit.Event
			if kind != "" {
				events, err = l.ByKind(cmd.Context(), kind, n)
			} else {
				events, err = l.Tail(cmd.Context(), n)
			}
			if err != nil {
				return err
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-9s %s", e.TS.Format("2006-01-02 15:04:05"), e.Kind, e.Agent)
				if e.TaskID > 0 {
					line += fmt.Sprintf(" task=%d", e.TaskID)
				}
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if len(events) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no events")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "Events to show")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by event kind (spawn, dead, claim, finish, reopen, verdict)")
	return cmd
}
