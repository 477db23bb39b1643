package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
)

func newMissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Operate on the mission as a whole",
	}
	cmd.AddCommand(newMissionCompleteCmd())
	cmd.AddCommand(newMissionReconcileCmd())
	return cmd
}

func newMissionCompleteCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark the mission DONE (requires every task DONE and a summary)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if summary == "" {
				return fmt.Errorf("--summary is required")
			}
			_, eng, _, _, bb, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			if err := eng.CompleteMission(summary); err != nil {
				return err
			}
			if l, err := audit.Open(config.AuditDBPath(bb)); err == nil {
				_ = l.Record(cmd.Context(), audit.KindMissionUp, "", 0, "mission completed: "+summary)
				_ = l.Close()
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Mission complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "Final mission summary")
	return cmd
}

func newMissionReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Unblock tasks whose dependencies are all DONE",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, _, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			unblocked, err := eng.Reconcile()
			if err != nil {
				return err
			}
			if len(unblocked) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to unblock")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unblocked tasks %v\n", unblocked)
			return nil
		},
	}
	return cmd
}
