package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Operate on mission plan tasks",
	}
	cmd.AddCommand(newTaskClaimCmd())
	cmd.AddCommand(newTaskFinishCmd())
	cmd.AddCommand(newTaskReopenCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskClaimCmd() *cobra.Command {
	var agent string
	var taskID int
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a PENDING task for an agent (retries checksum conflicts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" || taskID <= 0 {
				return fmt.Errorf("--agent and a positive --id are required")
			}
			_, eng, _, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			if _, err := eng.ClaimWithRetry(taskID, agent); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d claimed by %s\n", taskID, agent)
			return nil
		},
	}
	cmd.Flags().IntVar(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Claiming agent name")
	return cmd
}

func newTaskFinishCmd() *cobra.Command {
	var agent, summary, artifact string
	var taskID int
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Mark a task DONE with its result summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || summary == "" {
				return fmt.Errorf("--id and --summary are required")
			}
			_, eng, _, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			if err := eng.FinishWithRetry(taskID, agent, summary, artifact); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d done\n", taskID)
			return nil
		},
	}
	cmd.Flags().IntVar(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Finishing agent name")
	cmd.Flags().StringVar(&summary, "summary", "", "Result summary (required)")
	cmd.Flags().StringVar(&artifact, "artifact", "", "Artifact path or reference")
	return cmd
}

func newTaskReopenCmd() *cobra.Command {
	var agent string
	var taskID int
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Return an IN_PROGRESS task to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return fmt.Errorf("a positive --id is required")
			}
			_, eng, _, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			if err := eng.Reopen(taskID, agent); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d returned to pool\n", taskID)
			return nil
		},
	}
	cmd.Flags().IntVar(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Assignee to clear")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the mission plan tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, _, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			m, sum, err := eng.Load()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "goal: %s\nstatus: %s (checksum %s)\n", m.Goal, m.Status, sum)
			for _, t := range m.Tasks {
				assignees := ""
				if len(t.Assignees) > 0 {
					assignees = fmt.Sprintf(" @%v", t.Assignees)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %-11s %s%s\n", t.ID, t.Status, t.Description, assignees)
			}
			return nil
		},
	}
	return cmd
}
