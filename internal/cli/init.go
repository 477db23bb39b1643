package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/pkg/models"
)

func newInitCmd() *cobra.Command {
	var goal string
	var tasks []string
	var chain bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the blackboard layout and, with --goal, the mission plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			bb := config.MustBlackboardFrom(cmd.Context())
			if err := config.EnsureLayout(bb); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Blackboard initialized at %s\n", bb)
			if goal == "" {
				return nil
			}

			var planTasks []models.Task
			for i, desc := range tasks {
				t := models.Task{ID: i + 1, Description: desc}
				if chain && i > 0 {
					t.Dependencies = []int{i}
				}
				planTasks = append(planTasks, t)
			}
			doc, err := mission.NewPlanDocument(goal, planTasks)
			if err != nil {
				return err
			}
			store, err := index.New(config.IndicesDir(bb))
			if err != nil {
				return err
			}
			if err := store.Create(mission.PlanIndex, doc); err != nil {
				return err
			}
			if l, err := audit.Open(config.AuditDBPath(bb)); err == nil {
				_ = l.Record(cmd.Context(), audit.KindMissionUp, "", 0, "mission created: "+goal)
				_ = l.Close()
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Mission plan created with %d task(s)\n", len(planTasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "Mission goal; creates the plan index when set")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "Task description (repeatable; ids assigned in order)")
	cmd.Flags().BoolVar(&chain, "chain", false, "Make each task depend on the previous one")
	return cmd
}
