package workspace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/pkg/models"
)

// Every round runs exactly two tasks against its own plan index: implement
// does the work, verify checks it. Commit is gated on the verify result.
const (
	ImplementTaskID = 1
	VerifyTaskID    = 2
)

// ErrVerifyNotPassed means Commit was called before the round's verify task
// finished with a result asserting success.
var ErrVerifyNotPassed = errors.New("round verify task has not asserted success")

// RoundPlanIndex is the name of a round's private plan index.
func RoundPlanIndex(round int) string {
	return fmt.Sprintf("round_r%d_plan.md", round)
}

// RoundEngine returns a task-graph engine scoped to one round's plan.
func (m *Manager) RoundEngine(round int) *mission.Engine {
	return mission.NewEngine(m.Plans, RoundPlanIndex(round))
}

// createRoundPlan writes the implement/verify task pair for a round. A plan
// left behind by a crashed attempt at the same round is reused as-is.
func (m *Manager) createRoundPlan(round int, suggestion string) error {
	if suggestion == "" {
		suggestion = "improve the codebase"
	}
	goal := fmt.Sprintf("round %d: %s", round, suggestion)
	tasks := []models.Task{
		{ID: ImplementTaskID, Type: models.TaskStandard, Description: suggestion},
		{ID: VerifyTaskID, Type: models.TaskStandard,
			Description:  "verify the implemented change; summarize with PASS or FAIL",
			Dependencies: []int{ImplementTaskID}},
	}
	doc, err := mission.NewPlanDocumentWith(mission.PlanHeader{
		Name:        fmt.Sprintf("Round %d Plan", round),
		Description: "Implement/verify task pair for one evolution round.",
		UsagePolicy: "Scoped to this round; the watchdog gates commit on the verify result.",
	}, goal, tasks)
	if err != nil {
		return err
	}
	m.Plans.RegisterValidator(RoundPlanIndex(round), mission.ValidateBody)
	err = m.Plans.Create(RoundPlanIndex(round), doc)
	if errors.Is(err, index.ErrAlreadyExists) {
		return nil
	}
	return err
}

// verifyOutcome reports whether the round's verify task has finished with a
// result asserting success. The detail string explains a false answer.
func (m *Manager) verifyOutcome(round int) (passed bool, detail string, err error) {
	eng := m.RoundEngine(round)
	mis, _, err := eng.Load()
	if err != nil {
		return false, "", fmt.Errorf("round %d plan: %w", round, err)
	}
	for _, t := range mis.Tasks {
		if t.ID != VerifyTaskID {
			continue
		}
		if t.Status != models.TaskDone {
			return false, fmt.Sprintf("verify task is %s", t.Status), nil
		}
		if !resultAssertsSuccess(t.ResultSummary) {
			return false, fmt.Sprintf("verify result: %s", t.ResultSummary), nil
		}
		return true, t.ResultSummary, nil
	}
	return false, "round plan has no verify task", nil
}

// resultAssertsSuccess recognizes a verify summary that starts with PASS.
func resultAssertsSuccess(summary string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(summary)), models.VerdictPass)
}
