package mission

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/pkg/models"
)

func newTestEngine(t *testing.T, tasks []models.Task) *Engine {
	t.Helper()
	store, err := index.New(filepath.Join(t.TempDir(), "global_indices"))
	if err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(store, PlanIndex)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	doc, err := NewPlanDocument("test mission", tasks)
	if err != nil {
		t.Fatalf("NewPlanDocument: %v", err)
	}
	if err := store.Create(PlanIndex, doc); err != nil {
		t.Fatalf("Create plan: %v", err)
	}
	return eng
}

func twoTasks() []models.Task {
	return []models.Task{
		{ID: 1, Description: "task A"},
		{ID: 2, Description: "task B", Dependencies: []int{1}},
	}
}

func TestNewPlanStatuses(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, twoTasks())

	m, _, err := eng.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Tasks[0].Status != models.TaskPending {
		t.Errorf("task 1 = %s, want PENDING", m.Tasks[0].Status)
	}
	if m.Tasks[1].Status != models.TaskBlocked {
		t.Errorf("task 2 = %s, want BLOCKED", m.Tasks[1].Status)
	}
	if m.Status != models.MissionInProgress {
		t.Errorf("mission = %s", m.Status)
	}
}

func TestValidatePlanRejectsCycles(t *testing.T) {
	t.Parallel()

	m := models.Mission{Status: models.MissionInProgress, Tasks: []models.Task{
		{ID: 1, Status: models.TaskBlocked, Dependencies: []int{2}},
		{ID: 2, Status: models.TaskBlocked, Dependencies: []int{1}},
	}}
	if err := ValidatePlan(m); err == nil {
		t.Fatal("expected cycle rejection")
	}

	m = models.Mission{Tasks: []models.Task{
		{ID: 1, Status: models.TaskPending, Dependencies: []int{1}},
	}}
	if err := ValidatePlan(m); err == nil {
		t.Fatal("expected self-dependency rejection")
	}

	m = models.Mission{Tasks: []models.Task{
		{ID: 1, Status: models.TaskPending, Dependencies: []int{9}},
	}}
	if err := ValidatePlan(m); err == nil {
		t.Fatal("expected unknown-dependency rejection")
	}
}

func TestValidatePlanRejectsPendingWithOpenDeps(t *testing.T) {
	t.Parallel()

	m := models.Mission{Tasks: []models.Task{
		{ID: 1, Status: models.TaskPending},
		{ID: 2, Status: models.TaskPending, Dependencies: []int{1}},
	}}
	if err := ValidatePlan(m); err == nil {
		t.Fatal("task 2 should be BLOCKED, not PENDING")
	}
}

// Example scenario from the protocol: claiming B before A finishes fails
// with a dependency error; finishing A flips B to PENDING on reconcile.
func TestDependencyGating(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, twoTasks())

	// Claim A.
	if _, err := eng.ClaimWithRetry(1, "worker-1"); err != nil {
		t.Fatalf("claim A: %v", err)
	}

	// B is BLOCKED; claiming must fail structurally, not with a conflict.
	_, sum, err := eng.Load()
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Claim(2, "worker-2", sum)
	if !errors.Is(err, ErrDependencyNotSatisfied) {
		t.Fatalf("claim B: expected ErrDependencyNotSatisfied, got %v", err)
	}

	// Finish A, reconcile, B becomes PENDING.
	_, sum, _ = eng.Load()
	if _, err := eng.Finish(1, "worker-1", "ok", "", sum); err != nil {
		t.Fatalf("finish A: %v", err)
	}
	unblocked, err := eng.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0] != 2 {
		t.Fatalf("unblocked = %v, want [2]", unblocked)
	}

	if _, err := eng.ClaimWithRetry(2, "worker-2"); err != nil {
		t.Fatalf("claim B after unblock: %v", err)
	}
}

// Even a claim racing with a fresh checksum must fail structurally while
// the task's dependencies are unresolved.
func TestClaimBlockedTaskFails(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, twoTasks())

	doc, err := eng.Store.Read(PlanIndex)
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Claim(2, "worker-2", doc.Checksum)
	if !errors.Is(err, ErrDependencyNotSatisfied) {
		t.Fatalf("expected ErrDependencyNotSatisfied, got %v", err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, []models.Task{{ID: 1, Description: "solo"}})

	_, sum, err := eng.Load()
	if err != nil {
		t.Fatal(err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("worker-%d", n)
			if _, err := eng.Claim(1, agent, sum); err == nil {
				wins <- agent
			} else if !index.IsChecksumConflict(err) && !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("%s: unexpected error %v", agent, err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	m, _, _ := eng.Load()
	if m.Tasks[0].Status != models.TaskInProgress {
		t.Errorf("status = %s", m.Tasks[0].Status)
	}
	if len(m.Tasks[0].Assignees) != 1 || m.Tasks[0].Assignees[0] != winners[0] {
		t.Errorf("assignees = %v, want [%s]", m.Tasks[0].Assignees, winners[0])
	}
}

func TestStandingTaskAllowsMultipleAssignees(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, []models.Task{
		{ID: 1, Type: models.TaskStanding, Description: "monitor"},
	})

	if _, err := eng.ClaimWithRetry(1, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ClaimWithRetry(1, "w2"); err != nil {
		t.Fatalf("second claim on standing task: %v", err)
	}
	m, _, _ := eng.Load()
	if len(m.Tasks[0].Assignees) != 2 {
		t.Fatalf("assignees = %v", m.Tasks[0].Assignees)
	}
}

func TestFinishRequiresSummaryAndIsTerminal(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, []models.Task{{ID: 1, Description: "solo"}})

	if _, err := eng.ClaimWithRetry(1, "w1"); err != nil {
		t.Fatal(err)
	}
	_, sum, _ := eng.Load()
	if _, err := eng.Finish(1, "w1", "", "", sum); err == nil {
		t.Fatal("finish without summary must fail")
	}
	if _, err := eng.Finish(1, "w1", "completed fine", "resources/out.txt", sum); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	m, sum, _ := eng.Load()
	if m.Tasks[0].Status != models.TaskDone || m.Tasks[0].ResultSummary == "" || m.Tasks[0].EndTime == "" {
		t.Fatalf("task after finish: %+v", m.Tasks[0])
	}

	// DONE is terminal for standard tasks.
	_, err := eng.UpdateTask(1, TaskUpdate{Status: ptr(models.TaskPending)}, sum)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	_, err = eng.Claim(1, "w2", sum)
	if err == nil {
		t.Fatal("claiming a DONE task must fail")
	}
}

func TestReopenClearsAssignee(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, []models.Task{{ID: 1, Description: "solo"}})

	if _, err := eng.ClaimWithRetry(1, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Reopen(1, "w1"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	m, _, _ := eng.Load()
	if m.Tasks[0].Status != models.TaskPending {
		t.Errorf("status = %s", m.Tasks[0].Status)
	}
	if len(m.Tasks[0].Assignees) != 0 {
		t.Errorf("assignees = %v, want empty", m.Tasks[0].Assignees)
	}
}

func TestCompleteMissionIsExplicit(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, []models.Task{{ID: 1, Description: "solo"}})

	if err := eng.CompleteMission("all wrapped up"); !errors.Is(err, ErrMissionIncomplete) {
		t.Fatalf("expected ErrMissionIncomplete, got %v", err)
	}

	if _, err := eng.ClaimWithRetry(1, "w1"); err != nil {
		t.Fatal(err)
	}
	_, sum, _ := eng.Load()
	if _, err := eng.Finish(1, "w1", "ok", "", sum); err != nil {
		t.Fatal(err)
	}

	// Still not DONE automatically: the mission stays IN_PROGRESS until the
	// coordinator says otherwise.
	m, _, _ := eng.Load()
	if m.Status != models.MissionInProgress {
		t.Fatalf("mission flipped to %s without coordinator action", m.Status)
	}

	if err := eng.CompleteMission(""); err == nil {
		t.Fatal("completing without a summary must fail")
	}
	if err := eng.CompleteMission("done and summarized"); err != nil {
		t.Fatalf("CompleteMission: %v", err)
	}
	m, _, _ = eng.Load()
	if m.Status != models.MissionDone || m.Summary == "" {
		t.Fatalf("mission after completion: %+v", m)
	}
}

func TestNextClaimable(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, twoTasks())

	task, _, err := eng.NextClaimable()
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.ID != 1 {
		t.Fatalf("NextClaimable = %+v, want task 1", task)
	}

	if _, err := eng.ClaimWithRetry(1, "w1"); err != nil {
		t.Fatal(err)
	}
	task, _, err = eng.NextClaimable()
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatalf("expected no claimable work, got task %d", task.ID)
	}
}

func TestStoreValidatorRejectsBadPlanWrite(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, twoTasks())

	doc, err := eng.Store.Read(PlanIndex)
	if err != nil {
		t.Fatal(err)
	}
	m, _, _, err := extractPlan(doc.Body)
	if err != nil {
		t.Fatal(err)
	}
	// Introduce a cycle and write the whole document back.
	m.Tasks[0].Dependencies = []int{2}
	m.Tasks[0].Status = models.TaskBlocked
	newBody, err := renderPlan(doc.Body, m)
	if err != nil {
		t.Fatal(err)
	}
	full, err := composeFrom(doc, newBody)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Store.Update(PlanIndex, full, doc.Checksum); err == nil {
		t.Fatal("store must reject a plan with a dependency cycle")
	}
}
