package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/otel"
	"github.com/zczc/nano-agent-team/pkg/models"
)

// Engine interprets one mission plan index as a dependency graph of tasks.
// All mutations go through the store's CAS; concurrent claimants race on the
// document checksum and exactly one wins a given claim attempt.
type Engine struct {
	Store *index.Store
	Plan  string           // index name, usually PlanIndex
	Now   func() time.Time // injected for tests
}

// NewEngine wires an engine to a store and registers the plan validator so
// every full-document write of the plan is structurally checked in-lock.
func NewEngine(store *index.Store, plan string) *Engine {
	if plan == "" {
		plan = PlanIndex
	}
	store.RegisterValidator(plan, ValidateBody)
	return &Engine{Store: store, Plan: plan, Now: time.Now}
}

// Engine errors. ChecksumConflictError propagates from the store untouched.
var (
	ErrTaskNotFound           = errors.New("task not found")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrAlreadyClaimed         = errors.New("task already claimed")
	ErrIllegalTransition      = errors.New("illegal status transition")
	ErrMissionIncomplete      = errors.New("mission has unfinished tasks")
	ErrClaimRetriesExhausted  = errors.New("claim retries exhausted")
)

// validTransitions mirrors the task state machine: DONE is terminal,
// IN_PROGRESS may fall back to PENDING (un-claim or supervisor reopen),
// BLOCKED can only be released to PENDING.
var validTransitions = map[string][]string{
	models.TaskPending:    {models.TaskInProgress},
	models.TaskInProgress: {models.TaskDone, models.TaskPending},
	models.TaskBlocked:    {models.TaskPending},
	models.TaskDone:       {},
}

// Load reads the mission and the checksum to use for a subsequent CAS write.
func (e *Engine) Load() (models.Mission, string, error) {
	doc, err := e.Store.Read(e.Plan)
	if err != nil {
		return models.Mission{}, "", err
	}
	m, _, _, err := extractPlan(doc.Body)
	if err != nil {
		return models.Mission{}, "", err
	}
	return m, doc.Checksum, nil
}

// TaskUpdate is a partial update applied to one task. Nil fields are left
// unchanged. Status changes are validated against the transition table and
// the dependency rule inside the write lock.
type TaskUpdate struct {
	Status        *string
	Description   *string
	Assignees     *[]string
	AddAssignee   string
	ClearAssignee string
	Artifact      *string
	ResultSummary *string
	StartTime     *string
	EndTime       *string
}

// UpdateTask applies a partial update to one task under CAS. This is the
// structured variant of index.Store.Update scoped to a single task: same
// contract, one auditable conflict point.
func (e *Engine) UpdateTask(taskID int, up TaskUpdate, expected string) (string, error) {
	return e.Store.Transform(e.Plan, expected, func(current string) (string, error) {
		_, body, ok := splitDoc(current)
		if !ok {
			return "", fmt.Errorf("plan %s has no frontmatter", e.Plan)
		}
		m, _, _, err := extractPlan(body)
		if err != nil {
			return "", err
		}
		t := findTask(&m, taskID)
		if t == nil {
			return "", fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		if err := e.applyUpdate(&m, t, up); err != nil {
			return "", err
		}
		newBody, err := renderPlan(body, m)
		if err != nil {
			return "", err
		}
		return joinDoc(current, newBody), nil
	})
}

func (e *Engine) applyUpdate(m *models.Mission, t *models.Task, up TaskUpdate) error {
	if up.Status != nil && *up.Status != t.Status {
		if err := checkTransition(m, t, *up.Status); err != nil {
			return err
		}
		t.Status = *up.Status
	}
	if up.Description != nil {
		t.Description = *up.Description
	}
	if up.Assignees != nil {
		t.Assignees = *up.Assignees
	}
	if up.AddAssignee != "" && !slices.Contains(t.Assignees, up.AddAssignee) {
		t.Assignees = append(t.Assignees, up.AddAssignee)
	}
	if up.ClearAssignee != "" {
		t.Assignees = slices.DeleteFunc(t.Assignees, func(a string) bool { return a == up.ClearAssignee })
	}
	if up.Artifact != nil {
		t.Artifact = *up.Artifact
	}
	if up.ResultSummary != nil {
		t.ResultSummary = *up.ResultSummary
	}
	if up.StartTime != nil {
		t.StartTime = *up.StartTime
	}
	if up.EndTime != nil {
		t.EndTime = *up.EndTime
	}
	// Standard tasks never carry more than one assignee.
	if t.Kind() == models.TaskStandard && len(t.Assignees) > 1 {
		t.Assignees = t.Assignees[:1]
	}
	return models.ValidateTask(*t)
}

func checkTransition(m *models.Mission, t *models.Task, next string) error {
	allowed := validTransitions[t.Status]
	if !slices.Contains(allowed, next) {
		return fmt.Errorf("%w: %s -> %s on task %d", ErrIllegalTransition, t.Status, next, t.ID)
	}
	if next == models.TaskInProgress {
		for _, dep := range t.Dependencies {
			d := findTask(m, dep)
			if d != nil && d.Status != models.TaskDone {
				return fmt.Errorf("%w: task %d dependency %d is %s", ErrDependencyNotSatisfied, t.ID, dep, d.Status)
			}
		}
	}
	return nil
}

// Claim performs the exclusive PENDING -> IN_PROGRESS transition for agent.
// The expected checksum must come from the caller's immediately preceding
// read; on conflict the caller re-reads and retries. A standing task may be
// claimed by additional agents while already IN_PROGRESS.
func (e *Engine) Claim(taskID int, agent, expected string) (string, error) {
	return e.Store.Transform(e.Plan, expected, func(current string) (string, error) {
		_, body, ok := splitDoc(current)
		if !ok {
			return "", fmt.Errorf("plan %s has no frontmatter", e.Plan)
		}
		m, _, _, err := extractPlan(body)
		if err != nil {
			return "", err
		}
		t := findTask(&m, taskID)
		if t == nil {
			return "", fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}

		switch t.Status {
		case models.TaskPending:
			// claimable
		case models.TaskInProgress:
			if t.Kind() != models.TaskStanding {
				return "", fmt.Errorf("%w: task %d by %v", ErrAlreadyClaimed, taskID, t.Assignees)
			}
		default:
			return "", fmt.Errorf("%w: task %d is %s", ErrDependencyNotSatisfied, taskID, t.Status)
		}
		for _, dep := range t.Dependencies {
			d := findTask(&m, dep)
			if d != nil && d.Status != models.TaskDone {
				return "", fmt.Errorf("%w: task %d dependency %d is %s", ErrDependencyNotSatisfied, taskID, dep, d.Status)
			}
		}

		t.Status = models.TaskInProgress
		if t.Kind() == models.TaskStandard {
			t.Assignees = []string{agent}
		} else if !slices.Contains(t.Assignees, agent) {
			t.Assignees = append(t.Assignees, agent)
		}
		if t.StartTime == "" {
			t.StartTime = e.Now().UTC().Format(time.RFC3339)
		}

		newBody, err := renderPlan(body, m)
		if err != nil {
			return "", err
		}
		return joinDoc(current, newBody), nil
	})
}

// ClaimWithRetry retries Claim a fixed number of times on checksum conflicts,
// re-reading the plan before every attempt. Structural failures (dependency
// not satisfied, already claimed) surface immediately.
func (e *Engine) ClaimWithRetry(taskID int, agent string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < models.DefaultClaimRetries; attempt++ {
		doc, err := e.Store.Read(e.Plan)
		if err != nil {
			return "", err
		}
		sum, err := e.Claim(taskID, agent, doc.Checksum)
		if err == nil {
			return sum, nil
		}
		if !index.IsChecksumConflict(err) {
			return "", err
		}
		otel.RecordConflict(context.Background(), agent)
		slog.Debug("claim conflicted, retrying", "task", taskID, "agent", agent, "attempt", attempt+1)
		lastErr = err
	}
	return "", fmt.Errorf("%w: task %d after %d attempts: %v",
		ErrClaimRetriesExhausted, taskID, models.DefaultClaimRetries, lastErr)
}

// Finish moves a task IN_PROGRESS -> DONE. A non-empty result summary is
// mandatory; the end timestamp is set here. Terminal for standard tasks;
// for standing tasks the goal being met is the caller's assertion and is
// equally terminal once made.
func (e *Engine) Finish(taskID int, agent, summary, artifact, expected string) (string, error) {
	if summary == "" {
		return "", fmt.Errorf("task %d: a result summary is required to finish", taskID)
	}
	end := e.Now().UTC().Format(time.RFC3339)
	up := TaskUpdate{
		Status:        ptr(models.TaskDone),
		ResultSummary: &summary,
		EndTime:       &end,
	}
	if artifact != "" {
		up.Artifact = &artifact
	}
	_ = agent // assignee enforcement happens at the tool boundary, not here
	return e.UpdateTask(taskID, up, expected)
}

// FinishWithRetry is Finish with the same internal conflict retry as
// Reopen, for callers driving tasks programmatically.
func (e *Engine) FinishWithRetry(taskID int, agent, summary, artifact string) error {
	for attempt := 0; attempt < models.DefaultClaimRetries; attempt++ {
		doc, err := e.Store.Read(e.Plan)
		if err != nil {
			return err
		}
		_, err = e.Finish(taskID, agent, summary, artifact, doc.Checksum)
		if err == nil || !index.IsChecksumConflict(err) {
			return err
		}
		otel.RecordConflict(context.Background(), agent)
	}
	return fmt.Errorf("finish task %d: %w", taskID, ErrClaimRetriesExhausted)
}

// Reopen returns a dead agent's task to the pool: IN_PROGRESS -> PENDING
// with the assignee cleared. Retried internally on conflicts since the
// supervisor has no user to push the retry to.
func (e *Engine) Reopen(taskID int, deadAgent string) error {
	for attempt := 0; attempt < models.DefaultClaimRetries; attempt++ {
		doc, err := e.Store.Read(e.Plan)
		if err != nil {
			return err
		}
		up := TaskUpdate{
			Status:        ptr(models.TaskPending),
			ClearAssignee: deadAgent,
			StartTime:     ptr(""),
		}
		_, err = e.UpdateTask(taskID, up, doc.Checksum)
		if err == nil || !index.IsChecksumConflict(err) {
			return err
		}
		otel.RecordConflict(context.Background(), deadAgent)
	}
	return fmt.Errorf("reopen task %d: %w", taskID, ErrClaimRetriesExhausted)
}

// Reconcile recomputes derived state any reader may fix lazily: BLOCKED
// tasks whose dependencies are all DONE become PENDING, and standard tasks
// are trimmed to a single assignee. Returns the ids it unblocked.
func (e *Engine) Reconcile() ([]int, error) {
	var unblocked []int
	for attempt := 0; attempt < models.DefaultClaimRetries; attempt++ {
		doc, err := e.Store.Read(e.Plan)
		if err != nil {
			return nil, err
		}
		m, _, _, err := extractPlan(doc.Body)
		if err != nil {
			return nil, err
		}

		unblocked = unblocked[:0]
		modified := false
		status := make(map[int]string, len(m.Tasks))
		for _, t := range m.Tasks {
			status[t.ID] = t.Status
		}
		for i := range m.Tasks {
			t := &m.Tasks[i]
			if t.Status == models.TaskBlocked {
				ready := true
				for _, dep := range t.Dependencies {
					if status[dep] != models.TaskDone {
						ready = false
						break
					}
				}
				if ready {
					t.Status = models.TaskPending
					unblocked = append(unblocked, t.ID)
					modified = true
				}
			}
			if t.Kind() == models.TaskStandard && len(t.Assignees) > 1 {
				t.Assignees = t.Assignees[:1]
				modified = true
			}
		}
		if !modified {
			return nil, nil
		}

		newBody, err := renderPlan(doc.Body, m)
		if err != nil {
			return nil, err
		}
		full, err := composeFrom(doc, newBody)
		if err != nil {
			return nil, err
		}
		_, err = e.Store.Update(e.Plan, full, doc.Checksum)
		if err == nil {
			return unblocked, nil
		}
		if !index.IsChecksumConflict(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("reconcile plan: %w", ErrClaimRetriesExhausted)
}

// CompleteMission marks the mission DONE. This is an explicit act by the
// coordinator, never inferred: it fails while any task is unfinished and
// requires a final summary.
func (e *Engine) CompleteMission(summary string) error {
	if summary == "" {
		return errors.New("a final summary is required to complete the mission")
	}
	for attempt := 0; attempt < models.DefaultClaimRetries; attempt++ {
		doc, err := e.Store.Read(e.Plan)
		if err != nil {
			return err
		}
		m, _, _, err := extractPlan(doc.Body)
		if err != nil {
			return err
		}
		for _, t := range m.Tasks {
			if t.Status != models.TaskDone {
				return fmt.Errorf("%w: task %d is %s", ErrMissionIncomplete, t.ID, t.Status)
			}
		}
		m.Status = models.MissionDone
		m.Summary = summary

		newBody, err := renderPlan(doc.Body, m)
		if err != nil {
			return err
		}
		full, err := composeFrom(doc, newBody)
		if err != nil {
			return err
		}
		_, err = e.Store.Update(e.Plan, full, doc.Checksum)
		if err == nil || !index.IsChecksumConflict(err) {
			return err
		}
	}
	return fmt.Errorf("complete mission: %w", ErrClaimRetriesExhausted)
}

// TasksAssignedTo returns ids of tasks currently IN_PROGRESS for agent.
func (e *Engine) TasksAssignedTo(agent string) ([]int, error) {
	m, _, err := e.Load()
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, t := range m.Tasks {
		if t.Status == models.TaskInProgress && slices.Contains(t.Assignees, agent) {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// NextClaimable returns the first PENDING task with all dependencies DONE,
// or nil when no work is available.
func (e *Engine) NextClaimable() (*models.Task, string, error) {
	m, sum, err := e.Load()
	if err != nil {
		return nil, "", err
	}
	status := make(map[int]string, len(m.Tasks))
	for _, t := range m.Tasks {
		status[t.ID] = t.Status
	}
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.Status != models.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if status[dep] != models.TaskDone {
				ready = false
				break
			}
		}
		if ready {
			return t, sum, nil
		}
	}
	return nil, sum, nil
}

func findTask(m *models.Mission, id int) *models.Task {
	for i := range m.Tasks {
		if m.Tasks[i].ID == id {
			return &m.Tasks[i]
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
