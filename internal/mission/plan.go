// Package mission implements the task-graph engine on top of the index
// store. The mission plan is one distinguished index whose body carries a
// fenced JSON block: {goal, status, summary, tasks[]}. Everything here goes
// through the store's CAS primitive; the engine holds no state of its own.
package mission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zczc/nano-agent-team/pkg/models"
)

// PlanIndex is the default mission plan index name.
const PlanIndex = "central_plan.md"

const (
	fenceOpen  = "```json"
	fenceClose = "```"
)

// extractPlan pulls the mission out of the fenced JSON block in body and
// returns the block boundaries for in-place replacement.
func extractPlan(body string) (models.Mission, int, int, error) {
	start := strings.Index(body, fenceOpen)
	if start == -1 {
		return models.Mission{}, 0, 0, fmt.Errorf("no JSON block found in plan")
	}
	end := strings.LastIndex(body, fenceClose)
	if end == -1 || end <= start {
		return models.Mission{}, 0, 0, fmt.Errorf("malformed JSON block in plan")
	}
	raw := strings.TrimSpace(body[start+len(fenceOpen) : end])
	var m models.Mission
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Mission{}, 0, 0, fmt.Errorf("parse plan JSON: %w", err)
	}
	return m, start, end, nil
}

// renderPlan writes the mission back into body's JSON block, leaving the
// surrounding prose untouched.
func renderPlan(body string, m models.Mission) (string, error) {
	_, start, end, err := extractPlan(body)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	return body[:start+len(fenceOpen)] + "\n" + string(raw) + "\n" + body[end:], nil
}

// ValidatePlan rejects a mission the engine cannot execute: unknown or
// self-referential dependencies, dependency cycles, malformed task records,
// and tasks left PENDING while a dependency is unresolved.
func ValidatePlan(m models.Mission) error {
	ids := make(map[int]*models.Task, len(m.Tasks))
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if err := models.ValidateTask(*t); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id %d", t.ID)
		}
		ids[t.ID] = t
	}

	for _, t := range m.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %d depends on itself", t.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %d depends on non-existent task %d", t.ID, dep)
			}
		}
	}

	// Cycle check: iterative DFS with a recursion stack.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(m.Tasks))
	var visit func(id int) error
	visit = func(id int) error {
		color[id] = gray
		for _, dep := range ids[id].Dependencies {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected involving task %d", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, t := range m.Tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}

	// A task with an unresolved dependency must be BLOCKED, not PENDING.
	for _, t := range m.Tasks {
		if t.Status != models.TaskPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if ids[dep].Status != models.TaskDone {
				return fmt.Errorf("task %d is PENDING but dependency %d is %s; status should be BLOCKED",
					t.ID, dep, ids[dep].Status)
			}
		}
	}
	return nil
}

// ValidateBody is the store-level validator for the plan index: it parses
// the fenced JSON block and runs ValidatePlan. Registered on the mission
// index so a malformed plan never becomes visible to readers.
func ValidateBody(body string) error {
	m, _, _, err := extractPlan(body)
	if err != nil {
		return err
	}
	return ValidatePlan(m)
}

// PlanHeader is the frontmatter of a plan index. The central plan and
// round-scoped plans share the document shape but carry their own headers.
type PlanHeader struct {
	Name        string
	Description string
	UsagePolicy string
}

// NewPlanDocument renders the initial mission plan index for a goal. Every
// task starts PENDING or BLOCKED depending on its dependencies.
func NewPlanDocument(goal string, tasks []models.Task) (string, error) {
	return NewPlanDocumentWith(PlanHeader{
		Name:        "Central Plan",
		Description: "The mission task graph. Tasks are claimed and finished here.",
		UsagePolicy: "Watchdog owns the mission; workers update only their own tasks via CAS.",
	}, goal, tasks)
}

// NewPlanDocumentWith renders a plan index under a custom header.
func NewPlanDocumentWith(h PlanHeader, goal string, tasks []models.Task) (string, error) {
	for i := range tasks {
		if tasks[i].Status == "" {
			if len(tasks[i].Dependencies) > 0 {
				tasks[i].Status = models.TaskBlocked
			} else {
				tasks[i].Status = models.TaskPending
			}
		}
	}
	m := models.Mission{Goal: goal, Status: models.MissionInProgress, Tasks: tasks}
	if err := ValidatePlan(m); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "---\nname: %q\ndescription: %q\nusage_policy: %q\n---\n# %s\n\n",
		h.Name, h.Description, h.UsagePolicy, h.Name)
	b.WriteString(fenceOpen)
	b.WriteString("\n")
	b.Write(raw)
	b.WriteString("\n")
	b.WriteString(fenceClose)
	b.WriteString("\n")
	return b.String(), nil
}
