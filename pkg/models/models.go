// Package models provides the shared document types stored on the blackboard.
// These types mirror the on-disk JSON exactly and are validated at the index
// store boundary rather than tolerated field-by-field at point of use.
package models

import (
	"fmt"
	"time"
)

// Mission is the root task-graph document held in the mission plan index.
// It is owned by the watchdog; workers only mutate individual tasks inside it.
type Mission struct {
	Goal    string `json:"goal"`
	Status  string `json:"status"` // MissionInProgress or MissionDone
	Summary string `json:"summary,omitempty"`
	Tasks   []Task `json:"tasks"`
}

// Task is one node of the mission dependency graph.
type Task struct {
	ID            int      `json:"id"`
	Type          string   `json:"type,omitempty"` // TaskStandard (default) or TaskStanding
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	Dependencies  []int    `json:"dependencies,omitempty"`
	Assignees     []string `json:"assignees,omitempty"`
	StartTime     string   `json:"start_time,omitempty"`
	EndTime       string   `json:"end_time,omitempty"`
	Artifact      string   `json:"artifact,omitempty"`
	ResultSummary string   `json:"result_summary,omitempty"`
}

// Kind returns the task type, defaulting to standard when unset.
func (t Task) Kind() string {
	if t.Type == TaskStanding {
		return TaskStanding
	}
	return TaskStandard
}

// AgentRecord is one row of the agent registry, written by the worker itself
// (handshake, heartbeats) and by the supervisor (liveness verdicts).
type AgentRecord struct {
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Goal         string  `json:"goal,omitempty"`
	PID          int     `json:"pid"`
	Status       string  `json:"status"`
	SpawnTime    float64 `json:"spawn_time,omitempty"`
	StartTime    float64 `json:"start_time,omitempty"`
	LastActivity float64 `json:"last_activity,omitempty"`
	ExitTime     float64 `json:"exit_time,omitempty"`
	ExitReason   string  `json:"exit_reason,omitempty"`
	Tasks        []int   `json:"tasks,omitempty"`
}

// Message is one mailbox entry. Mailboxes are append-only; reads are
// non-destructive and deduplication is the reader's responsibility (by ID).
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// RoundRecord is one entry of the evolution round history.
type RoundRecord struct {
	Round     int      `json:"round"`
	Verdict   string   `json:"verdict"` // VerdictPass or VerdictFail
	Type      string   `json:"type,omitempty"`
	Branch    string   `json:"branch"`
	Files     []string `json:"files,omitempty"`
	Timestamp string   `json:"timestamp"`
	Reason    string   `json:"reason,omitempty"`
}

// RoundState is the persistent evolution state file, carried across rounds.
type RoundState struct {
	Round          int           `json:"round"`
	CurrentRound   int           `json:"current_round,omitempty"`
	CurrentBranch  string        `json:"current_branch,omitempty"`
	BaseBranch     string        `json:"base_branch,omitempty"`
	Transaction    string        `json:"transaction,omitempty"` // TxOpen, TxCommitted, TxDiscarded, or "" before the first round
	LastSuggestion string        `json:"last_suggestion,omitempty"`
	History        []RoundRecord `json:"history,omitempty"`
	Failures       []string      `json:"failures,omitempty"`
}

// ValidateTask rejects malformed task records at the store boundary.
func ValidateTask(t Task) error {
	switch t.Status {
	case TaskBlocked, TaskPending, TaskInProgress, TaskDone:
	default:
		return fmt.Errorf("task %d: unknown status %q", t.ID, t.Status)
	}
	switch t.Type {
	case "", TaskStandard, TaskStanding:
	default:
		return fmt.Errorf("task %d: unknown type %q", t.ID, t.Type)
	}
	if t.Status == TaskDone && t.ResultSummary == "" {
		return fmt.Errorf("task %d: DONE requires a result_summary", t.ID)
	}
	return nil
}
