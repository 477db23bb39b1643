// Package agent implements the worker process: register with the swarm,
// heartbeat, claim tasks off the mission plan, execute them through an
// external runner command, and report results back to the blackboard.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/mailbox"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/internal/otel"
	"github.com/zczc/nano-agent-team/internal/registry"
	"github.com/zczc/nano-agent-team/internal/sandbox"
	"github.com/zczc/nano-agent-team/pkg/models"
)

// Control message contents a worker reacts to when they arrive in its
// mailbox.
const (
	MsgShutdown = "shutdown"
)

var (
	// ErrRunnerBlocked means the configured runner command line matched
	// the shell deny list.
	ErrRunnerBlocked = errors.New("runner command is blocked")
	// ErrEmptySummary means the runner produced no output to use as the
	// task's result summary.
	ErrEmptySummary = errors.New("runner produced an empty result summary")
)

// Worker is one agent process attached to a blackboard.
type Worker struct {
	Name       string
	Role       string
	Goal       string
	Blackboard string
	Runner     string // external command executed per task
	WorkDir    string // writable directory for the runner

	Registry *registry.Registry
	Engine   *mission.Engine
	Box      *mailbox.Box
	Audit    *audit.Log // optional; claims and finishes are recorded when set
	Log      *slog.Logger

	PollInterval time.Duration
	ParentPID    int

	// RunTask executes one task and returns the result summary. Defaults
	// to the external runner subprocess; injectable for tests.
	RunTask func(ctx context.Context, task models.Task) (summary string, err error)

	seen mailbox.Seen
}

// New builds a worker with the subprocess runner.
func New(name, role, goal, blackboard string, reg *registry.Registry, eng *mission.Engine, box *mailbox.Box, log *slog.Logger) *Worker {
	w := &Worker{
		Name:         name,
		Role:         role,
		Goal:         goal,
		Blackboard:   blackboard,
		Registry:     reg,
		Engine:       eng,
		Box:          box,
		Log:          log,
		PollInterval: 2 * time.Second,
		ParentPID:    os.Getppid(),
		seen:         make(mailbox.Seen),
	}
	w.RunTask = w.runSubprocess
	return w
}

// Run is the worker main loop. It returns when the mission completes, a
// shutdown message arrives, the parent dies, the watchdog declares this
// worker dead, or ctx is cancelled. The registry record is always closed
// out with a reason on the way out.
func (w *Worker) Run(ctx context.Context) error {
	if sandbox.BlockedShellCommand(w.Runner) {
		return fmt.Errorf("%w: %q", ErrRunnerBlocked, w.Runner)
	}
	if err := w.Registry.Register(w.Name, w.Role, os.Getpid()); err != nil {
		return fmt.Errorf("register %s: %w", w.Name, err)
	}
	w.Log.Info("worker registered", "name", w.Name, "role", w.Role, "pid", os.Getpid())

	reason := "normal exit"
	defer func() {
		_ = w.Registry.Deregister(w.Name, reason)
		w.Log.Info("worker exiting", "name", w.Name, "reason", reason)
	}()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			reason = "context cancelled"
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.Registry.Touch(w.Name); err != nil {
			w.Log.Warn("heartbeat failed", "err", err)
		}
		if stop, why := w.shouldStop(); stop {
			reason = why
			return nil
		}

		worked, err := w.Step(ctx)
		if err != nil {
			w.Log.Error("worker step failed", "err", err)
			continue
		}
		if err := w.Registry.SetIdle(w.Name, !worked); err != nil {
			w.Log.Warn("idle flag update failed", "err", err)
		}
		if done, err := w.missionDone(); err == nil && done {
			reason = "mission complete"
			return nil
		}
	}
}

// shouldStop checks the exit conditions that come from outside the loop:
// a shutdown message, a dead parent, or a DEAD verdict from the watchdog.
func (w *Worker) shouldStop() (bool, string) {
	msgs, err := w.Box.Poll(w.Name)
	if err != nil {
		w.Log.Warn("mailbox poll failed", "err", err)
	}
	for _, m := range w.seen.Unseen(msgs) {
		w.Log.Info("message received", "from", m.Sender, "content", m.Content)
		if strings.TrimSpace(m.Content) == MsgShutdown {
			return true, "shutdown requested by " + m.Sender
		}
	}

	if w.ParentPID > 1 && !w.Registry.Alive(w.ParentPID) {
		return true, "parent process gone"
	}

	rec, ok, err := w.Registry.Get(w.Name)
	if err == nil && ok && rec.Status == models.AgentDead {
		// The watchdog's verdict is authoritative even when we disagree.
		return true, "declared dead by watchdog"
	}
	return false, ""
}

// Step performs one unit of work: reconcile the plan, claim the next
// available task, execute it, and finish or reopen it. Returns whether a
// task was worked on.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	if _, err := w.Engine.Reconcile(); err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}
	task, _, err := w.Engine.NextClaimable()
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	if _, err := w.Engine.ClaimWithRetry(task.ID, w.Name); err != nil {
		if errors.Is(err, mission.ErrAlreadyClaimed) ||
			errors.Is(err, mission.ErrDependencyNotSatisfied) ||
			errors.Is(err, mission.ErrClaimRetriesExhausted) {
			// Someone else got there first; not an error, just no work.
			otel.RecordClaim(ctx, w.Name, "lost")
			return false, nil
		}
		return false, err
	}
	otel.RecordClaim(ctx, w.Name, "won")
	_ = w.Audit.Record(ctx, audit.KindClaim, w.Name, task.ID, task.Description)
	w.Log.Info("task claimed", "task", task.ID, "description", task.Description)
	_ = w.Registry.SetTasks(w.Name, []int{task.ID})

	summary, err := w.RunTask(ctx, *task)
	if err != nil {
		w.Log.Error("task execution failed, returning to pool", "task", task.ID, "err", err)
		if rerr := w.Engine.Reopen(task.ID, w.Name); rerr != nil {
			w.Log.Error("reopen after failure failed", "task", task.ID, "err", rerr)
		}
		_ = w.Registry.SetTasks(w.Name, nil)
		return true, err
	}

	if err := w.Engine.FinishWithRetry(task.ID, w.Name, summary, ""); err != nil {
		return true, fmt.Errorf("finish task %d: %w", task.ID, err)
	}
	_ = w.Audit.Record(ctx, audit.KindFinish, w.Name, task.ID, summary)
	w.Log.Info("task done", "task", task.ID, "summary", summary)
	_ = w.Registry.SetTasks(w.Name, nil)
	return true, nil
}

func (w *Worker) missionDone() (bool, error) {
	m, _, err := w.Engine.Load()
	if err != nil {
		return false, err
	}
	if len(m.Tasks) == 0 {
		return false, nil
	}
	for _, t := range m.Tasks {
		if t.Status != models.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

// runSubprocess executes the configured runner with the task as JSON on
// stdin and takes trimmed stdout as the result summary. The runner runs
// sandboxed when bubblewrap is available.
func (w *Worker) runSubprocess(ctx context.Context, task models.Task) (string, error) {
	if w.Runner == "" {
		return "", errors.New("no runner command configured")
	}
	fields := strings.Fields(w.Runner)
	cmd := sandbox.WrapCommand(ctx, w.Blackboard, w.WorkDir, fields[0], fields[1:])

	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	if w.WorkDir != "" {
		cmd.Dir = w.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("runner failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	summary := strings.TrimSpace(stdout.String())
	if summary == "" {
		return "", ErrEmptySummary
	}
	return summary, nil
}
