// Package supervisor launches worker agents as detached OS processes and
// runs the watchdog that keeps the swarm healthy: sweeping the registry for
// dead workers, returning their tasks to the pool, and relaunching them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/internal/otel"
	"github.com/zczc/nano-agent-team/internal/registry"
	"github.com/zczc/nano-agent-team/pkg/models"
)

// ErrSpawnTimeout is returned when a launched worker never flips its
// registry record to RUNNING within the handshake window.
var ErrSpawnTimeout = errors.New("worker did not register within the spawn timeout")

// SpawnSpec describes one worker to launch.
type SpawnSpec struct {
	Name   string
	Role   string
	Goal   string
	Runner string // external runner command executed per task
	Plan   string // plan index to work from; empty means the central plan
}

// Supervisor owns worker launches and the watchdog sweep. Launch, Kill and
// Now are injectable so the handshake and the sweep are testable without
// real processes.
type Supervisor struct {
	Blackboard string
	Registry   *registry.Registry
	Engine     *mission.Engine
	Audit      *audit.Log
	Log        *slog.Logger

	SpawnTimeout time.Duration
	PollInterval time.Duration
	RespawnLimit int

	Launch func(spec SpawnSpec) (pid int, err error)
	Kill   func(pid int) error
	Now    func() time.Time

	respawns map[string]int
}

// New builds a Supervisor with real process launch and kill.
func New(blackboard string, reg *registry.Registry, eng *mission.Engine, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		Blackboard:   blackboard,
		Registry:     reg,
		Engine:       eng,
		Log:          log,
		SpawnTimeout: time.Duration(models.DefaultSpawnTimeoutSecs) * time.Second,
		PollInterval: 500 * time.Millisecond,
		RespawnLimit: 3,
		Kill:         killPID,
		Now:          time.Now,
		respawns:     make(map[string]int),
	}
	s.Launch = s.launchProcess
	return s
}

// Spawn launches a worker and waits for it to register. On timeout the
// process is killed and its record marked DEAD before ErrSpawnTimeout is
// returned, so a half-started worker never lingers as STARTING.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if spec.Name == "" || spec.Role == "" {
		return 0, errors.New("spawn needs a name and a role")
	}
	if err := s.Registry.RecordSpawn(spec.Name, spec.Role, spec.Goal, 0); err != nil {
		return 0, err
	}
	pid, err := s.Launch(spec)
	if err != nil {
		_ = s.Registry.Deregister(spec.Name, fmt.Sprintf("launch failed: %v", err))
		return 0, err
	}
	if err := s.Registry.NotePID(spec.Name, pid); err != nil {
		return pid, err
	}
	s.Log.Info("worker launched", "name", spec.Name, "role", spec.Role, "pid", pid)
	_ = s.Audit.Record(ctx, audit.KindSpawn, spec.Name, 0, "role="+spec.Role)

	deadline := s.Now().Add(s.SpawnTimeout)
	for {
		rec, ok, err := s.Registry.Get(spec.Name)
		if err != nil {
			return pid, err
		}
		if ok && rec.Status == models.AgentRunning {
			return pid, nil
		}
		if ok && rec.Status == models.AgentDead {
			return pid, fmt.Errorf("worker %s died before registering: %s", spec.Name, rec.ExitReason)
		}
		if s.Now().After(deadline) {
			_ = s.Kill(pid)
			_ = s.Registry.Deregister(spec.Name, "spawn timeout: never registered")
			return pid, fmt.Errorf("%w: %s (pid %d)", ErrSpawnTimeout, spec.Name, pid)
		}
		select {
		case <-ctx.Done():
			_ = s.Kill(pid)
			_ = s.Registry.Deregister(spec.Name, "spawn cancelled")
			return pid, ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// launchProcess starts `<self> agent ...` detached in its own session with
// stdout and stderr redirected to the worker's log file.
func (s *Supervisor) launchProcess(spec SpawnSpec) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	logDir := config.LogsDir(s.Blackboard)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, spec.Name+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logFile.Close() }()

	args := []string{
		"agent",
		"--name", spec.Name,
		"--role", spec.Role,
		"--goal", spec.Goal,
		"--blackboard", s.Blackboard,
	}
	if spec.Runner != "" {
		args = append(args, "--runner", spec.Runner)
	}
	if spec.Plan != "" {
		args = append(args, "--plan", spec.Plan)
	}
	return startDetached(exe, args, logFile)
}

// SweepOnce runs one watchdog pass: liveness verdicts, task reopens for the
// newly dead, and bounded respawns. Returns the names marked DEAD.
func (s *Supervisor) SweepOnce(ctx context.Context) ([]string, error) {
	start := s.Now()
	dead, err := s.Registry.VerifyAndSweep()
	if err != nil {
		return nil, err
	}
	for _, name := range dead {
		s.Log.Warn("worker dead", "name", name)
		_ = s.Audit.Record(ctx, audit.KindDead, name, 0, "")
		s.reopenTasks(ctx, name)
		s.maybeRespawn(ctx, name)
	}

	reg, err := s.Registry.Read()
	if err == nil {
		live := 0
		for _, rec := range reg {
			if rec.Status == models.AgentRunning || rec.Status == models.AgentIdle {
				live++
			}
		}
		otel.SetLiveAgents(live)
	}
	otel.RecordSweep(ctx, s.Now().Sub(start).Seconds())
	return dead, nil
}

// reopenTasks returns every IN_PROGRESS task held by a dead worker to the
// pool so another worker can claim it.
func (s *Supervisor) reopenTasks(ctx context.Context, name string) {
	ids, err := s.Engine.TasksAssignedTo(name)
	if err != nil {
		s.Log.Error("listing tasks of dead worker failed", "name", name, "err", err)
		return
	}
	for _, id := range ids {
		if err := s.Engine.Reopen(id, name); err != nil {
			s.Log.Error("reopen failed", "task", id, "agent", name, "err", err)
			continue
		}
		s.Log.Info("task returned to pool", "task", id, "agent", name)
		otel.RecordReopen(ctx, name)
		_ = s.Audit.Record(ctx, audit.KindReopen, name, id, "")
	}
}

// maybeRespawn relaunches a dead worker under its old name, role and goal,
// up to RespawnLimit times. A worker that keeps dying stays dead.
func (s *Supervisor) maybeRespawn(ctx context.Context, name string) {
	rec, ok, err := s.Registry.Get(name)
	if err != nil || !ok || rec.Role == "" {
		return
	}
	if s.respawns[name] >= s.RespawnLimit {
		s.Log.Warn("respawn limit reached, leaving worker dead", "name", name)
		return
	}
	s.respawns[name]++
	otel.RecordRespawn(ctx, rec.Role)
	_ = s.Audit.Record(ctx, audit.KindRespawn, name, 0,
		fmt.Sprintf("attempt %d/%d", s.respawns[name], s.RespawnLimit))
	if _, err := s.Spawn(ctx, SpawnSpec{Name: name, Role: rec.Role, Goal: rec.Goal}); err != nil {
		s.Log.Error("respawn failed", "name", name, "err", err)
	}
}

// Run drives the watchdog loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Log.Error("watchdog sweep failed", "err", err)
			}
		}
	}
}

func killPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
