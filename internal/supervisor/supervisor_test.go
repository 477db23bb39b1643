package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/mission"
	"github.com/zczc/nano-agent-team/internal/registry"
	"github.com/zczc/nano-agent-team/pkg/models"
)

type fixture struct {
	sup   *Supervisor
	reg   *registry.Registry
	eng   *mission.Engine
	alive map[int]bool

	mu       sync.Mutex
	launched []SpawnSpec
	killed   []int
	now      time.Time
}

func newFixture(t *testing.T, tasks []models.Task) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	store, err := index.New(filepath.Join(dir, "global_indices"))
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	eng := mission.NewEngine(store, mission.PlanIndex)
	if tasks != nil {
		doc, err := mission.NewPlanDocument("test mission", tasks)
		if err != nil {
			t.Fatalf("NewPlanDocument: %v", err)
		}
		if err := store.Create(mission.PlanIndex, doc); err != nil {
			t.Fatalf("Create plan: %v", err)
		}
	}

	f := &fixture{
		reg:   reg,
		eng:   eng,
		alive: map[int]bool{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	reg.Now = func() time.Time { return f.Now() }
	reg.Alive = func(pid int) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.alive[pid]
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := New(dir, reg, eng, log)
	sup.Now = func() time.Time { return f.Now() }
	sup.SpawnTimeout = 50 * time.Millisecond
	sup.PollInterval = time.Millisecond
	sup.Kill = func(pid int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.killed = append(f.killed, pid)
		return nil
	}
	f.sup = sup
	return f
}

func (f *fixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// registeringLauncher simulates a worker that comes up immediately: it
// records the launch and flips its own registry record to RUNNING.
func (f *fixture) registeringLauncher(pidStart int) func(SpawnSpec) (int, error) {
	return func(spec SpawnSpec) (int, error) {
		f.mu.Lock()
		f.launched = append(f.launched, spec)
		pid := pidStart + len(f.launched)
		f.alive[pid] = true
		f.mu.Unlock()
		if err := f.reg.Register(spec.Name, spec.Role, pid); err != nil {
			return 0, err
		}
		return pid, nil
	}
}

func TestSpawnHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sup.Launch = f.registeringLauncher(100)

	pid, err := f.sup.Spawn(context.Background(), SpawnSpec{Name: "coder-1", Role: "coder", Goal: "g"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid != 101 {
		t.Fatalf("pid = %d, want 101", pid)
	}
	rec, ok, _ := f.reg.Get("coder-1")
	if !ok || rec.Status != models.AgentRunning {
		t.Fatalf("record after handshake: %+v", rec)
	}
}

func TestSpawnTimeoutKillsAndMarksDead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	// Launcher never registers; the handshake deadline must fire.
	f.sup.Now = time.Now
	f.sup.SpawnTimeout = 20 * time.Millisecond
	f.sup.Launch = func(spec SpawnSpec) (int, error) {
		return 200, nil
	}

	_, err := f.sup.Spawn(context.Background(), SpawnSpec{Name: "stuck-1", Role: "coder"})
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("err = %v, want ErrSpawnTimeout", err)
	}
	f.mu.Lock()
	killed := len(f.killed) == 1 && f.killed[0] == 200
	f.mu.Unlock()
	if !killed {
		t.Fatalf("stuck worker not killed: %v", f.killed)
	}
	rec, _, _ := f.reg.Get("stuck-1")
	if rec.Status != models.AgentDead {
		t.Fatalf("record after timeout = %+v, want DEAD", rec)
	}
}

func TestSpawnLaunchFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sup.Launch = func(SpawnSpec) (int, error) {
		return 0, errors.New("exec: not found")
	}

	_, err := f.sup.Spawn(context.Background(), SpawnSpec{Name: "x", Role: "coder"})
	if err == nil {
		t.Fatal("expected launch error")
	}
	rec, _, _ := f.reg.Get("x")
	if rec.Status != models.AgentDead {
		t.Fatalf("failed launch left record %+v", rec)
	}
}

func TestSweepReopensTasksOfDeadWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []models.Task{{ID: 1, Description: "task A"}})
	f.sup.RespawnLimit = 0

	f.mu.Lock()
	f.alive[300] = true
	f.mu.Unlock()
	if err := f.reg.Register("coder-1", "coder", 300); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.eng.ClaimWithRetry(1, "coder-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Worker dies: PID gone.
	f.mu.Lock()
	f.alive[300] = false
	f.mu.Unlock()

	dead, err := f.sup.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(dead) != 1 || dead[0] != "coder-1" {
		t.Fatalf("dead = %v", dead)
	}
	m, _, err := f.eng.Load()
	if err != nil {
		t.Fatal(err)
	}
	task := m.Tasks[0]
	if task.Status != models.TaskPending || len(task.Assignees) != 0 {
		t.Fatalf("task not returned to pool: %+v", task)
	}
}

func TestSweepRespawnsUpToLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sup.RespawnLimit = 2
	f.sup.Launch = f.registeringLauncher(400)

	f.mu.Lock()
	f.alive[399] = true
	f.mu.Unlock()
	if err := f.reg.Register("coder-1", "coder", 399); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 3; i++ {
		// Kill whatever PID the worker currently has.
		rec, _, _ := f.reg.Get("coder-1")
		f.mu.Lock()
		f.alive[rec.PID] = false
		f.mu.Unlock()
		if _, err := f.sup.SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	f.mu.Lock()
	launches := len(f.launched)
	f.mu.Unlock()
	if launches != 2 {
		t.Fatalf("respawned %d times, want exactly RespawnLimit=2", launches)
	}
	rec, _, _ := f.reg.Get("coder-1")
	if rec.Status != models.AgentDead {
		t.Fatalf("worker should stay dead after limit: %+v", rec)
	}
}

func TestSingletonLockExcludesSecondWatchdog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	lock, err := AcquireSingleton(dir)
	if err != nil {
		t.Fatalf("first AcquireSingleton: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireSingleton(dir); !errors.Is(err, ErrWatchdogRunning) {
		t.Fatalf("second acquire err = %v, want ErrWatchdogRunning", err)
	}

	lock.Release()
	lock2, err := AcquireSingleton(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lock2.Release()
}
