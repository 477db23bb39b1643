// Package registry maintains the agent liveness registry: one JSON file of
// AgentRecords, mutated under an exclusive file lock. Unlike indices, the
// registry is not CAS-versioned; every mutation is a field-level merge
// applied inside the lock, which is safe because records are keyed by agent
// name and writers only touch their own rows (plus the supervisor, whose
// liveness verdicts are authoritative and never contested).
package registry

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/zczc/nano-agent-team/pkg/models"

	"github.com/zczc/nano-agent-team/internal/lockfile"
)

// Registry wraps the registry file. Now and Alive are injectable so the
// liveness sweep is testable with a fake clock and fake processes.
type Registry struct {
	Path        string
	LockTimeout time.Duration
	Now         func() time.Time
	Alive       func(pid int) bool

	// StartingGrace is how long a STARTING record is exempt from PID checks.
	StartingGrace time.Duration
	// LivenessThreshold marks a RUNNING/IDLE record DEAD when its
	// last_activity is older than this.
	LivenessThreshold time.Duration
}

// New returns a Registry at path with default timings, creating an empty
// registry file if none exists.
func New(path string) (*Registry, error) {
	r := &Registry{
		Path:              path,
		LockTimeout:       time.Duration(models.DefaultLockTimeoutSecs) * time.Second,
		Now:               time.Now,
		Alive:             pidAlive,
		StartingGrace:     time.Duration(models.DefaultStartingGraceSecs) * time.Second,
		LivenessThreshold: time.Duration(models.DefaultLivenessSecs) * time.Second,
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := r.mutate(func(map[string]*models.AgentRecord) {}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Read returns the full registry under a shared lock. A missing or
// unparsable file reads as empty, matching the append-only spirit of the
// blackboard: a worker must never crash because the registry is mid-write.
func (r *Registry) Read() (map[string]models.AgentRecord, error) {
	out := make(map[string]models.AgentRecord)
	err := lockfile.WithShared(r.Path, r.LockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		var m map[string]models.AgentRecord
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		out = m
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mutate is the single write path: read-modify-write under the exclusive
// lock.
func (r *Registry) mutate(fn func(reg map[string]*models.AgentRecord)) error {
	return lockfile.WithExclusive(r.Path, r.LockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		reg := make(map[string]*models.AgentRecord)
		if len(raw) > 0 {
			// A corrupt registry is rebuilt rather than fatal.
			_ = json.Unmarshal(raw, &reg)
		}
		fn(reg)
		out, err := json.MarshalIndent(reg, "", "  ")
		if err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err = f.Write(out)
		return err
	})
}

// RecordSpawn writes a STARTING row for a freshly launched worker. Called
// by the supervisor before the handshake window opens.
func (r *Registry) RecordSpawn(name, role, goal string, pid int) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		reg[name] = &models.AgentRecord{
			Name:      name,
			Role:      role,
			Goal:      goal,
			PID:       pid,
			Status:    models.AgentStarting,
			SpawnTime: now,
		}
	})
}

// NotePID records the launched PID on a row that is still STARTING. A
// worker that already flipped itself to RUNNING wrote its own PID, so the
// row is left alone in that case.
func (r *Registry) NotePID(name string, pid int) error {
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		if rec, ok := reg[name]; ok && rec.Status == models.AgentStarting {
			rec.PID = pid
		}
	})
}

// Register is the worker's side of the handshake: it flips its own row to
// RUNNING and stamps start/last-activity. The spawn_time written by the
// supervisor is preserved for grace-period tracking.
func (r *Registry) Register(name, role string, pid int) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		rec, ok := reg[name]
		if !ok {
			rec = &models.AgentRecord{Name: name}
			reg[name] = rec
		}
		rec.Role = role
		rec.PID = pid
		rec.Status = models.AgentRunning
		rec.StartTime = now
		rec.LastActivity = now
	})
}

// Touch refreshes the worker's last_activity heartbeat.
func (r *Registry) Touch(name string) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		if rec, ok := reg[name]; ok {
			rec.LastActivity = now
		}
	})
}

// SetIdle flips a live record between RUNNING and IDLE. DEAD and STARTING
// rows are left alone.
func (r *Registry) SetIdle(name string, idle bool) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		rec, ok := reg[name]
		if !ok {
			return
		}
		switch rec.Status {
		case models.AgentRunning:
			if idle {
				rec.Status = models.AgentIdle
			}
		case models.AgentIdle:
			if !idle {
				rec.Status = models.AgentRunning
			}
		default:
			return
		}
		rec.LastActivity = now
	})
}

// SetTasks records which task ids the agent currently holds.
func (r *Registry) SetTasks(name string, tasks []int) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		if rec, ok := reg[name]; ok {
			rec.Tasks = tasks
			rec.LastActivity = now
		}
	})
}

// Deregister marks an agent DEAD with a reason. Normal exits go through
// here too; DEAD means "no longer part of the swarm".
func (r *Registry) Deregister(name, reason string) error {
	now := unix(r.Now())
	return r.mutate(func(reg map[string]*models.AgentRecord) {
		rec, ok := reg[name]
		if !ok || rec.Status == models.AgentDead {
			// The first verdict sticks; a late self-deregister never
			// overwrites the watchdog's reason.
			return
		}
		rec.Status = models.AgentDead
		rec.ExitTime = now
		rec.ExitReason = reason
	})
}

// Get returns one agent's record.
func (r *Registry) Get(name string) (models.AgentRecord, bool, error) {
	reg, err := r.Read()
	if err != nil {
		return models.AgentRecord{}, false, err
	}
	rec, ok := reg[name]
	return rec, ok, nil
}

// IsActive reports whether the agent is a live swarm member.
func (r *Registry) IsActive(name string) (bool, error) {
	rec, ok, err := r.Get(name)
	if err != nil || !ok {
		return false, err
	}
	switch rec.Status {
	case models.AgentRunning, models.AgentIdle, models.AgentStarting:
		return true, nil
	}
	return false, nil
}

// VerifyAndSweep checks every record and flags dead workers:
//   - DEAD rows are left untouched (exit_time is never overwritten).
//   - STARTING rows get the grace period before any PID check.
//   - RUNNING/IDLE rows must pass the PID check AND have a fresh
//     last_activity; either failure is a DEAD verdict.
//
// Returns the names newly marked DEAD in this sweep. The supervisor's view
// is authoritative: workers never contest the verdict.
func (r *Registry) VerifyAndSweep() ([]string, error) {
	var newlyDead []string
	now := r.Now()
	err := r.mutate(func(reg map[string]*models.AgentRecord) {
		for name, rec := range reg {
			switch rec.Status {
			case models.AgentDead:
				continue
			case models.AgentStarting:
				spawn := rec.SpawnTime
				if spawn == 0 {
					spawn = rec.StartTime
				}
				if now.Sub(fromUnix(spawn)) < r.StartingGrace {
					continue
				}
				// Grace expired: fall through to the PID check.
			}

			dead := !r.Alive(rec.PID)
			if !dead && rec.Status != models.AgentStarting && rec.LastActivity > 0 {
				dead = now.Sub(fromUnix(rec.LastActivity)) > r.LivenessThreshold
			}
			if dead {
				rec.Status = models.AgentDead
				if rec.ExitTime == 0 {
					rec.ExitTime = unix(now)
				}
				if rec.ExitReason == "" {
					rec.ExitReason = "liveness check failed (no heartbeat or PID gone)"
				}
				newlyDead = append(newlyDead, name)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return newlyDead, nil
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
