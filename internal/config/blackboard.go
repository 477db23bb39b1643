package config

import (
	"context"
	"os"
	"path/filepath"
)

type blackboardKey struct{}

// WithBlackboard stores the blackboard directory in the context.
func WithBlackboard(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, blackboardKey{}, dir)
}

// BlackboardFrom returns the blackboard directory from the context, if set.
func BlackboardFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(blackboardKey{})
	s, ok := v.(string)
	return s, ok
}

// MustBlackboardFrom returns the blackboard directory or panics if unset.
func MustBlackboardFrom(ctx context.Context) string {
	if d, ok := BlackboardFrom(ctx); ok && d != "" {
		return d
	}
	panic("blackboard dir missing from context")
}

// ResolveBlackboard returns the blackboard directory: override flag,
// SWARM_BLACKBOARD env, or ./.blackboard.
func ResolveBlackboard(override string) string {
	if override != "" {
		return filepath.Clean(override)
	}
	if env := os.Getenv("SWARM_BLACKBOARD"); env != "" {
		return filepath.Clean(env)
	}
	return ".blackboard"
}

// IndicesDir is where index documents live.
func IndicesDir(blackboard string) string {
	return filepath.Join(blackboard, "global_indices")
}

// ResourcesDir is the working directory for raw artifacts. Indices point to
// resources; heavy data never lives in an index body.
func ResourcesDir(blackboard string) string {
	return filepath.Join(blackboard, "resources")
}

// LogsDir holds per-agent process logs.
func LogsDir(blackboard string) string {
	return filepath.Join(blackboard, "logs")
}

// RegistryPath is the agent registry file.
func RegistryPath(blackboard string) string {
	return filepath.Join(blackboard, "registry.json")
}

// RoundStatePath is the persistent evolution round state file.
func RoundStatePath(blackboard string) string {
	return filepath.Join(blackboard, "evolution_state.json")
}

// WatchdogLockPath is the singleton lock taken by the coordinating process.
func WatchdogLockPath(blackboard string) string {
	return filepath.Join(blackboard, "watchdog.lock")
}

// AuditDBPath is the watchdog-local event log database.
func AuditDBPath(blackboard string) string {
	return filepath.Join(blackboard, "audit.sqlite")
}

// EnsureLayout creates the blackboard directory tree.
func EnsureLayout(blackboard string) error {
	for _, d := range []string{
		blackboard,
		IndicesDir(blackboard),
		ResourcesDir(blackboard),
		LogsDir(blackboard),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
