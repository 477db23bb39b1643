// Package sandbox confines task runner processes. On Linux with bubblewrap
// installed, runners execute inside a minimal bwrap sandbox where the
// blackboard is read-only and only the designated work directory is
// writable; elsewhere the command runs unconfined.
package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WrapCommand returns an *exec.Cmd that runs binary with args. If
// blackboard is non-empty and bwrap is available on Linux, the command runs
// sandboxed: blackboard read-only, workDir writable. workDir outside the
// filesystem root mounts falls back to an unconfined command.
func WrapCommand(ctx context.Context, blackboard, workDir, binary string, args []string) *exec.Cmd {
	if blackboard == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absBoard, err := filepath.Abs(blackboard)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrapArgs := []string{
		"--ro-bind", absBoard, absBoard,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
	}
	if workDir != "" {
		if absWork, err := filepath.Abs(workDir); err == nil {
			bwrapArgs = append(bwrapArgs, "--bind", absWork, absWork)
		}
	}
	bwrapArgs = append(bwrapArgs, "--", binary)
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}
