package sandbox

import (
	"strings"
)

// shellDenyList contains substrings that must not appear in a runner
// command line. Checked before the worker executes its configured runner.
var shellDenyList = []string{
	"rm -rf .git",
	"rm -rf /",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	":(){ :|:& };:", // fork bomb
}

// disallowedGitCommands are git operations reserved for the watchdog.
// Workers operate inside a worktree and must not touch branch topology.
var disallowedGitCommands = []string{
	"git rebase",
	"git merge",
	"git pull",
	"git push",
	"git fetch",
	"git checkout",
	"git switch",
	"git reset --hard",
	"git worktree",
	"git branch ",
	"git branch -",
	"git remote",
	"git filter-branch",
	"git reflog expire",
}

// BlockedShellCommand returns true if the command line contains any denied
// substring. Matching is case-insensitive.
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range shellDenyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	return false
}

// BlockedGitCommand returns true if the git arguments (argv after "git")
// form a disallowed git command.
func BlockedGitCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	lower := strings.ToLower("git " + strings.TrimSpace(strings.Join(args, " ")))
	for _, dis := range disallowedGitCommands {
		if strings.HasPrefix(lower, strings.ToLower(dis)) {
			return true
		}
	}
	return false
}
