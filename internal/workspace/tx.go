package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/internal/otel"
	"github.com/zczc/nano-agent-team/pkg/models"
)

var (
	// ErrTransactionOpenFailure means the round worktree could not be
	// created even after cleaning a stale occupant.
	ErrTransactionOpenFailure = errors.New("workspace transaction could not be opened")
	// ErrCommitFailure means the round produced nothing to commit.
	ErrCommitFailure = errors.New("round produced no changes to commit")
	// ErrNoOpenTransaction means Commit or Discard was called with no
	// round in flight.
	ErrNoOpenTransaction = errors.New("no open workspace transaction")
)

// Manager drives one repository's evolution rounds. State is persisted in
// the round state file so any process (usually the watchdog) can recover.
type Manager struct {
	Repo      string       // path of the main repository
	Worktrees string       // directory that holds round worktrees
	StatePath string       // evolution_state.json
	Plans     *index.Store // holds the per-round plan indices
	Audit     *audit.Log   // optional; verdicts are recorded when set
	Log       *slog.Logger
	Now       func() time.Time
}

// NewManager wires a Manager for repo with state under blackboard paths.
func NewManager(repo, worktrees, statePath string, plans *index.Store, log *slog.Logger) *Manager {
	return &Manager{Repo: repo, Worktrees: worktrees, StatePath: statePath, Plans: plans, Log: log, Now: time.Now}
}

// BranchName returns the permanent branch for a round.
func BranchName(round int) string {
	return fmt.Sprintf("evolution/r%d", round)
}

// WorktreeDir returns where a round's worktree lives.
func (m *Manager) WorktreeDir(round int) string {
	return filepath.Join(m.Worktrees, fmt.Sprintf("r%d", round))
}

// Open starts round N as a worktree on a fresh branch off base. A stale
// occupant at the worktree path (a leftover worktree or a plain directory)
// is cleaned once and the add retried once; a second failure is
// ErrTransactionOpenFailure. A round-scoped plan index holding the
// implement/verify task pair is created (suggestion becomes the implement
// task), and the open round is recorded in the state file before the method
// returns.
func (m *Manager) Open(ctx context.Context, round int, base, suggestion string) (string, error) {
	st, err := m.LoadState()
	if err != nil {
		return "", err
	}
	if st.Transaction == models.TxOpen {
		return "", fmt.Errorf("%w: round %d is still open", ErrTransactionOpenFailure, st.CurrentRound)
	}

	branch := BranchName(round)
	dir := m.WorktreeDir(round)
	if err := os.MkdirAll(m.Worktrees, 0o755); err != nil {
		return "", err
	}

	addErr := m.worktreeAdd(ctx, dir, branch, base)
	if addErr != nil {
		m.Log.Warn("worktree add failed, cleaning stale occupant", "dir", dir, "err", addErr)
		m.cleanOccupant(ctx, dir, branch)
		if addErr = m.worktreeAdd(ctx, dir, branch, base); addErr != nil {
			return "", fmt.Errorf("%w: %v", ErrTransactionOpenFailure, addErr)
		}
	}

	if err := m.createRoundPlan(round, suggestion); err != nil {
		m.removeWorktree(ctx, dir)
		return "", fmt.Errorf("round %d plan: %w", round, err)
	}

	err = m.UpdateState(func(st *models.RoundState) {
		st.Round = round
		st.CurrentRound = round
		st.CurrentBranch = branch
		st.BaseBranch = base
		st.Transaction = models.TxOpen
		st.LastSuggestion = suggestion
	})
	if err != nil {
		return "", err
	}
	m.Log.Info("round opened", "round", round, "branch", branch, "dir", dir, "plan", RoundPlanIndex(round))
	return dir, nil
}

func (m *Manager) worktreeAdd(ctx context.Context, dir, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, dir}
	if base != "" {
		args = append(args, base)
	}
	_, err := git(ctx, m.Repo, args...)
	return err
}

// cleanOccupant removes whatever blocks the worktree path: a registered
// worktree is removed through git, anything else through the filesystem.
// A leftover branch from a crashed round is deleted so add -b can recreate it.
func (m *Manager) cleanOccupant(ctx context.Context, dir, branch string) {
	if isWorktree(ctx, m.Repo, dir) {
		if _, err := git(ctx, m.Repo, "worktree", "remove", "--force", dir); err != nil {
			m.Log.Warn("stale worktree removal failed", "dir", dir, "err", err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		m.Log.Warn("stale directory removal failed", "dir", dir, "err", err)
	}
	_, _ = git(ctx, m.Repo, "worktree", "prune")
	if branchExists(ctx, m.Repo, branch) {
		if _, err := git(ctx, m.Repo, "branch", "-D", branch); err != nil {
			m.Log.Warn("stale branch removal failed", "branch", branch, "err", err)
		}
	}
}

// Commit closes the round with a PASS verdict. Valid only once the round's
// verify task is DONE with a result asserting success; then exactly the
// files changed in the worktree are staged and committed, the worktree is
// removed, and the branch is kept forever. Zero changed files is
// ErrCommitFailure and the transaction stays open for a Discard decision by
// the caller.
func (m *Manager) Commit(ctx context.Context, round int, description string) ([]string, error) {
	st, err := m.LoadState()
	if err != nil {
		return nil, err
	}
	if st.Transaction != models.TxOpen || st.CurrentRound != round {
		return nil, fmt.Errorf("%w: round %d", ErrNoOpenTransaction, round)
	}
	passed, detail, err := m.verifyOutcome(round)
	if err != nil {
		return nil, err
	}
	if !passed {
		return nil, fmt.Errorf("%w: round %d: %s", ErrVerifyNotPassed, round, detail)
	}
	dir := m.WorktreeDir(round)

	files, err := changedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: round %d", ErrCommitFailure, round)
	}
	for _, f := range files {
		if _, err := git(ctx, dir, "add", "--", f); err != nil {
			return nil, err
		}
	}
	msg := fmt.Sprintf("evolution(r%d): %s", round, description)
	if _, err := git(ctx, dir, "commit", "-m", msg); err != nil {
		return nil, err
	}
	m.removeWorktree(ctx, dir)

	err = m.UpdateState(func(st *models.RoundState) {
		st.Transaction = models.TxCommitted
		st.History = append(st.History, models.RoundRecord{
			Round:     round,
			Verdict:   models.VerdictPass,
			Branch:    st.CurrentBranch,
			Files:     files,
			Timestamp: m.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}
	otel.RecordVerdict(ctx, models.VerdictPass)
	_ = m.Audit.Record(ctx, audit.KindVerdict, "", round, models.VerdictPass+": "+description)
	m.Log.Info("round committed", "round", round, "files", len(files))
	return files, nil
}

// Discard closes the round with a FAIL verdict: the worktree is removed
// with everything in it, no commit is made, and the branch stays pointing
// at base.
func (m *Manager) Discard(ctx context.Context, round int, reason string) error {
	st, err := m.LoadState()
	if err != nil {
		return err
	}
	if st.Transaction != models.TxOpen || st.CurrentRound != round {
		return fmt.Errorf("%w: round %d", ErrNoOpenTransaction, round)
	}
	m.removeWorktree(ctx, m.WorktreeDir(round))

	err = m.UpdateState(func(st *models.RoundState) {
		st.Transaction = models.TxDiscarded
		st.History = append(st.History, models.RoundRecord{
			Round:     round,
			Verdict:   models.VerdictFail,
			Branch:    st.CurrentBranch,
			Timestamp: m.Now().UTC().Format(time.RFC3339),
			Reason:    reason,
		})
		if reason != "" {
			st.Failures = append(st.Failures, fmt.Sprintf("r%d: %s", round, reason))
		}
	})
	if err != nil {
		return err
	}
	otel.RecordVerdict(ctx, models.VerdictFail)
	_ = m.Audit.Record(ctx, audit.KindVerdict, "", round, models.VerdictFail+": "+reason)
	m.Log.Info("round discarded", "round", round, "reason", reason)
	return nil
}

// Recover discards a transaction left OPEN by a crashed process. Called at
// watchdog startup before any new round opens.
func (m *Manager) Recover(ctx context.Context) error {
	st, err := m.LoadState()
	if err != nil {
		return err
	}
	if st.Transaction != models.TxOpen {
		return nil
	}
	m.Log.Warn("recovering interrupted round", "round", st.CurrentRound)
	return m.Discard(ctx, st.CurrentRound, "recovered after interrupted round")
}

func (m *Manager) removeWorktree(ctx context.Context, dir string) {
	if _, err := git(ctx, m.Repo, "worktree", "remove", dir); err == nil {
		return
	}
	if _, err := git(ctx, m.Repo, "worktree", "remove", "--force", dir); err != nil {
		m.Log.Warn("worktree removal failed", "dir", dir, "err", err)
		_ = os.RemoveAll(dir)
		_, _ = git(ctx, m.Repo, "worktree", "prune")
	}
}
