package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/workspace"
)

func newRoundCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "round",
		Short: "Drive evolution rounds (git worktree transactions)",
	}
	cmd.PersistentFlags().StringVar(&repo, "repo", ".", "Repository the rounds evolve")

	mgr := func(cmd *cobra.Command) (*workspace.Manager, error) {
		store, bb, err := openStore(cmd)
		if err != nil {
			return nil, err
		}
		m := workspace.NewManager(repo,
			filepath.Join(bb, "worktrees"),
			config.RoundStatePath(bb),
			store,
			slog.Default())
		if l, err := audit.Open(config.AuditDBPath(bb)); err == nil {
			m.Audit = l
		}
		return m, nil
	}

	open := &cobra.Command{
		Use:   "open <round>",
		Short: "Open a round: new worktree on branch evolution/r<N> plus its implement/verify plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, err := parseRound(args[0])
			if err != nil {
				return err
			}
			m, err := mgr(cmd)
			if err != nil {
				return err
			}
			if err := m.Recover(cmd.Context()); err != nil {
				return err
			}
			base, _ := cmd.Flags().GetString("base")
			suggestion, _ := cmd.Flags().GetString("suggestion")
			dir, err := m.Open(cmd.Context(), round, base, suggestion)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Round %d open at %s (plan: %s)\n",
				round, dir, workspace.RoundPlanIndex(round))
			return nil
		},
	}
	open.Flags().String("base", "", "Base ref for the round branch (default: HEAD)")
	open.Flags().String("suggestion", "", "What the round's implement task should do")

	commit := &cobra.Command{
		Use:   "commit <round>",
		Short: "Commit a round whose verify task passed: stage changed files, commit, drop the worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, err := parseRound(args[0])
			if err != nil {
				return err
			}
			m, err := mgr(cmd)
			if err != nil {
				return err
			}
			desc, _ := cmd.Flags().GetString("description")
			files, err := m.Commit(cmd.Context(), round, desc)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Round %d committed (%d files)\n", round, len(files))
			return nil
		},
	}
	commit.Flags().String("description", "improvement", "Commit description")

	discard := &cobra.Command{
		Use:   "discard <round>",
		Short: "Discard a FAIL round: drop the worktree, keep the branch at base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, err := parseRound(args[0])
			if err != nil {
				return err
			}
			m, err := mgr(cmd)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			if err := m.Discard(cmd.Context(), round, reason); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Round %d discarded\n", round)
			return nil
		},
	}
	discard.Flags().String("reason", "", "Why the round failed")

	state := &cobra.Command{
		Use:   "state",
		Short: "Print the round state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := mgr(cmd)
			if err != nil {
				return err
			}
			st, err := m.LoadState()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "round=%d transaction=%s branch=%s base=%s\n",
				st.CurrentRound, st.Transaction, st.CurrentBranch, st.BaseBranch)
			if st.LastSuggestion != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "suggestion: %s\n", st.LastSuggestion)
			}
			for _, h := range st.History {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  r%-3d %-4s %s %s %s\n",
					h.Round, h.Verdict, h.Branch, h.Timestamp, h.Reason)
			}
			return nil
		},
	}

	cmd.AddCommand(open, commit, discard, state)
	return cmd
}

func parseRound(s string) (int, error) {
	var round int
	if _, err := fmt.Sscanf(s, "%d", &round); err != nil || round <= 0 {
		return 0, fmt.Errorf("round must be a positive integer, got %q", s)
	}
	return round, nil
}
