package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage flywheel-created git worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active flywheel worktrees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := worktreeManager(cmd)
		if err != nil {
			return err
		}
		active, err := mgr.ListActive(cmd.Context())
		if err != nil {
			return err
		}

		printHeader("Worktrees")
		rows := make([][]string, 0, len(active))
		for _, wt := range active {
			rows = append(rows, []string{wt.Branch, wt.Path})
		}
		printTable([]string{"BRANCH", "PATH"}, rows)
		fmt.Println()
		return nil
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove flywheel worktrees left behind by crashed runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := worktreeManager(cmd)
		if err != nil {
			return err
		}

		if olderThan, _ := cmd.Flags().GetDuration("older-than"); olderThan > 0 {
			removed, err := mgr.CleanupStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale worktree(s)\n", removed)
			return nil
		}

		if err := mgr.CleanupAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Removed all flywheel worktrees")
		return nil
	},
}

func init() {
	worktreeCmd.PersistentFlags().String("repo", ".", "Repository to operate on")
	worktreeCleanupCmd.Flags().Duration("older-than", 0, "Only remove worktrees idle longer than this (e.g. 24h)")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeManager(cmd *cobra.Command) (*worktree.Manager, error) {
	repo, _ := cmd.Flags().GetString("repo")
	root, err := worktree.RepoRoot(cmd.Context(), repo)
	if err != nil {
		return nil, err
	}
	return worktree.NewManager(root), nil
}
