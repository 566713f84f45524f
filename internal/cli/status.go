package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/store"
)

var statusCmd = &cobra.Command{
	Use:     "status [run-id]",
	Aliases: []string{"st"},
	Short:   "Show the state of a run",
	Long: `Show the stored snapshot of a run: state, iteration counters, reboot
count and stop reason. Without a run ID the most recent run is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	runID, err := pickRunID(cmd.Context(), st, args)
	if err != nil {
		return err
	}

	snap, err := st.LoadSnapshot(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("unknown run %q", runID)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(snap)
	}
	renderStatus(*snap)
	return nil
}

// pickRunID resolves the run a command refers to: the explicit
// argument, else the most recent stored run.
func pickRunID(ctx context.Context, st *store.Store, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	runs, err := st.ListRuns(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs recorded yet (start one with 'flywheel run')")
	}
	return runs[0].RunID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderStatus(snap runner.Snapshot) {
	printHeader("Run " + snap.RunID)
	printField("State", stateBadge(snap.State))
	printField("Iterations", fmt.Sprintf("%d (%d ok, %d failed, %d skipped)",
		snap.Iteration, snap.Successes, snap.Failures, snap.Skipped))
	printField("Reboots", fmt.Sprintf("%d", snap.Reboots))
	printField("Busy time", formatDuration(snap.BusyTime))
	printField("Progress", fmt.Sprintf("%.0f%%", snap.ConditionProgress*100))
	if snap.SessionID != "" {
		printField("Session", snap.SessionID)
	}
	printField("Started", formatTime(snap.StartedAt))
	printField("Updated", formatTime(snap.UpdatedAt))
	if snap.StopReason != "" {
		printField("Stop reason", snap.StopReason)
	}
	fmt.Println()
}
