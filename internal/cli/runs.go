package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	runsCmd.Flags().Bool("json", false, "Print the raw snapshots as JSON")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := st.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(runs)
	}

	printHeader("Runs")
	rows := make([][]string, 0, len(runs))
	for _, snap := range runs {
		rows = append(rows, []string{
			snap.RunID,
			stateBadge(snap.State),
			fmt.Sprintf("%d", snap.Iteration),
			formatTime(snap.UpdatedAt),
			truncate(snap.StopReason, 40),
		})
	}
	printTable([]string{"RUN", "STATE", "ITER", "UPDATED", "REASON"}, rows)
	fmt.Println()
	return nil
}
