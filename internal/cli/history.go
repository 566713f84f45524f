package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show the session reboot history of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Maximum number of reboots to show")
	historyCmd.Flags().Bool("json", false, "Print the raw history as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	runID, err := pickRunID(cmd.Context(), st, args)
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	reboots, err := st.RecentReboots(cmd.Context(), runID, limit)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(reboots)
	}

	printHeader("Reboots for " + runID)
	rows := make([][]string, 0, len(reboots))
	for _, res := range reboots {
		outcome := colorGreen + "ok" + colorReset
		detail := res.Detail
		if !res.Success {
			outcome = colorRed + "failed" + colorReset
			if res.Err != "" {
				detail = res.Err
			}
		}
		sessions := "-"
		if res.OldSessionID != "" || res.NewSessionID != "" {
			sessions = fmt.Sprintf("%s -> %s", res.OldSessionID, res.NewSessionID)
		}
		rows = append(rows, []string{
			formatTime(res.StartedAt),
			string(res.Reason),
			outcome,
			formatDuration(res.Duration),
			sessions,
			truncate(detail, 36),
		})
	}
	printTable([]string{"TIME", "REASON", "RESULT", "TOOK", "SESSIONS", "DETAIL"}, rows)
	fmt.Println()
	return nil
}
