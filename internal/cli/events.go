package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show the recorded event journal of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	eventsCmd.Flags().Bool("json", false, "Print the raw events as JSON")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
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
	evs, err := st.RecentEvents(cmd.Context(), runID, limit)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(evs)
	}

	printHeader("Events for " + runID)
	for _, ev := range evs {
		line := fmt.Sprintf("  %s%s%s  %-20s", colorDim, ev.Timestamp.Local().Format("15:04:05"), colorReset, ev.Kind)
		if ev.Iteration > 0 {
			line += fmt.Sprintf(" iter=%d", ev.Iteration)
		}
		if data := compactData(ev.Data); data != "" {
			line += "  " + colorDim + data + colorReset
		}
		fmt.Println(line)
	}
	if len(evs) == 0 {
		fmt.Println(colorDim + "  (none)" + colorReset)
	}
	fmt.Println()
	return nil
}

// compactData renders an event payload as sorted key=value pairs.
func compactData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return truncate(strings.Join(parts, " "), 100)
}
