package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/config"
	"github.com/flywheeldev/flywheel/internal/stopcond"
)

var conditionsCmd = &cobra.Command{
	Use:   "conditions",
	Short: "Work with stop conditions",
}

var conditionsCheckCmd = &cobra.Command{
	Use:   "check [run-file]",
	Short: "Dry-run the stop conditions from a run definition",
	Long: `Build the condition pools from a run definition (default:
./flywheel.toml) and evaluate them once against a fabricated loop
state. Nothing is executed; this answers "would the loop stop right
now, and why".

Examples:
  flywheel conditions check
  flywheel conditions check --iteration 50
  flywheel conditions check --output last-output.txt --failures 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConditionsCheck,
}

func init() {
	conditionsCheckCmd.Flags().Int("iteration", 0, "Pretend this many iterations have run")
	conditionsCheckCmd.Flags().String("elapsed", "", "Pretend the run has been going this long (e.g. 90m)")
	conditionsCheckCmd.Flags().Int("failures", 0, "Pretend this many consecutive failures")
	conditionsCheckCmd.Flags().String("output", "", "Read recent agent output from this file")
	conditionsCheckCmd.Flags().Bool("signal", false, "Pretend the user signal was raised")
	conditionsCheckCmd.Flags().Bool("json", false, "Print the evaluation result as JSON")
	conditionsCmd.AddCommand(conditionsCheckCmd)
	rootCmd.AddCommand(conditionsCmd)
}

func runConditionsCheck(cmd *cobra.Command, args []string) error {
	file := "flywheel.toml"
	if len(args) == 1 {
		file = args[0]
	}

	def, err := config.LoadRunDef(file)
	if err != nil {
		return err
	}
	pools, opts, err := def.Conditions.Build()
	if err != nil {
		return err
	}
	if pools.Empty() {
		fmt.Println("No conditions configured; the loop runs until the iteration cap or a manual stop.")
		return nil
	}

	ec := stopcond.Context{WorkDir: def.WorkDir}
	ec.Iteration, _ = cmd.Flags().GetInt("iteration")
	ec.ConsecutiveFailures, _ = cmd.Flags().GetInt("failures")
	ec.UserSignal, _ = cmd.Flags().GetBool("signal")
	if elapsed, _ := cmd.Flags().GetString("elapsed"); elapsed != "" {
		d, err := time.ParseDuration(elapsed)
		if err != nil {
			return fmt.Errorf("--elapsed: %w", err)
		}
		ec.Elapsed = d
	}
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("--output: %w", err)
		}
		ec.RecentOutput = string(raw)
	}

	res := stopcond.NewEvaluator(pools, opts).Evaluate(cmd.Context(), ec)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(res)
	}
	renderEvaluation(res)
	return nil
}

func renderEvaluation(res stopcond.EvaluationResult) {
	printHeader("Condition check")
	switch {
	case res.ShouldStop && res.IsSuccess:
		printField("Verdict", colorGreen+"would stop (success)"+colorReset)
	case res.ShouldStop:
		printField("Verdict", colorRed+"would stop (failure)"+colorReset)
	default:
		printField("Verdict", colorBlue+"would keep going"+colorReset)
	}
	if res.TriggeredBy != "" {
		printField("Triggered by", res.TriggeredBy)
	}
	if res.Reason != "" {
		printField("Reason", res.Reason)
	}
	printField("Progress", fmt.Sprintf("%.0f%%", res.OverallProgress*100))
	fmt.Println()

	rows := make([][]string, 0, len(res.Results))
	for _, cr := range res.Results {
		met := colorDim + "no" + colorReset
		if cr.Met {
			met = colorGreen + "yes" + colorReset
		}
		rows = append(rows, []string{
			cr.Condition,
			string(cr.Pool),
			met,
			fmt.Sprintf("%.0f%%", cr.Progress*100),
			truncate(cr.Reason, 48),
		})
	}
	printTable([]string{"CONDITION", "POOL", "MET", "PROGRESS", "REASON"}, rows)
	fmt.Println()
}
