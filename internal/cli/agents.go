package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/agent"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the builtin agent presets",
	Long: `List the agent presets that can be named in a run definition's
[agent] section. Installed binaries are resolved from PATH and the
usual install locations and probed for their version.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	builtin := agent.Builtin()
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)

	detected := make(map[string]agent.Detected)
	for _, d := range agent.Detect() {
		detected[d.Name] = d
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		spec := builtin[name]
		command := spec.Command
		if len(spec.Args) > 0 {
			command += " " + strings.Join(spec.Args, " ")
		}
		version := colorDim + "not found" + colorReset
		path := "-"
		if d, ok := detected[name]; ok {
			version = colorGreen + d.Version + colorReset
			path = truncate(d.Path, 40)
		}
		rows = append(rows, []string{name, truncate(command, 48), spec.ExitCommand, version, path})
	}

	fmt.Println()
	printTable([]string{"PRESET", "COMMAND", "EXIT", "VERSION", "PATH"}, rows)
	fmt.Println()
	fmt.Printf("%sCustom agents go in the run definition's [agent] table.%s\n", colorDim, colorReset)
	return nil
}
