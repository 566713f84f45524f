package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/pkg/protocol"
)

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Print the prompt fragment that teaches an agent the loop signals",
	Long: `Print the instructions that teach an agent how to signal the loop:
the completion marker that ends the run and the compaction request
that triggers a clean session reboot. Paste it into a prompt file, or
let 'flywheel run --teach' prepend it automatically.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		marker, _ := cmd.Flags().GetString("marker")
		fmt.Print(protocol.Instructions(marker))
	},
}

func init() {
	protocolCmd.Flags().String("marker", "", "Completion marker the run's conditions watch for (default: DONE)")
	rootCmd.AddCommand(protocolCmd)
}
