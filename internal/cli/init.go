package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a starter run definition",
	Long: `Create a commented flywheel.toml in the given directory (default: the
current one). Edit the prompt and the stop conditions, then start the
loop with 'flywheel run'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("settings", false, "Also write the default settings file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	path := filepath.Join(dir, "flywheel.toml")

	if err := config.WriteStarterRunDef(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s%s%s\n", styleBoldWhite, path, colorReset)

	if withSettings, _ := cmd.Flags().GetBool("settings"); withSettings {
		settingsPath := config.DefaultSettingsPath()
		if err := config.WriteDefaultSettings(settingsPath); err != nil {
			if errors.Is(err, os.ErrExist) {
				fmt.Printf("%sSettings already exist at %s%s\n", colorDim, settingsPath, colorReset)
			} else {
				return err
			}
		} else {
			fmt.Printf("Wrote %s%s%s\n", styleBoldWhite, settingsPath, colorReset)
		}
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the prompt and stop conditions in " + path)
	fmt.Println("  2. Check them with " + styleBoldWhite + "flywheel conditions check" + colorReset)
	fmt.Println("  3. Start the loop with " + styleBoldWhite + "flywheel run" + colorReset)
	return nil
}
