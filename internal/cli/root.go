package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/buildinfo"
	"github.com/flywheeldev/flywheel/internal/config"
	"github.com/flywheeldev/flywheel/internal/debug"
	"github.com/flywheeldev/flywheel/internal/logging"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var (
	cliSettings *config.Settings
	settingsErr error
)

var rootCmd = &cobra.Command{
	Use:   "flywheel",
	Short: "Keep an AI agent looping until the work is done",
	Long: colorBold + `
   __ _                _               _
  / _| |_   ___      _| |__   ___  ___| |
 | |_| | | | \ \ /\ / / '_ \ / _ \/ _ \ |
 |  _| | |_| |\ V  V /| | | |  __/  __/ |
 |_| |_|\__, | \_/\_/ |_| |_|\___|\___|_|
        |___/` + colorReset + `

  ` + styleBoldCyan + `flywheel` + colorReset + ` v` + buildinfo.Current().Version + `

  Runs an AI agent in a supervised loop: feed it a prompt, watch the
  output, reboot the session before the context window fills up, and
  stop when the configured conditions say the work is done (or failed).

` + colorBold + `Getting Started:` + colorReset + `
  flywheel init                   Write a starter flywheel.toml
  flywheel run                    Run the loop defined in ./flywheel.toml
  flywheel status                 Show the latest run
  flywheel conditions check       Dry-run the stop conditions
  flywheel web                    Browse stored runs over HTTP

` + colorBold + `Control while running:` + colorReset + `
  Ctrl-C        Stop after the current iteration (twice to abort)
  SIGUSR1       Raise the user signal for stop conditions
  SIGUSR2       Force a session reboot`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().String("config", "", "Settings file (default: ~/.config/flywheel/config.toml)")
	rootCmd.PersistentFlags().String("store", "", "Override the run database path")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.flywheel/debug/")
	rootCmd.PersistentFlags().String("debug-file", "", "Append debug logs to an explicit file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := initDebug(cmd, args); err != nil {
			return err
		}

		// Settings failures surface later, only in commands that need
		// them; help and version stay usable with a broken config.
		configFile, _ := cmd.Flags().GetString("config")
		cliSettings, settingsErr = config.LoadSettings(configFile)

		initLogging(cmd)
		return nil
	}
}

func initDebug(cmd *cobra.Command, args []string) error {
	debugFlag, _ := cmd.Flags().GetBool("debug")
	debugFile, _ := cmd.Flags().GetString("debug-file")

	var logPath string
	var err error
	switch {
	case debugFile != "":
		logPath, err = debug.Enable(debugFile)
	case debugFlag || debug.ShouldEnableFromEnv():
		logPath, err = debug.Init()
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("initializing debug logger: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
	bi := buildinfo.Current()
	debug.LogKV("cli", "flywheel starting",
		"version", bi.Version,
		"commit", bi.CommitHash,
		"build_date", bi.BuildDate,
		"pid", os.Getpid(),
		"command", cmd.Name(),
		"args", args,
	)
	return nil
}

func initLogging(cmd *cobra.Command) {
	level, format := "", ""
	if cliSettings != nil {
		level = cliSettings.Logging.Level
		format = cliSettings.Logging.Format
	}
	if f, _ := cmd.Flags().GetString("log-level"); f != "" {
		level = f
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		format = f
	}
	logging.Init(logging.Config{Level: level, Format: format})
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
