package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/config"
	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/store"
)

// requireSettings returns the settings loaded by the root command, or
// the load error commands that tolerate a missing config never saw.
func requireSettings() (*config.Settings, error) {
	if settingsErr != nil {
		return nil, settingsErr
	}
	if cliSettings == nil {
		return nil, fmt.Errorf("settings not loaded")
	}
	return cliSettings, nil
}

// openStore opens the run database at the configured path, honoring the
// --store override.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("store")
	if path == "" {
		settings, err := requireSettings()
		if err != nil {
			return nil, err
		}
		path = settings.Store.Path
	}
	return store.Open(path)
}

func attended() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Println(colorDim + strings.Repeat("-", len(title)+2) + colorReset)
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s%-16s%s %s\n", colorBold, label+":", colorReset, value)
}

// printTable prints a simple aligned table.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(colorDim + "  (none)" + colorReset)
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := len(stripAnsi(cell)); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	headerLine := "  "
	for i, h := range headers {
		headerLine += fmt.Sprintf("%s%-*s%s", colorBold, widths[i]+2, h, colorReset)
	}
	fmt.Println(headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += colorDim + strings.Repeat("-", w+2) + colorReset
	}
	fmt.Println(sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				padding := widths[i] - len(stripAnsi(cell))
				if padding < 0 {
					padding = 0
				}
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		fmt.Println(rowLine)
	}
}

// stripAnsi removes ANSI escape codes from a string for width
// calculation.
func stripAnsi(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// truncate shortens a string to maxLen, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// stateColor returns the ANSI color for a run state.
func stateColor(state runner.State) string {
	switch state {
	case runner.StateRunning:
		return colorGreen
	case runner.StatePaused, runner.StateRebooting:
		return colorYellow
	case runner.StateCompleted:
		return colorCyan
	case runner.StateError:
		return colorRed
	case runner.StateStopped:
		return colorBlue
	default:
		return colorDim
	}
}

// stateBadge returns a colored state badge.
func stateBadge(state runner.State) string {
	return fmt.Sprintf("%s[%s]%s", stateColor(state), state, colorReset)
}

// formatDuration renders a duration at human scale: milliseconds under
// a second, seconds under a minute, minutes+seconds beyond.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// printURL prints a clickable URL using OSC 8 hyperlink escapes for
// terminals that support them.
func printURL(url string) {
	fmt.Printf("\033]8;;%s\033\\%s\033]8;;\033\\\n", url, url)
}
