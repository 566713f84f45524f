package cli

import (
	"fmt"
	"sync"

	"github.com/flywheeldev/flywheel/internal/events"
	"github.com/flywheeldev/flywheel/internal/runner"
)

// view renders run events as terminal lines. Colors are dropped when
// stdout is not a terminal so piped output stays greppable.
type view struct {
	color    bool
	cancel   func()
	done     chan struct{}
	stopOnce sync.Once
}

func startView(r *runner.Runner, color bool) *view {
	ch, cancel := r.Subscribe()
	v := &view{color: color, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(v.done)
		for ev := range ch {
			v.render(ev)
		}
	}()
	return v
}

// stop unsubscribes and waits until buffered events are rendered.
func (v *view) stop() {
	v.stopOnce.Do(v.cancel)
	<-v.done
}

func (v *view) paint(code, s string) string {
	if !v.color {
		return s
	}
	return code + s + colorReset
}

func (v *view) badge(state runner.State) string {
	if !v.color {
		return "[" + string(state) + "]"
	}
	return stateBadge(state)
}

func (v *view) render(ev events.Event) {
	switch ev.Kind {
	case events.KindRunStarted:
		fmt.Printf("%s run %s\n", v.paint(styleBoldCyan, "▶"), ev.RunID)
	case events.KindIterationStarted:
		fmt.Println(v.paint(colorDim, fmt.Sprintf("· iteration %d", ev.Iteration)))
	case events.KindIterationCompleted:
		success, _ := ev.Data["success"].(bool)
		dur, _ := ev.Data["duration"].(string)
		if success {
			fmt.Printf("%s iteration %d (%s)\n", v.paint(colorGreen, "✓"), ev.Iteration, dur)
		} else {
			fmt.Printf("%s iteration %d failed (%s)\n", v.paint(colorRed, "✗"), ev.Iteration, dur)
		}
	case events.KindIterationSkipped:
		fmt.Printf("%s iteration %d skipped\n", v.paint(colorYellow, "»"), ev.Iteration)
	case events.KindStateChanged:
		from, _ := ev.Data["from"].(string)
		to, _ := ev.Data["to"].(string)
		detail, _ := ev.Data["detail"].(string)
		line := fmt.Sprintf("state %s -> %s", from, to)
		if detail != "" {
			line += " (" + detail + ")"
		}
		fmt.Println(v.paint(colorDim, "  "+line))
	case events.KindRebootStarted:
		reason, _ := ev.Data["reason"].(string)
		fmt.Printf("%s session reboot (%s)\n", v.paint(colorYellow, "↻"), reason)
	case events.KindRebootCompleted:
		if success, _ := ev.Data["success"].(bool); success {
			newSession, _ := ev.Data["new_session"].(string)
			fmt.Printf("%s reboot done, session %s\n", v.paint(colorGreen, "↻"), newSession)
		} else {
			reason, _ := ev.Data["reason"].(string)
			fmt.Printf("%s reboot failed (%s)\n", v.paint(colorRed, "↻"), reason)
		}
	case events.KindConditionTriggered:
		reason, _ := ev.Data["reason"].(string)
		if reason == "" {
			reason, _ = ev.Data["triggered_by"].(string)
		}
		fmt.Printf("%s %s\n", v.paint(colorCyan, "◆"), reason)
	case events.KindCommandReceived:
		command, _ := ev.Data["command"].(string)
		fmt.Println(v.paint(colorDim, "  command: "+command))
	case events.KindRunCompleted, events.KindRunError:
		// covered by the final summary
	}
}

// finish drains the event stream and prints the run summary.
func (v *view) finish(st runner.Stats) {
	v.stop()

	fmt.Println()
	fmt.Printf("%s %s\n", v.paint(styleBoldCyan, "run "+st.RunID), v.badge(st.State))
	fmt.Printf("  iterations %d (%d ok, %d failed, %d skipped)  reboots %d  busy %s\n",
		st.Iterations, st.Successes, st.Failures, st.Skipped, st.Reboots, formatDuration(st.BusyTime))
	if st.StopReason != "" {
		fmt.Printf("  reason: %s\n", st.StopReason)
	}
}
