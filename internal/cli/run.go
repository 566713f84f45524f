package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/config"
	"github.com/flywheeldev/flywheel/internal/debug"
	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/notify"
	"github.com/flywheeldev/flywheel/internal/progress"
	"github.com/flywheeldev/flywheel/internal/reboot"
	"github.com/flywheeldev/flywheel/internal/recording"
	"github.com/flywheeldev/flywheel/internal/redline"
	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/session"
	"github.com/flywheeldev/flywheel/internal/stopcond"
	"github.com/flywheeldev/flywheel/internal/store"
	"github.com/flywheeldev/flywheel/internal/worktree"
	"github.com/flywheeldev/flywheel/pkg/protocol"
)

var runCmd = &cobra.Command{
	Use:     "run [run-file]",
	Aliases: []string{"start"},
	Short:   "Run an agent loop from a run definition",
	Long: `Run the loop described by a run definition file (default:
./flywheel.toml). The loop keeps feeding the prompt to the agent,
reboots the session when the context window runs hot, and stops when a
configured condition fires, the iteration cap is reached, or you
interrupt it.

Examples:
  flywheel run
  flywheel run jobs/migrate.toml --max-iterations 10
  flywheel run --web --expose --qr
  flywheel run --resume 6fa1c2f3-8f4e-4c9f-9b64-0d6ad3f1c2aa`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoop,
}

func init() {
	runCmd.Flags().String("prompt", "", "Override the prompt from the run file")
	runCmd.Flags().Int("max-iterations", 0, "Override the iteration cap (0 = unlimited)")
	runCmd.Flags().String("run-id", "", "Use a fixed run ID instead of generating one")
	runCmd.Flags().String("resume", "", "Resume counters from a stored run ID")
	runCmd.Flags().Bool("no-store", false, "Skip snapshot and event persistence")
	runCmd.Flags().String("record", "", "Save iteration transcripts under this directory")
	runCmd.Flags().Bool("teach", false, "Prepend the loop protocol instructions to the prompt")
	runCmd.Flags().Bool("worktree", false, "Run in an isolated git worktree and keep changes on a branch")
	runCmd.Flags().Bool("web", false, "Serve the status API while the loop runs")
	runCmd.Flags().String("web-addr", "", "Listen address for --web (default: settings web.addr)")
	runCmd.Flags().Bool("expose", false, "Serve --web on all interfaces with TLS and an auth token")
	runCmd.Flags().Bool("qr", false, "Print a QR code for the web URL")
	runCmd.Flags().Bool("mdns", false, "Advertise the web server over mDNS")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	debug.Log("cli.run", "runLoop() called")

	file := "flywheel.toml"
	if len(args) == 1 {
		file = args[0]
	}

	def, err := config.LoadRunDef(file)
	if err != nil {
		return err
	}
	if settings, err := requireSettings(); err == nil {
		def.FillNotifyDefaults(settings)
	}

	if prompt, _ := cmd.Flags().GetString("prompt"); prompt != "" {
		def.Prompt = prompt
		def.PromptFile = ""
	}
	if cmd.Flags().Changed("max-iterations") {
		def.Loop.MaxIterations, _ = cmd.Flags().GetInt("max-iterations")
	}

	res, err := def.Resolve()
	if err != nil {
		return err
	}

	if teach, _ := cmd.Flags().GetBool("teach"); teach {
		res.Runner.Prompt = protocol.Instructions("") + "\n" + res.Runner.Prompt
	}

	resumeID, _ := cmd.Flags().GetString("resume")
	switch runID, _ := cmd.Flags().GetString("run-id"); {
	case runID != "":
		res.Runner.RunID = runID
	case resumeID != "":
		res.Runner.RunID = resumeID
	default:
		res.Runner.RunID = uuid.NewString()
	}

	if useWT, _ := cmd.Flags().GetBool("worktree"); useWT {
		dir := res.Runner.WorkDir
		if dir == "" {
			dir = "."
		}
		root, err := worktree.RepoRoot(cmd.Context(), dir)
		if err != nil {
			return err
		}
		wt := worktree.NewManager(root)
		branch := worktree.BranchName(res.Runner.RunID)
		wtPath, err := wt.Create(cmd.Context(), branch)
		if err != nil {
			return err
		}
		res.Agent.WorkDir = wtPath
		res.Runner.WorkDir = wtPath
		fmt.Printf("%srunning in worktree %s (branch %s)%s\n", colorDim, wtPath, branch, colorReset)

		defer func() {
			kept, err := wt.Finish(context.Background(), wtPath, branch, "flywheel run "+res.Runner.RunID)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "Warning: worktree cleanup failed: %v\n", err)
			case kept:
				fmt.Printf("Agent changes saved on branch %s%s%s\n", styleBoldWhite, branch, colorReset)
				fmt.Printf("%sreview with: git diff HEAD...%s%s\n", colorDim, branch, colorReset)
			default:
				fmt.Println(colorDim + "worktree removed (no changes)" + colorReset)
			}
		}()
	}

	var st *store.Store
	if noStore, _ := cmd.Flags().GetBool("no-store"); !noStore {
		st, err = openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	r := runner.New(res.Runner)

	sessions := session.NewManager(res.Agent, res.Session)
	defer sessions.TerminateAll()
	r.Sessions = sessions

	r.Evaluator = stopcond.NewEvaluator(res.Pools, res.Eval)
	r.Detector = redline.NewDetector(res.Redline)

	reboots := reboot.NewManager(res.Reboot)
	reboots.Swap = reboot.SessionSwap(sessions)
	r.Reboots = reboots

	if len(res.Hooks) > 0 {
		r.Hooks = hooks.NewRunner(res.Hooks)
	}
	r.Notify = notify.New(res.Notify)
	r.Progress = progress.NewTracker()
	if st != nil {
		r.Persist = st
	}

	recordDir := res.RecordDir
	if flagDir, _ := cmd.Flags().GetString("record"); flagDir != "" {
		recordDir = flagDir
	}
	if recordDir != "" {
		rec, err := recording.NewRecorder(recordDir, res.Runner.RunID)
		if err != nil {
			return err
		}
		r.Record = rec
		fmt.Printf("%srecording transcripts to %s%s\n", colorDim, rec.Dir(), colorReset)
	}

	if resumeID != "" {
		if st == nil {
			return errors.New("--resume needs the store (drop --no-store)")
		}
		snap, err := st.LoadSnapshot(cmd.Context(), resumeID)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("unknown run %q", resumeID)
		}
		if err := r.Restore(*snap); err != nil {
			return err
		}
		fmt.Printf("%sresuming run %s at iteration %d%s\n", colorDim, resumeID, snap.Iteration, colorReset)
	}

	if st != nil {
		journalCh, cancelJournal := r.Subscribe()
		defer cancelJournal()
		go st.Journal(context.Background(), journalCh)
	}

	view := startView(r, attended())
	defer view.stop()

	webFlag, _ := cmd.Flags().GetBool("web")
	expose, _ := cmd.Flags().GetBool("expose")
	if webFlag || expose {
		p := webParams{runName: res.Name, runID: res.Runner.RunID, expose: expose}
		p.addr, _ = cmd.Flags().GetString("web-addr")
		p.qr, _ = cmd.Flags().GetBool("qr")
		p.mdns, _ = cmd.Flags().GetBool("mdns")

		srv, announcer, err := serveWeb(r, st, p)
		if err != nil {
			return err
		}
		defer announcer.Shutdown()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := r.Start(runCtx); err != nil {
		return err
	}
	debug.LogKV("cli.run", "loop started", "run_id", res.Runner.RunID, "file", def.Source)

	go watchSignals(r, cancelRun)

	state, runErr := r.Wait(context.Background())
	view.finish(r.Stats())

	if state == runner.StateError {
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("run ended in error: %s", r.Stats().StopReason)
	}
	return nil
}

// watchSignals maps process signals onto loop commands: the first
// interrupt asks for a polite stop, the second aborts the iteration in
// flight. SIGUSR1 raises the user signal, SIGUSR2 forces a reboot.
func watchSignals(r *runner.Runner, abort func()) {
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	userSigs := make(chan os.Signal, 1)
	signal.Notify(userSigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(userSigs)

	seen := 0
	for {
		select {
		case <-r.Done():
			return
		case <-interrupts:
			seen++
			if seen == 1 {
				fmt.Fprintf(os.Stderr, "\n%sstopping after the current iteration (interrupt again to abort)%s\n", colorYellow, colorReset)
				if err := r.Send(runner.CommandStop); err != nil {
					abort()
					return
				}
			} else {
				fmt.Fprintf(os.Stderr, "%saborting%s\n", colorRed, colorReset)
				abort()
				return
			}
		case sig := <-userSigs:
			switch sig {
			case syscall.SIGUSR1:
				r.SignalUser()
			case syscall.SIGUSR2:
				_ = r.Send(runner.CommandForceReboot)
			}
		}
	}
}
