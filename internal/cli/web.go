package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/store"
	"github.com/flywheeldev/flywheel/internal/web"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve stored runs over HTTP",
	Long: `Serve the read-only status API and event journal for stored runs.
While a loop is running, prefer 'flywheel run --web', which also
streams live events over /ws.

Endpoints: /api/status /api/runs /api/history /api/events /ws`,
	RunE: runWebCmd,
}

func init() {
	webCmd.Flags().String("addr", "", "Listen address (default: settings web.addr)")
	webCmd.Flags().String("token", "", "Require this auth token (default: settings web.token)")
	webCmd.Flags().Bool("expose", false, "Bind all interfaces with TLS and an auth token")
	webCmd.Flags().Bool("qr", false, "Print a QR code for the URL")
	webCmd.Flags().Bool("mdns", false, "Advertise the server over mDNS")
	rootCmd.AddCommand(webCmd)
}

func runWebCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	var p webParams
	p.addr, _ = cmd.Flags().GetString("addr")
	p.token, _ = cmd.Flags().GetString("token")
	p.expose, _ = cmd.Flags().GetBool("expose")
	p.qr, _ = cmd.Flags().GetBool("qr")
	p.mdns, _ = cmd.Flags().GetBool("mdns")
	p.runName = "flywheel"

	srv, announcer, err := serveWeb(nil, st, p)
	if err != nil {
		return err
	}
	defer announcer.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("\nshutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type webParams struct {
	addr    string
	token   string
	expose  bool
	qr      bool
	mdns    bool
	runName string
	runID   string
}

// serveWeb starts the status server for a live runner, a store, or
// both, and prints how to reach it. With expose set it binds all
// interfaces, switches to TLS and generates a token when none is
// configured.
func serveWeb(rn *runner.Runner, st *store.Store, p webParams) (*web.Server, *web.Announcer, error) {
	settings, settingsOK := cliSettings, settingsErr == nil

	addr := p.addr
	if addr == "" && settingsOK {
		addr = settings.Web.Addr
	}
	if addr == "" {
		addr = "127.0.0.1:8473"
	}

	token := p.token
	if token == "" && settingsOK {
		token = settings.Web.Token
	}

	rate := 2.0
	if settingsOK {
		rate = float64(settings.Web.RateLimit) / 60
	}

	generated := false
	if p.expose {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid web address %q: %w", addr, err)
		}
		addr = net.JoinHostPort("0.0.0.0", port)
		if token == "" {
			token = generateToken()
			generated = true
		}
	}

	srv := web.New(rn, st, web.Options{
		Addr:      addr,
		Token:     token,
		RateLimit: rate,
		TLS:       p.expose,
	})
	if err := srv.Start(); err != nil {
		return nil, nil, err
	}

	url := srv.URL()
	printURL(url)
	if p.qr || p.expose {
		if err := printQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}
	if token != "" {
		if generated {
			fmt.Printf("Auth token: %s%s%s\n", styleBoldWhite, token, colorReset)
		} else {
			fmt.Println("Auth token required for API access.")
		}
	}

	var announcer *web.Announcer
	if p.mdns {
		a, err := web.Announce(p.runName, p.runID, srv.Port(), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			announcer = a
			fmt.Printf("%sAdvertising %s over mDNS%s\n", colorDim, p.runName, colorReset)
		}
	}

	return srv, announcer, nil
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
