package web

import (
	"fmt"
	"strings"

	"github.com/hashicorp/mdns"
)

const mdnsServiceType = "_flywheel._tcp"

// Announcer advertises the web server on the local network over mDNS so
// other machines can find a running loop without knowing its port.
type Announcer struct {
	server *mdns.Server
}

// Announce publishes a _flywheel._tcp service record for the given
// port. The txt records carry the run name, run id and base URL so
// discovery clients can label what they found.
func Announce(runName, runID string, port int, url string) (*Announcer, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name := strings.TrimSpace(runName)
	if name == "" {
		name = "flywheel"
	}
	txtRecords := []string{
		fmt.Sprintf("run=%s", name),
		fmt.Sprintf("run_id=%s", runID),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{
		Zone: service,
	})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Shutdown stops the advertisement. Safe on a nil Announcer.
func (a *Announcer) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	_ = a.server.Shutdown()
}
