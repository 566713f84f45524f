package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Pushover API field limits; longer values are clipped before sending.
const (
	MaxTitleLen   = 250
	MaxMessageLen = 1024
)

// Pushover priority scale.
const (
	PriorityLowest = -2
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// PushoverConfig holds Pushover API credentials.
type PushoverConfig struct {
	AppToken string `json:"app_token"`
	UserKey  string `json:"user_key"`
	Device   string `json:"device,omitempty"`
}

// Configured returns true if Pushover credentials are set.
func (c PushoverConfig) Configured() bool {
	return c.UserKey != "" && c.AppToken != ""
}

type pushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

type pushover struct {
	cfg    PushoverConfig
	apiURL string
	client *http.Client
}

func newPushover(cfg PushoverConfig) *pushover {
	return &pushover{cfg: cfg, apiURL: defaultPushoverURL, client: &http.Client{}}
}

func (p *pushover) name() string { return "pushover" }

func (p *pushover) deliver(ctx context.Context, msg Message) error {
	form := url.Values{
		"token":    {p.cfg.AppToken},
		"user":     {p.cfg.UserKey},
		"title":    {clip(msg.Title, MaxTitleLen)},
		"message":  {clip(msg.Body, MaxMessageLen)},
		"priority": {strconv.Itoa(priorityFor(msg.Trigger))},
	}
	if p.cfg.Device != "" {
		form.Set("device", p.cfg.Device)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result pushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
