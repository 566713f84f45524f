// Package notify delivers run lifecycle notifications. Delivery is
// fire-and-forget: the loop hands off a message and never waits on or
// learns about the outcome.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// Trigger names the run event a notification reports.
type Trigger string

const (
	TriggerStarted            Trigger = "started"
	TriggerCompleted          Trigger = "completed"
	TriggerFailed             Trigger = "failed"
	TriggerRebooted           Trigger = "rebooted"
	TriggerSafetyLimitReached Trigger = "safety-limit-reached"
)

// Config selects and configures delivery channels. Channels left at
// their zero value are skipped.
type Config struct {
	Pushover PushoverConfig `json:"pushover"`
	Webhook  WebhookConfig  `json:"webhook"`

	// Cooldown drops repeat notifications of the same trigger arriving
	// within the window. Zero disables deduplication.
	Cooldown time.Duration `json:"cooldown"`
}

// Message is one notification to deliver.
type Message struct {
	Trigger   Trigger   `json:"trigger"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

type target interface {
	name() string
	deliver(ctx context.Context, msg Message) error
}

const deliverTimeout = 15 * time.Second

// Sink fans notifications out to every configured channel. The zero
// value and a sink built from an empty config are safe no-ops.
type Sink struct {
	log     zerolog.Logger
	targets []target

	mu   sync.Mutex
	last map[Trigger]time.Time
	cool time.Duration

	wg sync.WaitGroup
}

// New builds a sink from the config. Unconfigured channels are skipped;
// with no channels at all every Notify is a cheap no-op.
func New(cfg Config) *Sink {
	s := &Sink{
		log:  logging.Component("notify"),
		last: make(map[Trigger]time.Time),
		cool: cfg.Cooldown,
	}
	if cfg.Pushover.Configured() {
		s.targets = append(s.targets, newPushover(cfg.Pushover))
	}
	if cfg.Webhook.URL != "" {
		s.targets = append(s.targets, newWebhook(cfg.Webhook))
	}
	return s
}

// Notify dispatches asynchronously to every channel. Failures are
// logged and otherwise swallowed.
func (s *Sink) Notify(trigger Trigger, title, body string) {
	if s == nil || len(s.targets) == 0 {
		return
	}
	if !s.admit(trigger) {
		s.log.Debug().Str("trigger", string(trigger)).Msg("notification suppressed by cooldown")
		return
	}

	msg := Message{Trigger: trigger, Title: title, Body: body, Timestamp: time.Now().UTC()}
	for _, tg := range s.targets {
		s.wg.Add(1)
		go func(tg target) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			if err := tg.deliver(ctx, msg); err != nil {
				s.log.Warn().Str("channel", tg.name()).Str("trigger", string(trigger)).Err(err).Msg("notification delivery failed")
			}
		}(tg)
	}
}

// Wait blocks until in-flight deliveries finish. Called on shutdown so
// the final notification is not lost with the process.
func (s *Sink) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *Sink) admit(trigger Trigger) bool {
	if s.cool <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if at, ok := s.last[trigger]; ok && now.Sub(at) < s.cool {
		return false
	}
	s.last[trigger] = now
	return true
}

// priorityFor maps run events to pushover priorities: problems are
// high, routine lifecycle is normal or below.
func priorityFor(trigger Trigger) int {
	switch trigger {
	case TriggerFailed, TriggerSafetyLimitReached:
		return PriorityHigh
	case TriggerStarted:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
