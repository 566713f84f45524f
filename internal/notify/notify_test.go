package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnconfiguredSinkIsNoOp(t *testing.T) {
	s := New(Config{})
	s.Notify(TriggerStarted, "title", "body")
	s.Wait()

	var nilSink *Sink
	nilSink.Notify(TriggerFailed, "t", "b")
	nilSink.Wait()
}

func TestWebhookDelivery(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{Webhook: WebhookConfig{URL: srv.URL}})
	s.Notify(TriggerCompleted, "run done", "42 iterations")
	s.Wait()

	assert.Equal(t, TriggerCompleted, got.Trigger)
	assert.Equal(t, "run done", got.Title)
	assert.Equal(t, "42 iterations", got.Body)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPushoverDelivery(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		_ = json.NewEncoder(w).Encode(pushoverResponse{Status: 1})
	}))
	defer srv.Close()

	p := newPushover(PushoverConfig{AppToken: "tok", UserKey: "usr", Device: "phone"})
	p.apiURL = srv.URL
	s := &Sink{targets: []target{p}, last: map[Trigger]time.Time{}}

	s.Notify(TriggerFailed, "run failed", "session timeout")
	s.Wait()

	require.NotNil(t, form)
	assert.Equal(t, []string{"tok"}, form["token"])
	assert.Equal(t, []string{"usr"}, form["user"])
	assert.Equal(t, []string{"phone"}, form["device"])
	assert.Equal(t, []string{"run failed"}, form["title"])
	assert.Equal(t, []string{"1"}, form["priority"])
}

func TestPushoverTruncatesLongMessages(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		_ = json.NewEncoder(w).Encode(pushoverResponse{Status: 1})
	}))
	defer srv.Close()

	p := newPushover(PushoverConfig{AppToken: "t", UserKey: "u"})
	p.apiURL = srv.URL

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	err := p.deliver(t.Context(), Message{Trigger: TriggerRebooted, Title: string(long), Body: string(long)})
	require.NoError(t, err)
	assert.Len(t, form["title"][0], MaxTitleLen)
	assert.Len(t, form["message"][0], MaxMessageLen)
}

func TestPushoverAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(pushoverResponse{Status: 0, Errors: []string{"user key invalid"}})
	}))
	defer srv.Close()

	p := newPushover(PushoverConfig{AppToken: "t", UserKey: "u"})
	p.apiURL = srv.URL

	err := p.deliver(t.Context(), Message{Trigger: TriggerStarted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user key invalid")
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{Webhook: WebhookConfig{URL: srv.URL}, Cooldown: time.Minute})
	s.Notify(TriggerRebooted, "r", "1")
	s.Notify(TriggerRebooted, "r", "2")
	s.Notify(TriggerCompleted, "c", "3")
	s.Wait()

	assert.Equal(t, int64(2), calls.Load())
}

func TestPriorityMapping(t *testing.T) {
	assert.Equal(t, PriorityHigh, priorityFor(TriggerFailed))
	assert.Equal(t, PriorityHigh, priorityFor(TriggerSafetyLimitReached))
	assert.Equal(t, PriorityLow, priorityFor(TriggerStarted))
	assert.Equal(t, PriorityNormal, priorityFor(TriggerCompleted))
	assert.Equal(t, PriorityNormal, priorityFor(TriggerRebooted))
}
