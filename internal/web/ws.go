package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flywheeldev/flywheel/internal/events"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const wsWriteTimeout = 15 * time.Second

// handleWS streams live run events as JSON envelopes. The first message
// is always a status snapshot; the stream closes normally once the run
// reaches a terminal state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotFound, "no live run")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	// Subscribe before reading the snapshot so nothing published
	// between the two is missed.
	eventCh, cancel := s.runner.Subscribe()
	defer cancel()

	if err := writeEnvelope(ctx, ws, wsEnvelope{Type: "status", Data: s.runner.Snapshot()}); err != nil {
		return
	}

	done := s.runner.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := writeEnvelope(ctx, ws, wsEnvelope{Type: string(ev.Kind), Data: ev}); err != nil {
				return
			}
		case <-done:
			flushEvents(ctx, ws, eventCh)
			_ = writeEnvelope(ctx, ws, wsEnvelope{Type: "status", Data: s.runner.Snapshot()})
			ws.Close(websocket.StatusNormalClosure, "run finished")
			return
		}
	}
}

// flushEvents forwards whatever the subscription buffered before the
// run wound down.
func flushEvents(ctx context.Context, ws *websocket.Conn, eventCh <-chan events.Event) {
	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeEnvelope(ctx, ws, wsEnvelope{Type: string(ev.Kind), Data: ev}); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env wsEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
