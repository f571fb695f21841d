// Package sse implements spec.md §4.6's SSE proxy: it relays bridge events
// to an HTTP client as "event: <kind>\ndata: <json>\n\n" frames, draining
// the connection's own backpressure rather than buffering, and gives up on
// a single stalled write after WriteTimeout — without ever touching the
// session or sandbox, since a slow reader is the client's problem, not the
// agent's.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ash-run/bridge/internal/bridgeproto"
)

// Receiver is the subset of runner.Backend the proxy needs. Spelled out
// locally (rather than importing runner.Backend directly) so this package
// has no dependency on session/runner wiring — it only pulls events.
type Receiver interface {
	RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error)
}

// Stream writes SSE headers, then relays events from recv until a
// terminal event (done/error), the request context is cancelled, or a
// single write stalls past WriteTimeout. It returns the error that ended
// the loop: nil for a clean terminal event or a stalled write, ctx.Err()
// when the request context is cancelled, or the error from RecvEvent
// (which includes a transport failure) — the caller (the session manager's
// FinishMessage) uses this to decide whether the sandbox survived the
// turn; a stalled write never counts as a bridge failure.
func Stream(ctx context.Context, w http.ResponseWriter, sessionID string, recv Receiver) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := recv.RecvEvent(ctx, sessionID)
		if err != nil {
			return err
		}

		if err := writeEvent(w, rc, flusher, ev); err != nil {
			log.Printf("sse: %s: write stalled, closing stream: %v", sessionID, err)
			return nil
		}

		if ev.Ev == bridgeproto.EvDone || ev.Ev == bridgeproto.EvError {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// writeEvent applies WriteTimeout as the response controller's write
// deadline so a stalled client (TCP buffer full, nobody reading) doesn't
// block this goroutine forever — the "dead-client timeout" spec.md §4.6
// calls for, distinct from a clean client-initiated disconnect, which
// ctx.Done() already catches for free.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher, ev bridgeproto.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	// Deadlines aren't supported by every ResponseWriter (e.g. some test
	// doubles); ignore that error and write without one rather than
	// failing the stream over it.
	_ = rc.SetWriteDeadline(time.Now().Add(WriteTimeout))

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Ev, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
