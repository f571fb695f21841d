package sse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ash-run/bridge/internal/bridgeproto"
)

type scriptedReceiver struct {
	events []bridgeproto.Event
	err    error
	i      int
}

func (s *scriptedReceiver) RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error) {
	if s.i >= len(s.events) {
		if s.err != nil {
			return bridgeproto.Event{}, s.err
		}
		return bridgeproto.Event{}, errors.New("scriptedReceiver: exhausted with no terminal event")
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func TestStreamWritesFramesUntilDone(t *testing.T) {
	recv := &scriptedReceiver{events: []bridgeproto.Event{
		bridgeproto.MessageEvent(json.RawMessage(`{"text":"hi"}`)),
		bridgeproto.DoneEvent("s1"),
	}}
	rec := httptest.NewRecorder()

	if err := Stream(context.Background(), rec, "s1", recv); err != nil {
		t.Fatalf("stream: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: message\n") {
		t.Fatalf("expected a message frame, got body: %q", body)
	}
	if !strings.Contains(body, "event: done\n") {
		t.Fatalf("expected a done frame, got body: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}
}

func TestStreamStopsOnErrorEventWithoutPropagatingError(t *testing.T) {
	recv := &scriptedReceiver{events: []bridgeproto.Event{
		bridgeproto.ErrorEvent("agent crashed"),
	}}
	rec := httptest.NewRecorder()

	if err := Stream(context.Background(), rec, "s1", recv); err != nil {
		t.Fatalf("expected nil error for a clean error event, got %v", err)
	}
	if !strings.Contains(rec.Body.String(), "event: error\n") {
		t.Fatalf("expected an error frame, got body: %q", rec.Body.String())
	}
}

func TestStreamPropagatesTransportError(t *testing.T) {
	wantErr := errors.New("bridge connection lost")
	recv := &scriptedReceiver{err: wantErr}
	rec := httptest.NewRecorder()

	err := Stream(context.Background(), rec, "s1", recv)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected transport error to propagate, got %v", err)
	}
}

func TestStreamStopsOnContextCancellation(t *testing.T) {
	recv := &scriptedReceiver{events: []bridgeproto.Event{
		bridgeproto.MessageEvent(json.RawMessage(`{}`)),
	}}
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Stream(ctx, rec, "s1", recv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
