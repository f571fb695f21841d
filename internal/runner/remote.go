package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/store"
)

// RemoteBackend is spec.md §9's RunnerBackend.Remote{httpClient, runnerId,
// baseURL} case: a plain HTTP client talking to a peer worker node's
// runner-internal endpoints. Grounded on the teacher's agent.Client
// reconnect shape, simplified — no tunnel/WebSocket hop is needed since
// control-plane replicas reach worker nodes directly over HTTP.
type RemoteBackend struct {
	httpClient *http.Client
	runnerID   string
	baseURL    string
	secret     string

	mu      sync.Mutex
	streams map[string]*eventStream
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewRemoteBackend builds a backend pointed at a peer runner's baseURL
// (e.g. "http://10.0.1.7:8090"). secret, if non-empty, is sent as a bearer
// token on every request per spec.md §4.7's internal-secret auth.
func NewRemoteBackend(runnerID, baseURL, secret string) *RemoteBackend {
	return &RemoteBackend{
		httpClient: &http.Client{Timeout: 0}, // no timeout: SSE streams are long-lived
		runnerID:   runnerID,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		streams:    make(map[string]*eventStream),
	}
}

func (r *RemoteBackend) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("runner: marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.secret != "" {
		req.Header.Set("Authorization", "Bearer "+r.secret)
	}
	return req, nil
}

func (r *RemoteBackend) do(ctx context.Context, method, path string, body, out any) error {
	req, err := r.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return apierr.Io(err, "runner %s: %s %s", r.runnerID, method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return apierr.Io(nil, "runner %s: %s %s returned %d: %s", r.runnerID, method, path, resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (r *RemoteBackend) CreateSandbox(ctx context.Context, tenant, sessionID, agentName, agentDir string, resume bool) (*store.Sandbox, error) {
	body := map[string]any{"tenant": tenant, "sessionId": sessionID, "agentName": agentName, "agentDir": agentDir, "resume": resume}
	var sb store.Sandbox
	if err := r.do(ctx, http.MethodPost, "/runner/sandboxes", body, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (r *RemoteBackend) DestroySandbox(ctx context.Context, sessionID string) error {
	r.closeStream(sessionID)
	return r.do(ctx, http.MethodDelete, "/runner/sandboxes/"+sessionID, nil, nil)
}

// SendCommand posts the command and opens the SSE response body as a
// long-lived stream that RecvEvent reads from incrementally — mirroring the
// local backend's one-send-many-recv shape over HTTP instead of yamux.
func (r *RemoteBackend) SendCommand(ctx context.Context, sessionID string, cmd bridgeproto.Command) error {
	req, err := r.newRequest(ctx, http.MethodPost, "/runner/sandboxes/"+sessionID+"/cmd", cmd)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return apierr.Io(err, "runner %s: send command to %s", r.runnerID, sessionID)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return apierr.Io(nil, "runner %s: send command to %s returned %d: %s", r.runnerID, sessionID, resp.StatusCode, string(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	r.mu.Lock()
	r.streams[sessionID] = &eventStream{body: resp.Body, scanner: scanner}
	r.mu.Unlock()
	return nil
}

// RecvEvent reads the next SSE-framed event from the stream SendCommand
// opened, reusing that call's scanner so bytes buffered ahead of a
// returned line are never discarded. The runner node writes each event as
// a single "data: <json>\n" line carrying a bridgeproto.Event; any line
// without the "data: " prefix is skipped.
func (r *RemoteBackend) RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error) {
	r.mu.Lock()
	st, ok := r.streams[sessionID]
	r.mu.Unlock()
	if !ok {
		return bridgeproto.Event{}, apierr.BadState("no open command stream for session %s", sessionID)
	}
	for st.scanner.Scan() {
		line := st.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bridgeproto.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return bridgeproto.Event{}, fmt.Errorf("runner: decode SSE event: %w", err)
		}
		return ev, nil
	}
	if err := st.scanner.Err(); err != nil {
		return bridgeproto.Event{}, err
	}
	return bridgeproto.Event{}, io.EOF
}

func (r *RemoteBackend) closeStream(sessionID string) {
	r.mu.Lock()
	st, ok := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mu.Unlock()
	if ok {
		st.body.Close()
	}
}

func (r *RemoteBackend) MarkRunning(ctx context.Context, sessionID string) error {
	return r.do(ctx, http.MethodPost, "/runner/sandboxes/"+sessionID+"/running", nil, nil)
}

func (r *RemoteBackend) MarkWaiting(ctx context.Context, sessionID string) error {
	return r.do(ctx, http.MethodPost, "/runner/sandboxes/"+sessionID+"/waiting", nil, nil)
}

func (r *RemoteBackend) PersistState(ctx context.Context, sessionID string) {
	_ = r.do(ctx, http.MethodPost, "/runner/sandboxes/"+sessionID+"/persist", nil, nil)
}

func (r *RemoteBackend) GetStats(ctx context.Context) (pool.Stats, error) {
	var s pool.Stats
	err := r.do(ctx, http.MethodGet, "/runner/stats", nil, &s)
	return s, err
}

func (r *RemoteBackend) NoteWarmResume(ctx context.Context) {
	_ = r.do(ctx, http.MethodPost, "/runner/note-warm-resume", nil, nil)
}
