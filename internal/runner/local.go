package runner

import (
	"context"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/store"
	"github.com/ash-run/bridge/internal/workspace"
)

// LocalBackend is spec.md §9's RunnerBackend.Local{pool} case: this process
// owns the sandbox pool directly, no network hop.
type LocalBackend struct {
	pool *pool.Pool
	ws   *workspace.Manager
}

// NewLocalBackend wraps p. ws is the same workspace.Manager p was
// constructed with — PersistState calls it directly rather than reaching
// through the pool, since workspace persistence is a session-manager-
// triggered concern distinct from the pool's own sandbox-table ownership.
func NewLocalBackend(p *pool.Pool, ws *workspace.Manager) *LocalBackend {
	return &LocalBackend{pool: p, ws: ws}
}

func (l *LocalBackend) CreateSandbox(ctx context.Context, tenant, sessionID, agentName, agentDir string, resume bool) (*store.Sandbox, error) {
	return l.pool.Create(ctx, tenant, sessionID, agentName, agentDir, resume)
}

func (l *LocalBackend) DestroySandbox(ctx context.Context, sessionID string) error {
	return l.pool.Destroy(ctx, sessionID)
}

func (l *LocalBackend) SendCommand(ctx context.Context, sessionID string, cmd bridgeproto.Command) error {
	sp, ok := l.pool.Bridge(sessionID)
	if !ok {
		return apierr.BadState("no live bridge process for session %s", sessionID)
	}
	return sp.Send(cmd)
}

func (l *LocalBackend) RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error) {
	sp, ok := l.pool.Bridge(sessionID)
	if !ok {
		return bridgeproto.Event{}, apierr.BadState("no live bridge process for session %s", sessionID)
	}
	return sp.Recv()
}

func (l *LocalBackend) MarkRunning(ctx context.Context, sessionID string) error {
	return l.pool.MarkRunning(sessionID)
}

func (l *LocalBackend) MarkWaiting(ctx context.Context, sessionID string) error {
	return l.pool.MarkWaiting(sessionID)
}

func (l *LocalBackend) PersistState(ctx context.Context, sessionID string) {
	l.ws.Persist(ctx, sessionID)
}

func (l *LocalBackend) GetStats(ctx context.Context) (pool.Stats, error) {
	return l.pool.Stats(ctx)
}

func (l *LocalBackend) NoteWarmResume(ctx context.Context) {
	l.pool.RecordResumeWarm()
}
