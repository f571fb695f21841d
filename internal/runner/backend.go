// Package runner implements spec.md §4.7's runner coordinator: the
// RunnerBackend sum type (local pool vs. remote HTTP worker), registration,
// heartbeat, deregistration, the liveness sweep, and healthy-runner
// selection for new sessions.
package runner

import (
	"context"

	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/store"
)

// Backend is spec.md §9's RunnerBackend sum type, realized as an interface
// so the session manager can treat Local and Remote identically.
type Backend interface {
	// resume is true for a cold-resume (existing session, new sandbox
	// process) and false for a brand-new session's first sandbox.
	CreateSandbox(ctx context.Context, tenant, sessionID, agentName, agentDir string, resume bool) (*store.Sandbox, error)
	DestroySandbox(ctx context.Context, sessionID string) error
	SendCommand(ctx context.Context, sessionID string, cmd bridgeproto.Command) error
	RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error)
	MarkRunning(ctx context.Context, sessionID string) error
	MarkWaiting(ctx context.Context, sessionID string) error
	PersistState(ctx context.Context, sessionID string)
	GetStats(ctx context.Context) (pool.Stats, error)
	// NoteWarmResume records a spec.md §6 warm-resume hit against whichever
	// pool actually owns the sandbox's live process.
	NoteWarmResume(ctx context.Context)
}
