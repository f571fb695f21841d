// Package session implements spec.md §4.4's session state machine: create,
// send a turn, pause, resume (warm and cold paths), and end. It is the one
// caller allowed to drive both internal/runner's Coordinator and
// internal/store's session DAO together, since only it knows the rules for
// when a transition is legal.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/ash-run/bridge/internal/agentdir"
	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/rlimit"
	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/store"
)

// runnerPtr converts a nullable runner_id column to the *string shape the
// coordinator's routing calls expect.
func runnerPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Manager owns the session lifecycle. It holds no session state itself —
// the database row is authoritative — beyond the coordinator's own
// lookaside backend cache.
type Manager struct {
	db    *store.DB
	coord *runner.Coordinator
}

// NewManager wires db and coord together. Call RegisterEvictionHook
// afterwards so the pool's before-evict hook can reach back into the
// manager without the two packages importing each other.
func NewManager(db *store.DB, coord *runner.Coordinator) *Manager {
	return &Manager{db: db, coord: coord}
}

// RegisterEvictionHook wires m.onEvicted and m.onDiskQuotaExceeded as p's
// before-evict and disk-quota callbacks — called from the control-plane
// startup sequence after both p and m exist, per spec.md §4.3's note that
// tier-3 eviction must persist the workspace and flip the session to paused
// before killing the process, and §4.2's disk-quota teardown.
func (m *Manager) RegisterEvictionHook(p *pool.Pool) {
	p.SetBeforeEvictHook(m.onEvicted)
	p.SetDiskQuotaHook(m.onDiskQuotaExceeded)
}

func (m *Manager) onEvicted(ctx context.Context, sandboxID string) {
	sess, err := m.db.GetSession(ctx, sandboxID)
	if err != nil {
		return
	}
	backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
	if err != nil {
		log.Printf("session: evict hook %s: route: %v", sandboxID, err)
		return
	}
	backend.PersistState(ctx, sandboxID)
	if sess.Status == store.SessionActive || sess.Status == store.SessionStarting {
		if err := m.db.SetSessionStatus(ctx, sandboxID, store.SessionPaused); err != nil {
			log.Printf("session: evict hook %s: pause: %v", sandboxID, err)
		}
	}
}

// onDiskQuotaExceeded is the pool's DiskQuotaHook: spec.md §4.2 forces
// sandbox destruction on quota breach, which leaves no process to resume
// from, so (unlike tier-3 eviction) the owning session is marked error
// rather than paused — the same resumable-after-crash posture FinishMessage
// uses for a mid-turn bridge crash.
func (m *Manager) onDiskQuotaExceeded(ctx context.Context, sandboxID string, reason *rlimit.DiskQuotaExceeded) {
	sess, err := m.db.GetSession(ctx, sandboxID)
	if err != nil {
		return
	}
	log.Printf("session: %s: sandbox disk quota exceeded (%d/%d bytes), marking error", sandboxID, reason.UsedBytes, reason.LimitBytes)
	if sess.Status != store.SessionEnded {
		if err := m.db.SetSessionStatus(ctx, sandboxID, store.SessionError); err != nil {
			log.Printf("session: disk quota hook %s: mark error: %v", sandboxID, err)
		}
	}
}

// Create implements spec.md §4.4's Create operation: validate the agent,
// select a backend, create the bound sandbox, and mark the session active
// once the bridge is ready.
func (m *Manager) Create(ctx context.Context, tenant, sessionID, agentName string) (*store.Session, error) {
	agent, err := m.db.GetAgent(ctx, tenant, agentName)
	if err != nil {
		return nil, err
	}
	if _, err := agentdir.Validate(agent.Path); err != nil {
		return nil, apierr.Wrap(apierr.KindBadState, fmt.Sprintf("agent %s/%s workspace template is invalid", tenant, agentName), err)
	}

	backend, runnerID, err := m.coord.SelectForNewSession(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.CreateSession(ctx, sessionID, tenant, agentName); err != nil {
		return nil, err
	}
	if err := m.db.SetSessionRunner(ctx, sessionID, runnerID); err != nil {
		return nil, err
	}

	sb, err := backend.CreateSandbox(ctx, tenant, sessionID, agentName, agent.Path, false)
	if err != nil {
		if setErr := m.db.SetSessionStatus(ctx, sessionID, store.SessionError); setErr != nil {
			log.Printf("session: create %s: mark error after sandbox failure: %v", sessionID, setErr)
		}
		return nil, err
	}

	if err := m.db.SetSessionSandbox(ctx, sessionID, sb.ID); err != nil {
		return nil, err
	}
	if err := m.db.SetSessionStatus(ctx, sessionID, store.SessionActive); err != nil {
		return nil, err
	}
	return m.db.GetSession(ctx, sessionID)
}

// Get returns the session row, apierr.NotFound if it doesn't exist.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.db.GetSession(ctx, sessionID)
}

// PrepareMessage implements the entry half of spec.md §4.4's message-send
// operation: it validates the session is active, marks the sandbox
// running, and sends the query command. The caller (the SSE proxy) then
// pulls events off the returned backend with RecvEvent until a terminal
// event, and finally calls FinishMessage.
func (m *Manager) PrepareMessage(ctx context.Context, sessionID, prompt string, includePartial bool) (runner.Backend, *store.Session, error) {
	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != store.SessionActive {
		return nil, nil, apierr.BadState("session %s is %s, not active", sessionID, sess.Status)
	}

	backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
	if err != nil {
		return nil, nil, err
	}
	if err := backend.MarkRunning(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	if err := backend.SendCommand(ctx, sessionID, bridgeproto.QueryCommand(sessionID, prompt, includePartial)); err != nil {
		return nil, nil, err
	}
	return backend, sess, nil
}

// FinishMessage implements the exit half of the message-send operation.
// turnErr is non-nil when RecvEvent failed with a transport error (the
// bridge process died mid-stream) rather than a clean "done"/"error"
// event — per spec.md §4.6, only that case destroys the sandbox; an
// EvError event surfaced to the client over SSE leaves the sandbox intact
// for the next turn.
func (m *Manager) FinishMessage(ctx context.Context, sessionID string, backend runner.Backend, turnErr error) {
	if turnErr != nil {
		log.Printf("session: message %s: bridge connection lost mid-turn: %v", sessionID, turnErr)
		if err := backend.DestroySandbox(ctx, sessionID); err != nil {
			log.Printf("session: message %s: destroy after crash: %v", sessionID, err)
		}
		if err := m.db.SetSessionStatus(ctx, sessionID, store.SessionError); err != nil {
			log.Printf("session: message %s: mark error: %v", sessionID, err)
		}
		return
	}
	if err := backend.MarkWaiting(ctx, sessionID); err != nil {
		log.Printf("session: message %s: mark waiting: %v", sessionID, err)
	}
	// MarkWaiting before PersistState: a sandbox snapshotted while still
	// "running" could capture a half-written file from the in-flight turn.
	backend.PersistState(ctx, sessionID)
	if err := m.db.TouchSession(ctx, sessionID); err != nil {
		log.Printf("session: message %s: touch: %v", sessionID, err)
	}
}

// Pause implements spec.md §4.4's Pause operation: only legal from active.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionActive {
		return apierr.BadState("session %s is %s, not active", sessionID, sess.Status)
	}
	backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
	if err != nil {
		return err
	}
	backend.PersistState(ctx, sessionID)
	return m.db.SetSessionStatus(ctx, sessionID, store.SessionPaused)
}

// End implements spec.md §4.4's End operation: persist, destroy the
// sandbox, and mark ended. Ended is terminal — the session row is never
// transitioned again.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionEnded {
		return nil
	}
	backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
	if err != nil {
		return err
	}
	backend.PersistState(ctx, sessionID)
	if err := backend.DestroySandbox(ctx, sessionID); err != nil {
		log.Printf("session: end %s: destroy: %v", sessionID, err)
	}
	return m.db.SetSessionStatus(ctx, sessionID, store.SessionEnded)
}
