package session

import (
	"context"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/store"
)

// Resume implements spec.md §4.4's Resume decision tree. active is a
// no-op, ended fails with apierr.Gone, and everything else (paused, error,
// starting) attempts a warm resume first and falls back to cold.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case store.SessionActive:
		return nil
	case store.SessionEnded:
		return apierr.Gone("session %s has ended", sessionID)
	}

	if sess.SandboxID.Valid {
		if warm, err := m.tryWarmResume(ctx, sess); err != nil {
			return err
		} else if warm {
			return nil
		}
	}
	return m.coldResume(ctx, sess)
}

// tryWarmResume checks whether the sandbox's process is still alive
// (sandbox.state != cold, tracked globally in the shared store regardless
// of which runner owns the live process) and, if so, flips the session
// back to active in O(1) — no new sandbox, no workspace restore.
func (m *Manager) tryWarmResume(ctx context.Context, sess *store.Session) (bool, error) {
	sb, err := m.db.GetSandbox(ctx, sess.SandboxID.String)
	if err != nil {
		if _, ok := apierr.KindOf(err); ok {
			return false, nil // row gone: fall through to cold resume
		}
		return false, err
	}
	if sb.State == store.SandboxCold {
		return false, nil
	}

	backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
	if err != nil {
		return false, nil // owning runner unreachable: fall through to cold resume
	}
	backend.NoteWarmResume(ctx)
	if err := m.db.SetSessionStatus(ctx, sess.ID, store.SessionActive); err != nil {
		return false, err
	}
	return true, nil
}

// coldResume implements spec.md §4.5.3: prefer the session's existing
// runner if it's still healthy (locality — the workspace may still be
// sitting in that runner's local snapshot tier), otherwise pick any
// healthy runner, create a fresh sandbox process there, restore the
// workspace through the usual tier chain, and send a resume command so
// the agent process picks its conversation back up.
func (m *Manager) coldResume(ctx context.Context, sess *store.Session) error {
	agent, err := m.db.GetAgent(ctx, sess.Tenant, sess.AgentName)
	if err != nil {
		return err
	}

	backend, runnerID, err := m.backendForColdResume(ctx, sess)
	if err != nil {
		return err
	}

	// A tier-3-evicted sandbox row for this same session id may still be
	// sitting around as "cold" (see internal/pool's capacity-reconciliation
	// note) — clear it so the resume's insert doesn't collide with it. The
	// workspace's local snapshot lives in a separate directory tree, so
	// this never touches the data CreateSandbox is about to restore.
	_ = m.db.DeleteSandbox(ctx, sess.ID)

	sb, err := backend.CreateSandbox(ctx, sess.Tenant, sess.ID, sess.AgentName, agent.Path, true)
	if err != nil {
		_ = m.db.SetSessionStatus(ctx, sess.ID, store.SessionError)
		return err
	}
	if err := m.db.SetSessionRunner(ctx, sess.ID, runnerID); err != nil {
		return err
	}
	if err := m.db.SetSessionSandbox(ctx, sess.ID, sb.ID); err != nil {
		return err
	}
	if err := backend.SendCommand(ctx, sess.ID, bridgeproto.ResumeCommand(sess.ID)); err != nil {
		_ = m.db.SetSessionStatus(ctx, sess.ID, store.SessionError)
		return err
	}
	return m.db.SetSessionStatus(ctx, sess.ID, store.SessionActive)
}

// backendForColdResume prefers the session's previous runner when it's
// still within the liveness window, otherwise asks the coordinator for any
// healthy runner (or the local backend).
func (m *Manager) backendForColdResume(ctx context.Context, sess *store.Session) (runner.Backend, *string, error) {
	if sess.RunnerID.Valid {
		r, err := m.db.GetRunner(ctx, sess.RunnerID.String)
		if err == nil && time.Since(r.LastHeartbeatAt) < runner.LivenessTimeout {
			backend, err := m.coord.RouteExisting(ctx, runnerPtr(sess.RunnerID))
			if err == nil {
				id := r.ID
				return backend, &id, nil
			}
		}
	}
	return m.coord.SelectForNewSession(ctx)
}
