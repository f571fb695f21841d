package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
)

// SandboxState is one of spec.md §4.3's five lifecycle states.
type SandboxState string

const (
	SandboxCold    SandboxState = "cold"
	SandboxWarming SandboxState = "warming"
	SandboxWarm    SandboxState = "warm"
	SandboxWaiting SandboxState = "waiting"
	SandboxRunning SandboxState = "running"
)

// tierOf orders states for the eviction query: cold < warm < waiting.
// warming and running never appear as eviction candidates.
func tierOf(s SandboxState) int {
	switch s {
	case SandboxCold:
		return 0
	case SandboxWarm:
		return 1
	case SandboxWaiting:
		return 2
	default:
		return 99
	}
}

// Sandbox mirrors spec.md §3's Sandbox entity.
type Sandbox struct {
	ID           string
	Tenant       string
	SessionID    sql.NullString
	AgentName    string
	State        SandboxState
	WorkspaceDir string
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// CountSandboxes returns the total row count, compared against
// MAX_SANDBOXES before every create per spec.md §4.3.
func (db *DB) CountSandboxes(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandboxes`).Scan(&n)
	return n, err
}

// CountSandboxesInState returns the row count for a single state, used to
// assemble the pool-stats snapshot (spec.md §6).
func (db *DB) CountSandboxesInState(ctx context.Context, state SandboxState) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM sandboxes WHERE state = %s`, db.ph(1))
	var n int64
	err := db.QueryRowContext(ctx, query, string(state)).Scan(&n)
	return n, err
}

// CreateSandbox inserts a new row in state "warming" bound to sessionID
// (nil for a pool-prewarmed sandbox with no session yet).
func (db *DB) CreateSandbox(ctx context.Context, id, tenant string, sessionID *string, agentName, workspaceDir string) (*Sandbox, error) {
	t := now()
	query := fmt.Sprintf(`
		INSERT INTO sandboxes (id, tenant, session_id, agent_name, state, workspace_dir, created_at, last_used_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6), db.ph(7), db.ph(8))
	_, err := db.ExecContext(ctx, query, id, tenant, sessionID, agentName, string(SandboxWarming), workspaceDir, db.timeArg(t), db.timeArg(t))
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return db.GetSandbox(ctx, id)
}

// GetSandbox returns apierr.NotFound when id has no row.
func (db *DB) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant, session_id, agent_name, state, workspace_dir, created_at, last_used_at
		FROM sandboxes WHERE id = %s`, db.ph(1))
	row := db.QueryRowContext(ctx, query, id)
	sb := &Sandbox{}
	var state string
	var created, updated any
	if err := row.Scan(&sb.ID, &sb.Tenant, &sb.SessionID, &sb.AgentName, &state, &sb.WorkspaceDir, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("sandbox %s not found", id)
		}
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	sb.State = SandboxState(state)
	var err error
	if sb.CreatedAt, err = db.parseTime(created); err != nil {
		return nil, err
	}
	if sb.LastUsedAt, err = db.parseTime(updated); err != nil {
		return nil, err
	}
	return sb, nil
}

// SetSandboxState transitions state and bumps last_used_at, whatever the
// new state (for cold, this starts the cold-cleanup TTL clock).
func (db *DB) SetSandboxState(ctx context.Context, id string, state SandboxState) error {
	query := fmt.Sprintf(`UPDATE sandboxes SET state = %s, last_used_at = %s WHERE id = %s`, db.ph(1), db.ph(2), db.ph(3))
	_, err := db.ExecContext(ctx, query, string(state), db.timeArg(now()), id)
	return err
}

// DeleteSandbox removes the row (eviction tier 1/2, cold cleanup).
func (db *DB) DeleteSandbox(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM sandboxes WHERE id = %s`, db.ph(1))
	_, err := db.ExecContext(ctx, query, id)
	return err
}

// EvictionCandidate is a minimal projection of the sandboxes row the pool
// needs to act on an eviction.
type EvictionCandidate struct {
	ID    string
	State SandboxState
}

// SelectEvictionCandidate implements spec.md §4.3's single tiered query:
// cold < warm < waiting, then last_used_at ascending, then id as a
// deterministic tie-break. running and warming sandboxes are excluded by
// the WHERE clause — they can never be selected.
func (db *DB) SelectEvictionCandidate(ctx context.Context) (*EvictionCandidate, error) {
	query := fmt.Sprintf(`
		SELECT id, state FROM sandboxes
		WHERE state IN (%s, %s, %s)
		ORDER BY
			CASE state WHEN %s THEN 0 WHEN %s THEN 1 WHEN %s THEN 2 ELSE 9 END ASC,
			last_used_at ASC,
			id ASC
		LIMIT 1`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	row := db.QueryRowContext(ctx, query,
		string(SandboxCold), string(SandboxWarm), string(SandboxWaiting),
		string(SandboxCold), string(SandboxWarm), string(SandboxWaiting))
	c := &EvictionCandidate{}
	var state string
	if err := row.Scan(&c.ID, &state); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select eviction candidate: %w", err)
	}
	c.State = SandboxState(state)
	return c, nil
}

// SelectIdleWaiting returns "waiting" sandboxes idle past cutoff, for the
// 60s idle sweep (spec.md §4.3).
func (db *DB) SelectIdleWaiting(ctx context.Context, cutoff time.Time) ([]string, error) {
	return db.selectIDsOlderThan(ctx, string(SandboxWaiting), cutoff)
}

// SelectColdPastTTL returns "cold" sandboxes past the cold-cleanup TTL
// (spec.md §4.3).
func (db *DB) SelectColdPastTTL(ctx context.Context, cutoff time.Time) ([]string, error) {
	return db.selectIDsOlderThan(ctx, string(SandboxCold), cutoff)
}

func (db *DB) selectIDsOlderThan(ctx context.Context, state string, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM sandboxes WHERE state = %s AND last_used_at < %s`, db.ph(1), db.ph(2))
	rows, err := db.QueryContext(ctx, query, state, db.timeArg(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select ids older than: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkAllSandboxesCold implements spec.md §4.3's restart recovery: every row
// with a live-process state is reset to cold, since a fresh process start
// means the live-handle map is empty and no process from before survives.
func (db *DB) MarkAllSandboxesCold(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`UPDATE sandboxes SET state = %s WHERE state IN (%s, %s, %s, %s)`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5))
	res, err := db.ExecContext(ctx, query,
		string(SandboxCold), string(SandboxWarming), string(SandboxWarm), string(SandboxWaiting), string(SandboxRunning))
	if err != nil {
		return 0, fmt.Errorf("mark all sandboxes cold: %w", err)
	}
	return res.RowsAffected()
}

// GetSandboxBySession finds the sandbox row bound to a session, if any.
func (db *DB) GetSandboxBySession(ctx context.Context, sessionID string) (*Sandbox, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant, session_id, agent_name, state, workspace_dir, created_at, last_used_at
		FROM sandboxes WHERE session_id = %s`, db.ph(1))
	row := db.QueryRowContext(ctx, query, sessionID)
	sb := &Sandbox{}
	var state string
	var created, updated any
	if err := row.Scan(&sb.ID, &sb.Tenant, &sb.SessionID, &sb.AgentName, &state, &sb.WorkspaceDir, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("no sandbox bound to session %s", sessionID)
		}
		return nil, fmt.Errorf("get sandbox by session: %w", err)
	}
	sb.State = SandboxState(state)
	var err error
	if sb.CreatedAt, err = db.parseTime(created); err != nil {
		return nil, err
	}
	if sb.LastUsedAt, err = db.parseTime(updated); err != nil {
		return nil, err
	}
	return sb, nil
}
