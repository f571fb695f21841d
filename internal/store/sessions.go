package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
)

// SessionStatus is one of spec.md §3's session.status values.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionError    SessionStatus = "error"
	SessionEnded    SessionStatus = "ended"
)

// Session mirrors spec.md §3's Session entity.
type Session struct {
	ID           string
	Tenant       string
	AgentName    string
	SandboxID    sql.NullString
	Status       SessionStatus
	RunnerID     sql.NullString
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// CreateSession inserts a new session row with status "starting", per
// spec.md §4.4 Create step 4. id is the caller-chosen session id (also the
// sandbox directory name).
func (db *DB) CreateSession(ctx context.Context, id, tenant, agentName string) (*Session, error) {
	t := now()
	query := fmt.Sprintf(`
		INSERT INTO sessions (id, tenant, agent_name, sandbox_id, status, runner_id, created_at, last_active_at)
		VALUES (%s, %s, %s, NULL, %s, NULL, %s, %s)`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	_, err := db.ExecContext(ctx, query, id, tenant, agentName, string(SessionStarting), db.timeArg(t), db.timeArg(t))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return db.GetSession(ctx, id)
}

// GetSession returns apierr.NotFound when id has no row.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant, agent_name, sandbox_id, status, runner_id, created_at, last_active_at
		FROM sessions WHERE id = %s`, db.ph(1))
	row := db.QueryRowContext(ctx, query, id)
	return db.scanSession(row)
}

func (db *DB) scanSession(row *sql.Row) (*Session, error) {
	s := &Session{}
	var status string
	var created, updated any
	if err := row.Scan(&s.ID, &s.Tenant, &s.AgentName, &s.SandboxID, &status, &s.RunnerID, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("session not found")
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = SessionStatus(status)
	var err error
	if s.CreatedAt, err = db.parseTime(created); err != nil {
		return nil, err
	}
	if s.LastActiveAt, err = db.parseTime(updated); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSessionSandbox binds a session to the sandbox created for it.
func (db *DB) SetSessionSandbox(ctx context.Context, sessionID, sandboxID string) error {
	query := fmt.Sprintf(`UPDATE sessions SET sandbox_id = %s WHERE id = %s`, db.ph(1), db.ph(2))
	_, err := db.ExecContext(ctx, query, sandboxID, sessionID)
	return err
}

// SetSessionRunner records which runner owns a session, NULL for local.
func (db *DB) SetSessionRunner(ctx context.Context, sessionID string, runnerID *string) error {
	query := fmt.Sprintf(`UPDATE sessions SET runner_id = %s WHERE id = %s`, db.ph(1), db.ph(2))
	_, err := db.ExecContext(ctx, query, runnerID, sessionID)
	return err
}

// SetSessionStatus transitions status and bumps last_active_at. Per
// spec.md §3's invariant, callers must not call this for a session already
// in SessionEnded — enforced by the session manager, not here, since the
// DAO has no business logic beyond persistence.
func (db *DB) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	query := fmt.Sprintf(`UPDATE sessions SET status = %s, last_active_at = %s WHERE id = %s`, db.ph(1), db.ph(2), db.ph(3))
	_, err := db.ExecContext(ctx, query, string(status), db.timeArg(now()), sessionID)
	return err
}

// TouchSession bumps last_active_at without changing status.
func (db *DB) TouchSession(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`UPDATE sessions SET last_active_at = %s WHERE id = %s`, db.ph(1), db.ph(2))
	_, err := db.ExecContext(ctx, query, db.timeArg(now()), sessionID)
	return err
}

// PauseSessionsForRunner implements spec.md §4.7's deregister/liveness-sweep
// bulk operation: a single statement pausing every non-terminal session
// owned by runnerID. Idempotent — already-paused or already-ended sessions
// are left alone by the WHERE clause.
func (db *DB) PauseSessionsForRunner(ctx context.Context, runnerID string) (int64, error) {
	query := fmt.Sprintf(
		`UPDATE sessions SET status = %s, last_active_at = %s WHERE runner_id = %s AND status IN (%s, %s)`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5))
	res, err := db.ExecContext(ctx, query, string(SessionPaused), db.timeArg(now()), runnerID, string(SessionActive), string(SessionStarting))
	if err != nil {
		return 0, fmt.Errorf("pause sessions for runner: %w", err)
	}
	return res.RowsAffected()
}

// timeArg formats t for this driver's timestamp column type.
func (db *DB) timeArg(t time.Time) any {
	if db.driver == DriverPostgres {
		return t
	}
	return t.Format(time.RFC3339Nano)
}

func (db *DB) parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	default:
		return time.Time{}, fmt.Errorf("unrecognized time column type %T", v)
	}
}
