package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
)

// Runner mirrors spec.md §3's Runner entity.
type Runner struct {
	ID              string
	Host            string
	Port            int
	MaxSandboxes    int
	ActiveCount     int
	WarmingCount    int
	LastHeartbeatAt time.Time
	RegisteredAt    time.Time
}

// RegisterRunner upserts a runner row — spec.md §4.7's registration is
// idempotent by id, so a retried register from the same runner never
// creates a duplicate.
func (db *DB) RegisterRunner(ctx context.Context, id, host string, port, maxSandboxes int) error {
	t := now()
	var query string
	if db.driver == DriverPostgres {
		query = fmt.Sprintf(`
			INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
			VALUES (%s, %s, %s, %s, 0, 0, %s, %s)
			ON CONFLICT (id) DO UPDATE SET host = EXCLUDED.host, port = EXCLUDED.port,
				max_sandboxes = EXCLUDED.max_sandboxes, last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
			db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	} else {
		query = fmt.Sprintf(`
			INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
			VALUES (%s, %s, %s, %s, 0, 0, %s, %s)
			ON CONFLICT (id) DO UPDATE SET host = excluded.host, port = excluded.port,
				max_sandboxes = excluded.max_sandboxes, last_heartbeat_at = excluded.last_heartbeat_at`,
			db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	}
	_, err := db.ExecContext(ctx, query, id, host, port, maxSandboxes, db.timeArg(t), db.timeArg(t))
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	return nil
}

// HeartbeatRunner updates the liveness row, per spec.md §4.7's 10s cadence.
func (db *DB) HeartbeatRunner(ctx context.Context, id string, active, warming int) error {
	query := fmt.Sprintf(`UPDATE runners SET active_count = %s, warming_count = %s, last_heartbeat_at = %s WHERE id = %s`,
		db.ph(1), db.ph(2), db.ph(3), db.ph(4))
	_, err := db.ExecContext(ctx, query, active, warming, db.timeArg(now()), id)
	return err
}

// DeleteRunner removes a runner row (graceful deregister or liveness sweep).
func (db *DB) DeleteRunner(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM runners WHERE id = %s`, db.ph(1))
	_, err := db.ExecContext(ctx, query, id)
	return err
}

// GetRunner returns apierr.NotFound when id has no row.
func (db *DB) GetRunner(ctx context.Context, id string) (*Runner, error) {
	query := fmt.Sprintf(`
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE id = %s`, db.ph(1))
	row := db.QueryRowContext(ctx, query, id)
	return db.scanRunner(row)
}

func (db *DB) scanRunner(row *sql.Row) (*Runner, error) {
	r := &Runner{}
	var hb, reg any
	if err := row.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &hb, &reg); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("runner not found")
		}
		return nil, fmt.Errorf("scan runner: %w", err)
	}
	var err error
	if r.LastHeartbeatAt, err = db.parseTime(hb); err != nil {
		return nil, err
	}
	if r.RegisteredAt, err = db.parseTime(reg); err != nil {
		return nil, err
	}
	return r, nil
}

// SelectHealthiestRunner implements spec.md §4.7's selection query: the
// healthy (heartbeat within cutoff) runner with the most spare capacity.
// Returns (nil, nil) when no healthy runner exists — callers map that to
// apierr.NoRunners or fall back to the local backend.
func (db *DB) SelectHealthiestRunner(ctx context.Context, cutoff time.Time) (*Runner, error) {
	query := fmt.Sprintf(`
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners
		WHERE last_heartbeat_at > %s
		ORDER BY (max_sandboxes - active_count - warming_count) DESC
		LIMIT 1`, db.ph(1))
	row := db.QueryRowContext(ctx, query, db.timeArg(cutoff))
	r, err := db.scanRunner(row)
	if err != nil {
		if _, ok := apierr.KindOf(err); ok {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// SelectDeadRunners returns ids of runners whose heartbeat is older than
// cutoff, for the 30s liveness sweep (spec.md §4.7).
func (db *DB) SelectDeadRunners(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM runners WHERE last_heartbeat_at < %s`, db.ph(1))
	rows, err := db.QueryContext(ctx, query, db.timeArg(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select dead runners: %w", err)
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

// CountRunners returns the total number of registered runners, for the
// ash_runners_total gauge (spec.md §6.1).
func (db *DB) CountRunners(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runners`).Scan(&n)
	return n, err
}

// CountHealthyRunners returns the number of runners with a heartbeat newer
// than cutoff, for the ash_runners_healthy gauge (spec.md §6.1).
func (db *DB) CountHealthyRunners(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM runners WHERE last_heartbeat_at > %s`, db.ph(1))
	var n int64
	err := db.QueryRowContext(ctx, query, db.timeArg(cutoff)).Scan(&n)
	return n, err
}
