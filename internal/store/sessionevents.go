package store

import (
	"context"
	"fmt"
	"time"
)

// SessionEvent is an append-only record of bridge events relayed through a
// session (spec.md §3), sequenced the same way Message is.
type SessionEvent struct {
	ID        int64
	Tenant    string
	SessionID string
	Sequence  int64
	EventType string
	Payload   string
	CreatedAt time.Time
}

// AppendSessionEvent assigns the next sequence number for (tenant,
// sessionID) and inserts the event row atomically.
func (db *DB) AppendSessionEvent(ctx context.Context, tenant, sessionID, eventType, payload string) (*SessionEvent, error) {
	seq, err := db.appendSequenced(ctx, "session_events", tenant, sessionID, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("append session event: %w", err)
	}
	return &SessionEvent{Tenant: tenant, SessionID: sessionID, Sequence: seq, EventType: eventType, Payload: payload, CreatedAt: now()}, nil
}

// ListSessionEvents returns all events for a session, ordered by sequence —
// used to rebuild a resumed client's view of the stream if ever needed.
func (db *DB) ListSessionEvents(ctx context.Context, tenant, sessionID string) ([]SessionEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant, session_id, sequence, event_type, payload, created_at
		FROM session_events WHERE tenant = %s AND session_id = %s ORDER BY sequence ASC`, db.ph(1), db.ph(2))
	rows, err := db.QueryContext(ctx, query, tenant, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()
	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var created any
		if err := rows.Scan(&e.ID, &e.Tenant, &e.SessionID, &e.Sequence, &e.EventType, &e.Payload, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = db.parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
