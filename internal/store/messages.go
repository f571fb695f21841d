package store

import (
	"context"
	"fmt"
	"time"
)

// Message is an append-only per-session record with a monotonic sequence
// number unique within (tenant, session_id), per spec.md §3.
type Message struct {
	ID        int64
	Tenant    string
	SessionID string
	Sequence  int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// AppendMessage assigns the next sequence number for (tenant, sessionID)
// and inserts the row in one transaction, so concurrent appends to the
// same session can never collide on sequence — spec.md §3's "sequence
// assignment must be atomic" requirement.
func (db *DB) AppendMessage(ctx context.Context, tenant, sessionID, role, content string) (*Message, error) {
	seq, err := db.appendSequenced(ctx, "messages", tenant, sessionID, role, content)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &Message{Tenant: tenant, SessionID: sessionID, Sequence: seq, Role: role, Content: content, CreatedAt: now()}, nil
}

// appendSequenced is shared by AppendMessage and AppendSessionEvent: within
// one transaction it reads MAX(sequence) for the (tenant, session_id) pair
// and inserts at max+1, so the read-then-insert is never interleaved with
// another writer's.
func (db *DB) appendSequenced(ctx context.Context, table, tenant, sessionID, col1, col2 string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	maxQuery := fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE tenant = %s AND session_id = %s`, table, db.ph(1), db.ph(2))
	var maxSeq int64
	if err := tx.QueryRowContext(ctx, maxQuery, tenant, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("select max sequence: %w", err)
	}
	seq := maxSeq + 1

	var insertQuery string
	switch table {
	case "messages":
		insertQuery = fmt.Sprintf(`
			INSERT INTO messages (tenant, session_id, sequence, role, content, created_at)
			VALUES (%s, %s, %s, %s, %s, %s)`,
			db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	case "session_events":
		insertQuery = fmt.Sprintf(`
			INSERT INTO session_events (tenant, session_id, sequence, event_type, payload, created_at)
			VALUES (%s, %s, %s, %s, %s, %s)`,
			db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), db.ph(6))
	default:
		return 0, fmt.Errorf("unknown sequenced table %q", table)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, tenant, sessionID, seq, col1, col2, db.timeArg(now())); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// ListMessages returns all messages for a session, ordered by sequence.
func (db *DB) ListMessages(ctx context.Context, tenant, sessionID string) ([]Message, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant, session_id, sequence, role, content, created_at
		FROM messages WHERE tenant = %s AND session_id = %s ORDER BY sequence ASC`, db.ph(1), db.ph(2))
	rows, err := db.QueryContext(ctx, query, tenant, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var created any
		if err := rows.Scan(&m.ID, &m.Tenant, &m.SessionID, &m.Sequence, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = db.parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
