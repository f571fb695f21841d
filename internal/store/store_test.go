package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ash.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEvictionCandidateOrdersByTierThenLastUsed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mk := func(id string, state SandboxState, age time.Duration) {
		if _, err := db.CreateSandbox(ctx, id, "t1", nil, "agentX", "data/sandboxes/"+id+"/workspace"); err != nil {
			t.Fatalf("create sandbox %s: %v", id, err)
		}
		if err := db.SetSandboxState(ctx, id, state); err != nil {
			t.Fatalf("set state %s: %v", id, err)
		}
		// Backdate last_used_at directly so ordering is deterministic.
		q := `UPDATE sandboxes SET last_used_at = ? WHERE id = ?`
		if _, err := db.Exec(q, time.Now().Add(-age).UTC().Format(time.RFC3339Nano), id); err != nil {
			t.Fatalf("backdate %s: %v", id, err)
		}
	}

	mk("running-1", SandboxRunning, time.Hour)
	mk("waiting-old", SandboxWaiting, 2*time.Hour)
	mk("warm-1", SandboxWarm, time.Minute)
	mk("cold-1", SandboxCold, time.Second)

	got, err := db.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("select eviction candidate: %v", err)
	}
	if got == nil {
		t.Fatal("expected an eviction candidate")
	}
	if got.ID != "cold-1" {
		t.Fatalf("expected cold-1 (lowest tier) first, got %s", got.ID)
	}

	if err := db.DeleteSandbox(ctx, "cold-1"); err != nil {
		t.Fatalf("delete cold-1: %v", err)
	}
	got, err = db.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("select eviction candidate: %v", err)
	}
	if got == nil || got.ID != "warm-1" {
		t.Fatalf("expected warm-1 next, got %+v", got)
	}

	if err := db.DeleteSandbox(ctx, "warm-1"); err != nil {
		t.Fatalf("delete warm-1: %v", err)
	}
	got, err = db.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("select eviction candidate: %v", err)
	}
	if got == nil || got.ID != "waiting-old" {
		t.Fatalf("expected waiting-old next, got %+v", got)
	}

	if err := db.DeleteSandbox(ctx, "waiting-old"); err != nil {
		t.Fatalf("delete waiting-old: %v", err)
	}
	got, err = db.SelectEvictionCandidate(ctx)
	if err != nil {
		t.Fatalf("select eviction candidate: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no candidate once only running-1 remains, got %+v", got)
	}
}

func TestMarkAllSandboxesColdIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, state := range []SandboxState{SandboxWarming, SandboxWarm, SandboxWaiting, SandboxRunning} {
		id := string(rune('a' + i))
		if _, err := db.CreateSandbox(ctx, id, "t1", nil, "agentX", "data/sandboxes/"+id+"/workspace"); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := db.SetSandboxState(ctx, id, state); err != nil {
			t.Fatalf("set state: %v", err)
		}
	}

	n, err := db.MarkAllSandboxesCold(ctx)
	if err != nil {
		t.Fatalf("mark all cold: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 rows affected, got %d", n)
	}

	n, err = db.MarkAllSandboxesCold(ctx)
	if err != nil {
		t.Fatalf("mark all cold (second pass): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second pass to affect 0 rows, got %d", n)
	}
}

func TestAppendMessageSequencesAtomically(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateSession(ctx, "sess-1", "t1", "agentX"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		m, err := db.AppendMessage(ctx, "t1", "sess-1", "user", "hello")
		if err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
		if m.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, m.Sequence)
		}
	}

	msgs, err := db.ListMessages(ctx, "t1", "sess-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != int64(i+1) {
			t.Fatalf("message %d has sequence %d", i, m.Sequence)
		}
	}
}

func TestPauseSessionsForRunnerIsBulkAndIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := db.CreateSession(ctx, id, "t1", "agentX"); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
		runnerID := "runner-1"
		if err := db.SetSessionRunner(ctx, id, &runnerID); err != nil {
			t.Fatalf("set runner %s: %v", id, err)
		}
	}
	if err := db.SetSessionStatus(ctx, "s1", SessionActive); err != nil {
		t.Fatalf("set status s1: %v", err)
	}
	if err := db.SetSessionStatus(ctx, "s2", SessionActive); err != nil {
		t.Fatalf("set status s2: %v", err)
	}
	if err := db.SetSessionStatus(ctx, "s3", SessionEnded); err != nil {
		t.Fatalf("set status s3: %v", err)
	}

	n, err := db.PauseSessionsForRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("pause sessions: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions paused, got %d", n)
	}

	n, err = db.PauseSessionsForRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("pause sessions (second pass): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second pass to affect 0 rows (already paused/ended), got %d", n)
	}

	s3, err := db.GetSession(ctx, "s3")
	if err != nil {
		t.Fatalf("get s3: %v", err)
	}
	if s3.Status != SessionEnded {
		t.Fatalf("expected s3 to remain ended, got %s", s3.Status)
	}
}
