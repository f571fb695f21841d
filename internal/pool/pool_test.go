package pool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridge"
	"github.com/ash-run/bridge/internal/rlimit"
	"github.com/ash-run/bridge/internal/store"
	"github.com/ash-run/bridge/internal/workspace"
)

func openTestPool(t *testing.T, maxCapacity int64) *Pool {
	t.Helper()
	dataDir := t.TempDir()
	db, err := store.Open(filepath.Join(dataDir, "ash.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ws := workspace.NewManager(dataDir, nil, "")
	cfg := Config{MaxCapacity: maxCapacity, IdleTimeout: time.Minute, ColdCleanupTTL: time.Hour}
	return New(db, ws, cfg, bridge.DefaultConfig(), "/nonexistent/bridge", dataDir)
}

func seedSandbox(t *testing.T, p *Pool, id string, state store.SandboxState, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	if _, err := p.db.CreateSandbox(ctx, id, "t1", nil, "agentX", p.workspaceDir(id)); err != nil {
		t.Fatalf("create sandbox %s: %v", id, err)
	}
	if err := p.db.SetSandboxState(ctx, id, state); err != nil {
		t.Fatalf("set state %s: %v", id, err)
	}
	if _, err := p.db.Exec(`UPDATE sandboxes SET last_used_at = ? WHERE id = ?`,
		time.Now().Add(-age).UTC().Format(time.RFC3339Nano), id); err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
}

func TestEnsureCapacityNoOpBelowCapacity(t *testing.T) {
	p := openTestPool(t, 2)
	seedSandbox(t, p, "a", store.SandboxWaiting, time.Minute)

	if err := p.ensureCapacity(context.Background()); err != nil {
		t.Fatalf("ensureCapacity: %v", err)
	}
	n, err := p.db.CountSandboxes(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 sandbox untouched, got %d, err=%v", n, err)
	}
}

// TestEnsureCapacityEvictsWaitingThroughColdToDeletion exercises the exact
// two-step reclassification a tier-3 eviction requires to actually free
// capacity: waiting -> cold (first pass), cold -> deleted (second pass),
// leaving the other waiting sandbox untouched.
func TestEnsureCapacityEvictsWaitingThroughColdToDeletion(t *testing.T) {
	p := openTestPool(t, 2)
	seedSandbox(t, p, "older", store.SandboxWaiting, 2*time.Hour)
	seedSandbox(t, p, "newer", store.SandboxWaiting, time.Minute)

	var hookCalled string
	p.SetBeforeEvictHook(func(ctx context.Context, sandboxID string) { hookCalled = sandboxID })

	if err := p.ensureCapacity(context.Background()); err != nil {
		t.Fatalf("ensureCapacity: %v", err)
	}

	if hookCalled != "older" {
		t.Fatalf("expected beforeEvict hook called for 'older', got %q", hookCalled)
	}

	n, err := p.db.CountSandboxes(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 sandbox remaining, got %d", n)
	}

	remaining, err := p.db.GetSandbox(context.Background(), "newer")
	if err != nil {
		t.Fatalf("get newer: %v", err)
	}
	if remaining.State != store.SandboxWaiting {
		t.Fatalf("expected 'newer' to remain waiting, got %s", remaining.State)
	}

	if _, err := p.db.GetSandbox(context.Background(), "older"); err == nil {
		t.Fatal("expected 'older' to have been deleted")
	}
}

func TestEnsureCapacityPrefersColdOverWarmOverWaiting(t *testing.T) {
	p := openTestPool(t, 2)
	seedSandbox(t, p, "warm-1", store.SandboxWarm, time.Minute)
	seedSandbox(t, p, "cold-1", store.SandboxCold, time.Second)

	if err := p.ensureCapacity(context.Background()); err != nil {
		t.Fatalf("ensureCapacity: %v", err)
	}

	if _, err := p.db.GetSandbox(context.Background(), "cold-1"); err == nil {
		t.Fatal("expected cold-1 (lowest tier) to be evicted first")
	}
	if _, err := p.db.GetSandbox(context.Background(), "warm-1"); err != nil {
		t.Fatalf("expected warm-1 to survive: %v", err)
	}
}

func TestEnsureCapacityFailsWhenOnlyRunningRemain(t *testing.T) {
	p := openTestPool(t, 1)
	seedSandbox(t, p, "running-1", store.SandboxRunning, time.Minute)

	err := p.ensureCapacity(context.Background())
	if err == nil {
		t.Fatal("expected capacity-full error")
	}
	kind, ok := apierr.KindOf(err)
	if !ok || kind != apierr.KindCapacityFull {
		t.Fatalf("expected KindCapacityFull, got %v (ok=%v)", kind, ok)
	}
}

func TestMarkRunningAndWaitingRequireLiveHandle(t *testing.T) {
	p := openTestPool(t, 2)
	if err := p.MarkRunning("no-such-sandbox"); err == nil {
		t.Fatal("expected error marking running for an unknown sandbox")
	}
	if err := p.MarkWaiting("no-such-sandbox"); err == nil {
		t.Fatal("expected error marking waiting for an unknown sandbox")
	}
}

func TestIdleSweepEvictsPastTimeoutOnly(t *testing.T) {
	p := openTestPool(t, 100)
	seedSandbox(t, p, "idle-old", store.SandboxWaiting, 2*time.Minute)
	seedSandbox(t, p, "idle-fresh", store.SandboxWaiting, time.Second)
	p.cfg.IdleTimeout = time.Minute

	p.idleSweepOnce(context.Background())

	old, err := p.db.GetSandbox(context.Background(), "idle-old")
	if err != nil {
		t.Fatalf("get idle-old: %v", err)
	}
	if old.State != store.SandboxCold {
		t.Fatalf("expected idle-old evicted to cold, got %s", old.State)
	}

	fresh, err := p.db.GetSandbox(context.Background(), "idle-fresh")
	if err != nil {
		t.Fatalf("get idle-fresh: %v", err)
	}
	if fresh.State != store.SandboxWaiting {
		t.Fatalf("expected idle-fresh untouched, got %s", fresh.State)
	}
}

func TestColdCleanupDeletesPastTTLOnly(t *testing.T) {
	p := openTestPool(t, 100)
	seedSandbox(t, p, "cold-old", store.SandboxCold, 2*time.Hour)
	seedSandbox(t, p, "cold-fresh", store.SandboxCold, time.Second)
	p.cfg.ColdCleanupTTL = time.Hour

	p.coldCleanupOnce(context.Background())

	if _, err := p.db.GetSandbox(context.Background(), "cold-old"); err == nil {
		t.Fatal("expected cold-old to be deleted")
	}
	if _, err := p.db.GetSandbox(context.Background(), "cold-fresh"); err != nil {
		t.Fatalf("expected cold-fresh to survive: %v", err)
	}
}

// TestOnDiskQuotaExceededRunsHookThenDestroys exercises the wiring a
// DiskSweeper's onExceeded callback drives: the session manager's hook runs
// first (so it can still read the session before the row disappears), then
// the sandbox is torn down exactly like Destroy.
func TestOnDiskQuotaExceededRunsHookThenDestroys(t *testing.T) {
	p := openTestPool(t, 100)
	seedSandbox(t, p, "hog", store.SandboxWaiting, time.Minute)

	var gotID string
	var gotReason *rlimit.DiskQuotaExceeded
	p.SetDiskQuotaHook(func(ctx context.Context, sandboxID string, reason *rlimit.DiskQuotaExceeded) {
		gotID = sandboxID
		gotReason = reason
		// The row must still exist when the hook runs.
		if _, err := p.db.GetSandbox(ctx, sandboxID); err != nil {
			t.Errorf("expected sandbox row to still exist in hook, got: %v", err)
		}
	})

	p.onDiskQuotaExceeded(&rlimit.DiskQuotaExceeded{SandboxID: "hog", UsedBytes: 2000, LimitBytes: 1000})

	if gotID != "hog" {
		t.Fatalf("expected hook called for 'hog', got %q", gotID)
	}
	if gotReason == nil || gotReason.UsedBytes != 2000 || gotReason.LimitBytes != 1000 {
		t.Fatalf("unexpected reason passed to hook: %+v", gotReason)
	}
	if _, err := p.db.GetSandbox(context.Background(), "hog"); err == nil {
		t.Fatal("expected sandbox row deleted after disk quota destroy")
	}
}

func TestMarkAllSandboxesColdClearsLiveMapAndRows(t *testing.T) {
	p := openTestPool(t, 100)
	seedSandbox(t, p, "warm-1", store.SandboxWarm, time.Minute)
	p.live["warm-1"] = &liveHandle{sandboxID: "warm-1", state: store.SandboxWarm}

	if err := p.MarkAllSandboxesCold(context.Background()); err != nil {
		t.Fatalf("mark all cold: %v", err)
	}

	if p.Live("warm-1") {
		t.Fatal("expected live map cleared after restart recovery")
	}
	sb, err := p.db.GetSandbox(context.Background(), "warm-1")
	if err != nil {
		t.Fatalf("get warm-1: %v", err)
	}
	if sb.State != store.SandboxCold {
		t.Fatalf("expected warm-1 marked cold, got %s", sb.State)
	}
}
