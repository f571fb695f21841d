package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/rlimit"
	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/store"
)

// fakeBackend is a scriptable Backend double so session tests don't need
// a real bridge process or pool.
type fakeBackend struct {
	db          *store.DB
	createErr   error
	sendErr     error
	createCalls int
	destroyed   []string
	running     []string
	waiting     []string
	persisted   []string
	calls       []string // order of MarkWaiting ("waiting") and PersistState ("persist") calls
	resumeCalls int
	warmNotes   int
}

func (f *fakeBackend) CreateSandbox(ctx context.Context, tenant, sessionID, agentName, agentDir string, resume bool) (*store.Sandbox, error) {
	f.createCalls++
	if resume {
		f.resumeCalls++
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.db.CreateSandbox(ctx, sessionID, tenant, &sessionID, agentName, "/tmp/ws")
}
func (f *fakeBackend) DestroySandbox(ctx context.Context, sessionID string) error {
	f.destroyed = append(f.destroyed, sessionID)
	return f.db.DeleteSandbox(ctx, sessionID)
}
func (f *fakeBackend) SendCommand(ctx context.Context, sessionID string, cmd bridgeproto.Command) error {
	return f.sendErr
}
func (f *fakeBackend) RecvEvent(ctx context.Context, sessionID string) (bridgeproto.Event, error) {
	return bridgeproto.Event{}, nil
}
func (f *fakeBackend) MarkRunning(ctx context.Context, sessionID string) error {
	f.running = append(f.running, sessionID)
	return nil
}
func (f *fakeBackend) MarkWaiting(ctx context.Context, sessionID string) error {
	f.waiting = append(f.waiting, sessionID)
	f.calls = append(f.calls, "waiting")
	return nil
}
func (f *fakeBackend) PersistState(ctx context.Context, sessionID string) {
	f.persisted = append(f.persisted, sessionID)
	f.calls = append(f.calls, "persist")
}
func (f *fakeBackend) GetStats(ctx context.Context) (pool.Stats, error) { return pool.Stats{}, nil }
func (f *fakeBackend) NoteWarmResume(ctx context.Context)               { f.warmNotes++ }

func openTestManager(t *testing.T) (*Manager, *store.DB, *fakeBackend) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	backend := &fakeBackend{db: db}
	coord := runner.NewCoordinator(db, backend, "")
	return NewManager(db, coord), db, backend
}

func seedAgent(t *testing.T, db *store.DB, tenant, name string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# agent\n"), 0644); err != nil {
		t.Fatalf("write CLAUDE.md: %v", err)
	}
	if _, err := db.UpsertAgent(context.Background(), tenant, name, dir); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return dir
}

func TestCreateActivatesSessionOnSuccess(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")

	sess, err := m.Create(context.Background(), "t1", "s1", "agentX")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("expected active, got %s", sess.Status)
	}
	if backend.createCalls != 1 {
		t.Fatalf("expected 1 create call, got %d", backend.createCalls)
	}
}

func TestCreateFailsForMissingAgent(t *testing.T) {
	m, _, _ := openTestManager(t)
	_, err := m.Create(context.Background(), "t1", "s1", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := apierr.KindOf(err); !ok || kind != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v (ok=%v)", kind, ok)
	}
}

func TestCreateMarksSessionErrorOnSandboxFailure(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	backend.createErr = apierr.BridgeStartup(nil, "boom", 1)

	_, err := m.Create(context.Background(), "t1", "s1", "agentX")
	if err == nil {
		t.Fatal("expected error")
	}
	sess, getErr := db.GetSession(context.Background(), "s1")
	if getErr != nil {
		t.Fatalf("get session: %v", getErr)
	}
	if sess.Status != store.SessionError {
		t.Fatalf("expected error status, got %s", sess.Status)
	}
}

func TestMessageLifecycleMarksWaitingBeforePersist(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}

	b, _, err := m.PrepareMessage(context.Background(), "s1", "hello", false)
	if err != nil {
		t.Fatalf("prepare message: %v", err)
	}
	m.FinishMessage(context.Background(), "s1", b, nil)

	if len(backend.waiting) != 1 || len(backend.persisted) != 1 {
		t.Fatalf("expected one waiting and one persist call, got waiting=%v persisted=%v", backend.waiting, backend.persisted)
	}
	if backend.calls[0] != "waiting" || backend.calls[1] != "persist" {
		t.Fatalf("expected MarkWaiting before PersistState, got %v", backend.calls)
	}
}

func TestMessageRejectedWhenNotActive(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := db.CreateSession(context.Background(), "s1", "t1", "agentX"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	_, _, err := m.PrepareMessage(context.Background(), "s1", "hello", false)
	if err == nil {
		t.Fatal("expected error for non-active session")
	}
	if kind, ok := apierr.KindOf(err); !ok || kind != apierr.KindBadState {
		t.Fatalf("expected KindBadState, got %v (ok=%v)", kind, ok)
	}
}

func TestFinishMessageDestroysSandboxOnTransportError(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.FinishMessage(context.Background(), "s1", backend, context.DeadlineExceeded)

	if len(backend.destroyed) != 1 {
		t.Fatalf("expected sandbox destroyed, got %v", backend.destroyed)
	}
	sess, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionError {
		t.Fatalf("expected error status, got %s", sess.Status)
	}
}

func TestPauseRequiresActive(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := db.CreateSession(context.Background(), "s1", "t1", "agentX"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := m.Pause(context.Background(), "s1"); err == nil {
		t.Fatal("expected error pausing a starting session")
	}
}

func TestResumeIsNoOpWhenActive(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Resume(context.Background(), "s1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestResumeFailsForEndedSession(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.End(context.Background(), "s1"); err != nil {
		t.Fatalf("end: %v", err)
	}

	err := m.Resume(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := apierr.KindOf(err); !ok || kind != apierr.KindGone {
		t.Fatalf("expected KindGone, got %v (ok=%v)", kind, ok)
	}
}

func TestResumeWarmPathSkipsSandboxCreate(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Pause(context.Background(), "s1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// The sandbox row is still "warm" (pause doesn't touch sandbox state),
	// so resume should take the warm path and skip CreateSandbox entirely.
	createsBefore := backend.createCalls

	if err := m.Resume(context.Background(), "s1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if backend.createCalls != createsBefore {
		t.Fatalf("expected no new CreateSandbox call on warm resume, before=%d after=%d", createsBefore, backend.createCalls)
	}
	if backend.warmNotes != 1 {
		t.Fatalf("expected one warm-resume note, got %d", backend.warmNotes)
	}
	sess, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("expected active after warm resume, got %s", sess.Status)
	}
}

func TestResumeColdPathRecreatesSandboxWhenCold(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Pause(context.Background(), "s1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := db.SetSandboxState(context.Background(), "s1", store.SandboxCold); err != nil {
		t.Fatalf("mark cold: %v", err)
	}

	if err := m.Resume(context.Background(), "s1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if backend.resumeCalls != 1 {
		t.Fatalf("expected one resume-flagged CreateSandbox call, got %d", backend.resumeCalls)
	}
	sess, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("expected active after cold resume, got %s", sess.Status)
	}
}

func TestOnDiskQuotaExceededMarksSessionError(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.onDiskQuotaExceeded(context.Background(), "s1", &rlimit.DiskQuotaExceeded{
		SandboxID:  "s1",
		UsedBytes:  2 * 1024 * 1024 * 1024,
		LimitBytes: 1024 * 1024 * 1024,
	})

	sess, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionError {
		t.Fatalf("expected error status after disk quota exceeded, got %s", sess.Status)
	}
}

func TestOnDiskQuotaExceededLeavesEndedSessionAlone(t *testing.T) {
	m, db, _ := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.End(context.Background(), "s1"); err != nil {
		t.Fatalf("end: %v", err)
	}

	m.onDiskQuotaExceeded(context.Background(), "s1", &rlimit.DiskQuotaExceeded{
		SandboxID:  "s1",
		UsedBytes:  2 * 1024 * 1024 * 1024,
		LimitBytes: 1024 * 1024 * 1024,
	})

	sess, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionEnded {
		t.Fatalf("expected ended session to stay ended, got %s", sess.Status)
	}
}

func TestEndIsTerminal(t *testing.T) {
	m, db, backend := openTestManager(t)
	seedAgent(t, db, "t1", "agentX")
	if _, err := m.Create(context.Background(), "t1", "s1", "agentX"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.End(context.Background(), "s1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(backend.destroyed) != 1 {
		t.Fatalf("expected sandbox destroyed once, got %v", backend.destroyed)
	}
	// Calling End again on an already-ended session must be a no-op, not
	// a second destroy.
	if err := m.End(context.Background(), "s1"); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if len(backend.destroyed) != 1 {
		t.Fatalf("expected no additional destroy, got %v", backend.destroyed)
	}
}
