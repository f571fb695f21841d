package bridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ash-run/bridge/internal/bridgeproto"
)

// buildFakeBridge compiles cmd/ash-fake-bridge into a temp binary so these
// tests exercise the real handshake/yamux/shutdown path end to end, not a
// mock. Skips (rather than fails) if the toolchain or module cache is
// unavailable in the test environment.
func buildFakeBridge(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "ash-fake-bridge")
	cmd := exec.Command("go", "build", "-o", bin, "github.com/ash-run/bridge/cmd/ash-fake-bridge")
	cmd.Dir = repoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not build ash-fake-bridge (environment without Go toolchain/module cache?): %v\n%s", err, out)
	}
	return bin
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Join(wd, "..", "..")
}

func TestSpawnHandshakeSendRecvShutdown(t *testing.T) {
	bin := buildFakeBridge(t)

	sandboxDir := t.TempDir()
	workspaceDir := filepath.Join(sandboxDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inj := Injected{SandboxID: "sbx-1", SessionID: "sess-1", AgentDir: "/tmp/agent", WorkspaceDir: workspaceDir}
	sp, err := Spawn(ctx, DefaultConfig(), bin, sandboxDir, workspaceDir, "/tmp/agent", inj, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := sp.Send(bridgeproto.QueryCommand("sess-1", "hello", false)); err != nil {
		t.Fatalf("send query: %v", err)
	}

	ev, err := sp.Recv()
	if err != nil {
		t.Fatalf("recv message event: %v", err)
	}
	if ev.Ev != bridgeproto.EvMessage {
		t.Fatalf("expected message event, got %q", ev.Ev)
	}

	ev, err = sp.Recv()
	if err != nil {
		t.Fatalf("recv done event: %v", err)
	}
	if ev.Ev != bridgeproto.EvDone || ev.SessionID != "sess-1" {
		t.Fatalf("expected done event for sess-1, got %+v", ev)
	}

	if sp.DeathReason() != DeathNone {
		t.Fatalf("expected process still alive, got death reason %v", sp.DeathReason())
	}

	sp.Shutdown(ctx, DefaultConfig())
	if sp.DeathReason() != DeathGraceful {
		t.Fatalf("expected graceful shutdown, got death reason %v", sp.DeathReason())
	}
}
