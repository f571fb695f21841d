// Package bridge implements spec.md §4.2: spawning one child process per
// sandbox with a restricted environment, a race-free startup handshake
// over a Unix-domain socket, and backpressure-respecting command/event
// streams multiplexed with yamux.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridgeproto"
	"github.com/ash-run/bridge/internal/rlimit"
)

// readyByte is the single byte the child writes to stdout once its Unix
// socket listener is bound and accepting — spec.md §4.2's race-free
// handshake signal.
const readyByte = 'R'

// Config tunes the supervisor's timeouts. Zero-value fields fall back to
// DefaultConfig's values via NewSupervisor.
type Config struct {
	ReadyTimeout    time.Duration // spec.md §6 BRIDGE_READY_TIMEOUT_MS, default 10s
	ShutdownGrace   time.Duration // awaiting done/exit after shutdown command
	KillGrace       time.Duration // SIGTERM -> SIGKILL grace, default 2s
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout:  10 * time.Second,
		ShutdownGrace: 5 * time.Second,
		KillGrace:     2 * time.Second,
	}
}

// DeathReason classifies why a sandbox's bridge process is no longer
// usable, per spec.md §4.2's death-detection rule.
type DeathReason int

const (
	DeathNone DeathReason = iota
	DeathGraceful
	DeathOOM
	DeathError
)

// Spawned is one running bridge process and its command/event streams.
type Spawned struct {
	cmd      *exec.Cmd
	conn     net.Conn
	session  *yamux.Session
	cmdConn  net.Conn
	evConn   net.Conn
	evDec    *bridgeproto.Decoder
	sockPath string
	limiter  rlimit.Limiter
	stderr   *bytes.Buffer

	mu      sync.Mutex
	exited  bool
	exitErr error
	waitCh  chan struct{}
}

// Spawn starts the bridge binary in sandboxDir, performs the ready-byte
// handshake, and returns a Spawned ready to send/receive frames. On any
// startup failure it returns an *apierr.Error with KindBridgeStartup,
// carrying captured stderr and the exit code, per spec.md §4.2.
func Spawn(ctx context.Context, cfg Config, bridgeBinary, sandboxDir, workspaceDir, agentDir string, inj Injected, limiter rlimit.Limiter) (*Spawned, error) {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = DefaultConfig().KillGrace
	}

	sockPath := filepath.Join(sandboxDir, "bridge.sock")
	_ = os.Remove(sockPath)
	inj.BridgeSocket = sockPath

	cmd := exec.Command(bridgeBinary)
	cmd.Dir = workspaceDir
	cmd.Env = buildEnv(os.LookupEnv, inj)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, apierr.BridgeStartup(err, "", -1)
	}

	if limiter != nil {
		if err := limiter.Apply(cmd.Process.Pid, rlimit.DefaultLimits()); err != nil {
			// Resource-limit application failure does not abort startup;
			// the error is discarded and the process runs without limits,
			// matching the platform-fallback posture of internal/rlimit
			// (NoopLimiter already degrades silently).
			_ = err
		}
	}

	s := &Spawned{cmd: cmd, sockPath: sockPath, limiter: limiter, stderr: &stderrBuf, waitCh: make(chan struct{})}
	go s.watchExit()

	if err := s.awaitReadyByte(ctx, stdout, cfg.ReadyTimeout); err != nil {
		s.killNow()
		return nil, err
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		s.killNow()
		return nil, apierr.BridgeStartup(err, stderrBuf.String(), -1)
	}
	s.conn = conn

	session, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		s.killNow()
		return nil, apierr.BridgeStartup(err, stderrBuf.String(), -1)
	}
	s.session = session

	// Stream open order must match the bridge's accept order exactly:
	// command stream first, event stream second.
	cmdConn, err := session.OpenStream()
	if err != nil {
		s.killNow()
		return nil, apierr.BridgeStartup(err, stderrBuf.String(), -1)
	}
	evConn, err := session.OpenStream()
	if err != nil {
		s.killNow()
		return nil, apierr.BridgeStartup(err, stderrBuf.String(), -1)
	}
	s.cmdConn = cmdConn
	s.evConn = evConn
	s.evDec = bridgeproto.NewDecoder(evConn)

	return s, nil
}

// awaitReadyByte blocks until the child emits readyByte on stdout, the
// child exits first, or timeout elapses — no polling, no retry loop, per
// spec.md §4.2.
func (s *Spawned) awaitReadyByte(ctx context.Context, stdout io.Reader, timeout time.Duration) error {
	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r := bufio.NewReader(stdout)
		b, err := r.ReadByte()
		ch <- result{b, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return apierr.BridgeStartup(res.err, s.stderr.String(), s.exitCode())
		}
		if res.b != readyByte {
			return apierr.BridgeStartup(fmt.Errorf("unexpected startup byte %q", res.b), s.stderr.String(), s.exitCode())
		}
		return nil
	case <-s.waitCh:
		return apierr.BridgeStartup(fmt.Errorf("bridge exited before signaling ready"), s.stderr.String(), s.exitCode())
	case <-time.After(timeout):
		return apierr.BridgeStartup(fmt.Errorf("timed out after %s waiting for ready byte", timeout), s.stderr.String(), -1)
	case <-ctx.Done():
		return apierr.BridgeStartup(ctx.Err(), s.stderr.String(), -1)
	}
}

func (s *Spawned) watchExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.exited = true
	s.exitErr = err
	s.mu.Unlock()
	close(s.waitCh)
}

func (s *Spawned) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return -1
	}
	if s.exitErr == nil {
		return 0
	}
	if exitErr, ok := s.exitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// DeathReason classifies how the process exited, per spec.md §4.2:
// signal-terminate or exit code 137 is OOM (resumable, session paused);
// any other non-zero exit is an error (resumable, session error); a
// process still running has no death reason.
func (s *Spawned) DeathReason() DeathReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return DeathNone
	}
	if s.exitErr == nil {
		return DeathGraceful
	}
	exitErr, ok := s.exitErr.(*exec.ExitError)
	if !ok {
		return DeathError
	}
	code := exitErr.ExitCode()
	if code == 137 {
		return DeathOOM
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		if status.Signal() == syscall.SIGKILL || status.Signal() == syscall.SIGTERM {
			return DeathOOM
		}
	}
	return DeathError
}

// Send writes a command frame to the command stream.
func (s *Spawned) Send(cmd bridgeproto.Command) error {
	frame, err := bridgeproto.Encode(cmd)
	if err != nil {
		return err
	}
	_, err = s.cmdConn.Write(frame)
	return err
}

// Recv blocks for the next event frame from the event stream.
func (s *Spawned) Recv() (bridgeproto.Event, error) {
	return s.evDec.DecodeEvent()
}

// Stderr returns the captured stderr output so far.
func (s *Spawned) Stderr() string { return s.stderr.String() }

// Shutdown implements spec.md §4.2's shutdown sequence: send the shutdown
// command, close the command sink, await a done event or process exit
// within ShutdownGrace, then SIGTERM and SIGKILL after KillGrace if the
// child is still alive.
func (s *Spawned) Shutdown(ctx context.Context, cfg Config) {
	_ = s.Send(bridgeproto.ShutdownCommand())
	_ = s.cmdConn.Close()

	select {
	case <-s.waitCh:
		s.cleanup()
		return
	case <-time.After(cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-s.waitCh:
	case <-time.After(cfg.KillGrace):
		s.killNow()
	}
	s.cleanup()
}

// Kill hard-kills the process without attempting the graceful shutdown
// sequence, used for tier-2 eviction (spec.md §4.3: "warm: kill process,
// delete DB row" — no in-flight turn to let finish).
func (s *Spawned) Kill() {
	s.killNow()
	s.cleanup()
}

func (s *Spawned) killNow() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.waitCh
}

func (s *Spawned) cleanup() {
	if s.session != nil {
		_ = s.session.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = os.Remove(s.sockPath)
	if s.limiter != nil {
		_ = s.limiter.Release()
	}
}
