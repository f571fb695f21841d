// Package pool implements spec.md §4.3's sandbox pool: the five-state
// lifecycle, capacity enforcement with tiered LRU eviction, idle sweep,
// and cold-entry cleanup.
package pool

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/bridge"
	"github.com/ash-run/bridge/internal/rlimit"
	"github.com/ash-run/bridge/internal/store"
	"github.com/ash-run/bridge/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// BeforeEvictHook is invoked for a tier-3 (waiting) eviction candidate
// before its process is killed — spec.md §4.3: "persists workspace, flips
// session to paused." Wired by the session manager after construction to
// avoid an import cycle between internal/pool and internal/session.
type BeforeEvictHook func(ctx context.Context, sandboxID string)

// DiskQuotaHook is invoked when a sandbox's workspace crosses its disk quota
// — spec.md §4.2: "exceeding the cap forces sandbox destruction with a
// distinguished DiskQuotaExceeded reason." Called before the pool tears the
// sandbox down, so the session manager can flip the owning session to error
// first (same wiring seam as BeforeEvictHook, to avoid an import cycle).
type DiskQuotaHook func(ctx context.Context, sandboxID string, reason *rlimit.DiskQuotaExceeded)

// liveHandle is the in-memory record for a sandbox with a live bridge
// process. Per spec.md §4.3, this map — not the database — is
// authoritative for the running/waiting distinction.
type liveHandle struct {
	sandboxID string
	sessionID string
	agentName string
	spawned   *bridge.Spawned
	limiter   rlimit.Limiter
	sweeper   *rlimit.DiskSweeper
	state     store.SandboxState
}

// Pool owns sandbox lifecycle: creation, state transitions, eviction, and
// the idle/cold-cleanup sweeps.
type Pool struct {
	db        *store.DB
	ws        *workspace.Manager
	cfg       Config
	bridgeCfg bridge.Config
	bridgeBin string
	dataDir   string

	mu   sync.Mutex
	live map[string]*liveHandle

	counters counters

	beforeEvict    BeforeEvictHook
	onDiskExceeded DiskQuotaHook

	stopSweeps chan struct{}
	sweeps     *errgroup.Group
}

// New constructs a Pool. bridgeBinary is the path to the sandboxed bridge
// executable spawned for every sandbox.
func New(db *store.DB, ws *workspace.Manager, cfg Config, bridgeCfg bridge.Config, bridgeBinary, dataDir string) *Pool {
	if cfg.BridgeReadyTimeout != 0 {
		bridgeCfg.ReadyTimeout = cfg.BridgeReadyTimeout
	}
	return &Pool{
		db:         db,
		ws:         ws,
		cfg:        cfg,
		bridgeCfg:  bridgeCfg,
		bridgeBin:  bridgeBinary,
		dataDir:    dataDir,
		live:       make(map[string]*liveHandle),
		stopSweeps: make(chan struct{}),
	}
}

// SetBeforeEvictHook wires the session manager's persist+pause callback for
// tier-3 evictions. Must be called once during startup wiring, before the
// pool serves any traffic.
func (p *Pool) SetBeforeEvictHook(h BeforeEvictHook) { p.beforeEvict = h }

// SetDiskQuotaHook wires the session manager's disk-quota callback. Must be
// called once during startup wiring, before the pool serves any traffic.
func (p *Pool) SetDiskQuotaHook(h DiskQuotaHook) { p.onDiskExceeded = h }

func (p *Pool) sandboxDir(sandboxID string) string {
	return filepath.Join(p.dataDir, "sandboxes", sandboxID)
}

func (p *Pool) workspaceDir(sandboxID string) string {
	return filepath.Join(p.sandboxDir(sandboxID), "workspace")
}

// Create spawns a new sandbox bound to sessionID, enforcing capacity first.
// sessionID doubles as the sandbox id and directory name, per spec.md §3.
// Suspends until the bridge emits its ready byte or bridge startup fails.
// resume distinguishes a cold-resume call (workspace restore source is
// counted towards spec.md §6's resume-source stats) from a brand-new
// session's first creation (restore always lands on the fresh tier, which
// isn't a "resume" and would otherwise pollute those counters).
func (p *Pool) Create(ctx context.Context, tenant, sessionID, agentName, agentDir string, resume bool) (*store.Sandbox, error) {
	if err := p.ensureCapacity(ctx); err != nil {
		return nil, err
	}

	wsDir := p.workspaceDir(sessionID)
	src, err := p.ws.Restore(ctx, sessionID, agentDir)
	if err != nil {
		log.Printf("pool: create %s: workspace restore/fresh-copy failed: %v", sessionID, err)
	} else if resume {
		switch src {
		case workspace.SourceLocal:
			p.RecordResumeLocal()
		case workspace.SourceCloud:
			p.RecordResumeCloud()
		case workspace.SourceFresh:
			p.RecordResumeFresh()
		}
	}

	if _, err := p.db.CreateSandbox(ctx, sessionID, tenant, &sessionID, agentName, wsDir); err != nil {
		return nil, fmt.Errorf("pool: create sandbox row: %w", err)
	}

	limiter, err := rlimit.NewLimiter(sessionID)
	if err != nil {
		log.Printf("pool: create %s: resource limiter unavailable, running unconfined: %v", sessionID, err)
		limiter = nil
	}

	inj := bridge.Injected{AgentDir: agentDir, WorkspaceDir: wsDir, SandboxID: sessionID, SessionID: sessionID}
	sp, err := bridge.Spawn(ctx, p.bridgeCfg, p.bridgeBin, p.sandboxDir(sessionID), wsDir, agentDir, inj, limiter)
	if err != nil {
		// Startup failed: the workspace was already persisted (copied in
		// above), so per spec.md §4.3 the row is retained and marked
		// cold rather than deleted.
		if setErr := p.db.SetSandboxState(ctx, sessionID, store.SandboxCold); setErr != nil {
			log.Printf("pool: create %s: failed to mark failed sandbox cold: %v", sessionID, setErr)
		}
		return nil, err
	}

	sweeper := rlimit.NewDiskSweeper(sessionID, wsDir, rlimit.DefaultLimits().DiskBytes, p.onDiskQuotaExceeded)
	sweeper.Start()

	p.mu.Lock()
	p.live[sessionID] = &liveHandle{
		sandboxID: sessionID,
		sessionID: sessionID,
		agentName: agentName,
		spawned:   sp,
		limiter:   limiter,
		sweeper:   sweeper,
		state:     store.SandboxWarm,
	}
	p.mu.Unlock()

	if err := p.db.SetSandboxState(ctx, sessionID, store.SandboxWarm); err != nil {
		log.Printf("pool: create %s: failed to persist warm state: %v", sessionID, err)
	}

	return p.db.GetSandbox(ctx, sessionID)
}

// MarkRunning synchronously flips sandboxID to running in the in-memory
// live map — the authoritative transition per spec.md §5's key invariant —
// then fire-and-forgets the database write.
func (p *Pool) MarkRunning(sandboxID string) error {
	p.mu.Lock()
	h, ok := p.live[sandboxID]
	if ok {
		h.state = store.SandboxRunning
	}
	p.mu.Unlock()
	if !ok {
		return apierr.NotFound("no live sandbox %s", sandboxID)
	}
	go func() {
		if err := p.db.SetSandboxState(context.Background(), sandboxID, store.SandboxRunning); err != nil {
			log.Printf("pool: mark running %s: db write failed: %v", sandboxID, err)
		}
	}()
	return nil
}

// MarkWaiting is MarkRunning's inverse, called on turn done.
func (p *Pool) MarkWaiting(sandboxID string) error {
	p.mu.Lock()
	h, ok := p.live[sandboxID]
	if ok {
		h.state = store.SandboxWaiting
	}
	p.mu.Unlock()
	if !ok {
		return apierr.NotFound("no live sandbox %s", sandboxID)
	}
	go func() {
		if err := p.db.SetSandboxState(context.Background(), sandboxID, store.SandboxWaiting); err != nil {
			log.Printf("pool: mark waiting %s: db write failed: %v", sandboxID, err)
		}
	}()
	return nil
}

// Live reports whether sandboxID has an in-memory live-process handle.
// Used by the session manager's warm-resume check.
func (p *Pool) Live(sandboxID string) (alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[sandboxID]
	return ok
}

// Bridge returns the live bridge handle for sandboxID, or ok=false if the
// sandbox has no live process (it must be cold-resumed instead).
func (p *Pool) Bridge(sandboxID string) (*bridge.Spawned, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.live[sandboxID]
	if !ok {
		return nil, false
	}
	return h.spawned, true
}

// Destroy implements spec.md §4.4's session-end teardown: kill the live
// process, remove the live workspace directory, and delete the row. The
// local snapshot (and any cloud mirror) survive — their retention is a
// policy decision outside the pool's scope.
func (p *Pool) Destroy(ctx context.Context, sandboxID string) error {
	p.killLive(sandboxID)
	if err := p.ws.DeleteLive(sandboxID); err != nil {
		log.Printf("pool: destroy %s: delete live workspace: %v", sandboxID, err)
	}
	if err := p.db.DeleteSandbox(ctx, sandboxID); err != nil {
		return err
	}
	p.dropLive(sandboxID)
	return nil
}

// onDiskQuotaExceeded is a DiskSweeper's onExceeded callback, bound to a
// specific sandbox at sweeper construction time in Create. Per spec.md
// §4.2, exceeding the cap forces sandbox destruction: the session manager's
// hook runs first (so the owning session can be marked error) and then the
// sandbox is torn down exactly like a normal Destroy.
func (p *Pool) onDiskQuotaExceeded(reason *rlimit.DiskQuotaExceeded) {
	ctx := context.Background()
	log.Printf("pool: sandbox %s exceeded disk quota (%d/%d bytes): destroying", reason.SandboxID, reason.UsedBytes, reason.LimitBytes)
	if p.onDiskExceeded != nil {
		p.onDiskExceeded(ctx, reason.SandboxID, reason)
	}
	if err := p.Destroy(ctx, reason.SandboxID); err != nil {
		log.Printf("pool: disk quota destroy %s: %v", reason.SandboxID, err)
	}
}

// RecordResumeWarm / RecordResumeCold* implement spec.md §9's monotonic
// resume-source counters.
func (p *Pool) RecordResumeWarm()  { p.counters.recordWarm() }
func (p *Pool) RecordResumeLocal() { p.counters.recordLocal() }
func (p *Pool) RecordResumeCloud() { p.counters.recordCloud() }
func (p *Pool) RecordResumeFresh() { p.counters.recordFresh() }

// Stats assembles spec.md §6's pool-stats snapshot from the database
// (authoritative for per-state counts) and the monotonic counters.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	counts, err := p.stateCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	warm, local, cloud, fresh := p.counters.snapshot()
	used, total, err := rlimit.DataDirUsage(p.dataDir)
	if err != nil {
		log.Printf("pool: stats: host disk usage unavailable for %s: %v", p.dataDir, err)
	}
	return Stats{
		Total:               counts[store.SandboxCold] + counts[store.SandboxWarming] + counts[store.SandboxWarm] + counts[store.SandboxWaiting] + counts[store.SandboxRunning],
		Cold:                counts[store.SandboxCold],
		Warming:             counts[store.SandboxWarming],
		Warm:                counts[store.SandboxWarm],
		Waiting:             counts[store.SandboxWaiting],
		Running:             counts[store.SandboxRunning],
		MaxCapacity:         p.cfg.MaxCapacity,
		ResumeWarmHits:      warm,
		ResumeColdHits:      local + cloud + fresh,
		ResumeColdLocalHits: local,
		ResumeColdCloudHits: cloud,
		ResumeColdFreshHits: fresh,
		DiskUsedBytes:       used,
		DiskTotalBytes:      total,
	}, nil
}

func (p *Pool) stateCounts(ctx context.Context) (map[store.SandboxState]int64, error) {
	out := map[store.SandboxState]int64{}
	for _, s := range []store.SandboxState{store.SandboxCold, store.SandboxWarming, store.SandboxWarm, store.SandboxWaiting, store.SandboxRunning} {
		n, err := p.db.CountSandboxesInState(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// MarkAllSandboxesCold implements spec.md §4.3's restart recovery.
func (p *Pool) MarkAllSandboxesCold(ctx context.Context) error {
	n, err := p.db.MarkAllSandboxesCold(ctx)
	if err != nil {
		return err
	}
	log.Printf("pool: restart recovery: marked %d sandboxes cold", n)
	p.mu.Lock()
	p.live = make(map[string]*liveHandle)
	p.mu.Unlock()
	return nil
}

// Shutdown stops the sweep goroutines and gracefully shuts down every live
// bridge process.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopSweeps)
	if p.sweeps != nil {
		p.sweeps.Wait()
	}
	p.mu.Lock()
	handles := make([]*liveHandle, 0, len(p.live))
	for _, h := range p.live {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		if h.sweeper != nil {
			h.sweeper.Stop()
		}
		h.spawned.Shutdown(ctx, p.bridgeCfg)
	}
}

func now() time.Time { return time.Now().UTC() }
