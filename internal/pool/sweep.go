package pool

import (
	"context"
	"log"
	"time"

	"github.com/ash-run/bridge/internal/store"
	"golang.org/x/sync/errgroup"
)

// idleSweepInterval and coldCleanupInterval are the sweep cadences named in
// spec.md §4.3 — 60s for the idle-waiting sweep, 5 minutes for cold cleanup.
const (
	idleSweepInterval   = 60 * time.Second
	coldCleanupInterval = 5 * time.Minute
)

// StartSweeps launches the idle-waiting and cold-cleanup background loops
// under a shared errgroup so Shutdown can join both before returning. Both
// stop when Shutdown closes stopSweeps; the loops never return an error, so
// the group exists purely to make shutdown wait for in-flight sweep work to
// finish rather than to cancel siblings on failure.
func (p *Pool) StartSweeps() {
	var g errgroup.Group
	g.Go(func() error { p.loop(idleSweepInterval, p.idleSweepOnce); return nil })
	g.Go(func() error { p.loop(coldCleanupInterval, p.coldCleanupOnce); return nil })
	p.sweeps = &g
}

func (p *Pool) loop(interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweeps:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// idleSweepOnce evicts every "waiting" sandbox idle past IDLE_TIMEOUT_MS —
// spec.md §4.3's tier-3 sweep, run independently of capacity pressure.
func (p *Pool) idleSweepOnce(ctx context.Context) {
	cutoff := now().Add(-p.cfg.IdleTimeout)
	ids, err := p.db.SelectIdleWaiting(ctx, cutoff)
	if err != nil {
		log.Printf("pool: idle sweep: list failed: %v", err)
		return
	}
	for _, id := range ids {
		if p.beforeEvict != nil {
			p.beforeEvict(ctx, id)
		}
		p.killLive(id)
		if err := p.db.SetSandboxState(ctx, id, store.SandboxCold); err != nil {
			log.Printf("pool: idle sweep: mark %s cold failed: %v", id, err)
			continue
		}
		p.dropLive(id)
		log.Printf("pool: idle sweep: evicted %s to cold", id)
	}
}

// coldCleanupOnce deletes every "cold" sandbox past COLD_CLEANUP_TTL_MS —
// its live and local-snapshot directories are removed, the cloud snapshot
// (if any) is left in place, and the row is dropped.
func (p *Pool) coldCleanupOnce(ctx context.Context) {
	cutoff := now().Add(-p.cfg.ColdCleanupTTL)
	ids, err := p.db.SelectColdPastTTL(ctx, cutoff)
	if err != nil {
		log.Printf("pool: cold cleanup: list failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := p.ws.DeleteLive(id); err != nil {
			log.Printf("pool: cold cleanup: delete live %s failed: %v", id, err)
		}
		if err := p.ws.DeleteLocalSnapshot(id); err != nil {
			log.Printf("pool: cold cleanup: delete local snapshot %s failed: %v", id, err)
		}
		if err := p.db.DeleteSandbox(ctx, id); err != nil {
			log.Printf("pool: cold cleanup: delete row %s failed: %v", id, err)
			continue
		}
		log.Printf("pool: cold cleanup: removed %s", id)
	}
}
