package pool

import (
	"context"
	"log"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/store"
)

// ensureCapacity implements spec.md §4.3's capacity check: if the sandbox
// count is at or above MAX_SANDBOXES, evict the single tiered candidate
// before creating a new one.
//
// A tier-3 (waiting) eviction only reclassifies its row to cold — it does
// not delete it, since the workspace it just persisted may still be wanted
// for a later cold resume. That leaves the row count unchanged. To honor
// the capacity invariant ("row count never exceeds MAX_SANDBOXES outside a
// create call's critical section") regardless, the loop below keeps
// evicting the new top candidate — which, now cold, sorts into tier 1 next
// time around — until a row is actually deleted or every remaining
// candidate is running.
func (p *Pool) ensureCapacity(ctx context.Context) error {
	for {
		n, err := p.db.CountSandboxes(ctx)
		if err != nil {
			return err
		}
		if int64(n) < p.cfg.MaxCapacity {
			return nil
		}

		cand, err := p.db.SelectEvictionCandidate(ctx)
		if err != nil {
			return err
		}
		if cand == nil {
			return apierr.CapacityFull("sandbox pool at capacity (%d/%d), no evictable candidate", n, p.cfg.MaxCapacity)
		}

		freed, err := p.evictOne(ctx, cand)
		if err != nil {
			return err
		}
		if freed {
			continue
		}
		// A tier-3 eviction that doesn't free a row still moved the
		// candidate to cold; loop again to pick it up as tier 1.
	}
}

// evictOne processes a single eviction candidate per its current tier.
// Returns freed=true if a row was deleted (capacity actually reclaimed).
func (p *Pool) evictOne(ctx context.Context, cand *store.EvictionCandidate) (freed bool, err error) {
	switch cand.State {
	case store.SandboxCold:
		// Tier 1: delete the persisted local snapshot and the row. The
		// cloud snapshot, if any, is preserved as the long-term backup.
		if err := p.ws.DeleteLocalSnapshot(cand.ID); err != nil {
			log.Printf("pool: evict %s (cold): delete local snapshot: %v", cand.ID, err)
		}
		if err := p.db.DeleteSandbox(ctx, cand.ID); err != nil {
			return false, err
		}
		p.dropLive(cand.ID)
		return true, nil

	case store.SandboxWarm:
		// Tier 2: no active turn to protect, kill immediately.
		p.killLive(cand.ID)
		if err := p.db.DeleteSandbox(ctx, cand.ID); err != nil {
			return false, err
		}
		p.dropLive(cand.ID)
		return true, nil

	case store.SandboxWaiting:
		// Tier 3: let the session manager persist the workspace and pause
		// the session first, then kill and mark cold (not delete).
		if p.beforeEvict != nil {
			p.beforeEvict(ctx, cand.ID)
		}
		p.killLive(cand.ID)
		if err := p.db.SetSandboxState(ctx, cand.ID, store.SandboxCold); err != nil {
			return false, err
		}
		p.dropLive(cand.ID)
		return false, nil

	default:
		// warming/running are excluded by the selection query; reaching
		// here means the row changed state concurrently. Treat as a no-op
		// so the caller's loop re-queries rather than acting on stale data.
		return false, nil
	}
}

func (p *Pool) killLive(sandboxID string) {
	p.mu.Lock()
	h, ok := p.live[sandboxID]
	p.mu.Unlock()
	if ok {
		if h.sweeper != nil {
			h.sweeper.Stop()
		}
		h.spawned.Kill()
	}
}

func (p *Pool) dropLive(sandboxID string) {
	p.mu.Lock()
	delete(p.live, sandboxID)
	p.mu.Unlock()
}
