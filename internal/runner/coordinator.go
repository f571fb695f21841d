package runner

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
	"github.com/ash-run/bridge/internal/store"
)

// LivenessTimeout is spec.md §3's runner-health window: a runner is
// considered healthy iff its last heartbeat is within this window.
const LivenessTimeout = 30 * time.Second

// livenessSweepInterval and livenessSweepJitter implement spec.md §4.7's
// "every 30s with 0-5s random jitter" sweep cadence.
const (
	livenessSweepInterval = 30 * time.Second
	livenessSweepJitter   = 5 * time.Second
)

// Coordinator abstracts the two RunnerBackend implementations behind a
// single selection/routing surface, per spec.md §4.7. Control-plane
// replicas are stateless with respect to each other — all shared state
// lives in the database; the cached backend handles here are a lookaside
// only, rebuildable at any time.
type Coordinator struct {
	db      *store.DB
	local   Backend
	secret  string
	rng     *rand.Rand

	mu      sync.Mutex
	cached  map[string]Backend // runner id -> cached RemoteBackend

	stop chan struct{}
}

// NewCoordinator wires local as the Local{pool} backend for standalone /
// single-machine mode. secret is the internal-secret bearer token required
// on /internal/* and /runner/* endpoints when non-empty.
func NewCoordinator(db *store.DB, local Backend, secret string) *Coordinator {
	return &Coordinator{
		db:     db,
		local:  local,
		secret: secret,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cached: make(map[string]Backend),
		stop:   make(chan struct{}),
	}
}

// DB returns the underlying database, for use by other subsystems (the
// /metrics runner-table gauges) that need runner counts without duplicating
// the coordinator's own queries.
func (c *Coordinator) DB() *store.DB { return c.db }

// Register upserts a runner row, idempotent by id per spec.md §4.7.
func (c *Coordinator) Register(ctx context.Context, id, host string, port, maxSandboxes int) error {
	return c.db.RegisterRunner(ctx, id, host, port, maxSandboxes)
}

// Heartbeat updates a runner's liveness row, called every 10s by the
// runner process itself.
func (c *Coordinator) Heartbeat(ctx context.Context, id string, active, warming int) error {
	return c.db.HeartbeatRunner(ctx, id, active, warming)
}

// Deregister implements spec.md §4.7's graceful-deregister sequence: bulk
// pause every non-terminal session owned by id, then delete the runner row.
func (c *Coordinator) Deregister(ctx context.Context, id string) error {
	n, err := c.db.PauseSessionsForRunner(ctx, id)
	if err != nil {
		return err
	}
	if err := c.db.DeleteRunner(ctx, id); err != nil {
		return err
	}
	log.Printf("runner coordinator: deregistered %s, paused %d sessions", id, n)
	c.forget(id)
	return nil
}

// SelectForNewSession implements spec.md §4.7's selection query: the
// healthiest runner by spare capacity, falling back to the local backend in
// standalone mode, or apierr.NoRunners if neither exists.
func (c *Coordinator) SelectForNewSession(ctx context.Context) (Backend, *string, error) {
	r, err := c.db.SelectHealthiestRunner(ctx, time.Now().Add(-LivenessTimeout))
	if err != nil {
		return nil, nil, err
	}
	if r == nil {
		if c.local != nil {
			return c.local, nil, nil
		}
		return nil, nil, apierr.NoRunners("no healthy runner available and no local backend configured")
	}
	return c.backendFor(r), &r.ID, nil
}

// RouteExisting looks up session.runner_id and returns the backend that
// owns it — the cached local backend when runnerID is nil, a cached or
// freshly constructed RemoteBackend otherwise. Any control-plane replica
// can route any session because the mapping lives in the database.
func (c *Coordinator) RouteExisting(ctx context.Context, runnerID *string) (Backend, error) {
	if runnerID == nil {
		if c.local == nil {
			return nil, apierr.NoRunners("session has no runner and no local backend is configured")
		}
		return c.local, nil
	}
	r, err := c.db.GetRunner(ctx, *runnerID)
	if err != nil {
		return nil, err
	}
	return c.backendFor(r), nil
}

func (c *Coordinator) backendFor(r *store.Runner) Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.cached[r.ID]; ok {
		return b
	}
	b := NewRemoteBackend(r.ID, runnerBaseURL(r), c.secret)
	c.cached[r.ID] = b
	return b
}

func runnerBaseURL(r *store.Runner) string {
	return "http://" + r.Host + ":" + strconv.Itoa(r.Port)
}

func (c *Coordinator) forget(runnerID string) {
	c.mu.Lock()
	delete(c.cached, runnerID)
	c.mu.Unlock()
}

// StartLivenessSweep launches spec.md §4.7's 30s-plus-jitter sweep: select
// dead runners, bulk pause + delete their sessions, purge cached handles.
// Safe to run concurrently across replicas since every operation is
// idempotent.
func (c *Coordinator) StartLivenessSweep() {
	go c.livenessSweepLoop()
}

func (c *Coordinator) StopLivenessSweep() {
	close(c.stop)
}

func (c *Coordinator) livenessSweepLoop() {
	for {
		jitter := time.Duration(c.rng.Int63n(int64(livenessSweepJitter)))
		select {
		case <-c.stop:
			return
		case <-time.After(livenessSweepInterval + jitter):
			c.livenessSweepOnce(context.Background())
		}
	}
}

func (c *Coordinator) livenessSweepOnce(ctx context.Context) {
	ids, err := c.db.SelectDeadRunners(ctx, time.Now().Add(-LivenessTimeout))
	if err != nil {
		log.Printf("runner coordinator: liveness sweep: list failed: %v", err)
		return
	}
	for _, id := range ids {
		n, err := c.db.PauseSessionsForRunner(ctx, id)
		if err != nil {
			log.Printf("runner coordinator: liveness sweep: pause sessions for %s failed: %v", id, err)
			continue
		}
		if err := c.db.DeleteRunner(ctx, id); err != nil {
			log.Printf("runner coordinator: liveness sweep: delete %s failed: %v", id, err)
			continue
		}
		c.forget(id)
		log.Printf("runner coordinator: liveness sweep: reaped dead runner %s, paused %d sessions", id, n)
	}
}
