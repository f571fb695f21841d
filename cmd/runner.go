package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ash-run/bridge/internal/bridge"
	"github.com/ash-run/bridge/internal/objectstore"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/server"
	"github.com/ash-run/bridge/internal/store"
	"github.com/ash-run/bridge/internal/workspace"
)

var runnerPort int

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Start a standalone worker node",
	Long: `Start a worker node: a local sandbox pool exposed over the runner-internal
HTTP contract, registered with (and heartbeating to) a "bridge serve
--mode=coordinator" control plane named by COORDINATOR_URL.`,
	Run: func(cmd *cobra.Command, args []string) {
		runRunner()
	},
}

func init() {
	rootCmd.AddCommand(runnerCmd)
	runnerCmd.Flags().IntVarP(&runnerPort, "port", "p", 8090, "Port this runner listens on")
}

func runRunner() {
	coordinatorURL := os.Getenv("COORDINATOR_URL")
	if coordinatorURL == "" {
		log.Fatal("bridge runner: COORDINATOR_URL is required")
	}
	secret := os.Getenv("INTERNAL_SECRET")
	runnerID := envOrDefault("RUNNER_ID", hostnameOrFallback())
	runnerHost := envOrDefault("RUNNER_HOST", "localhost")
	dataDir := envOrDefault("DATA_DIR", "data")
	heartbeatInterval := envDurationMsOrDefault("HEARTBEAT_INTERVAL_MS", 10*time.Second)

	db, err := store.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bridge runner: open store: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	objStore, err := objectstore.Open(ctx, os.Getenv("SNAPSHOT_URL"))
	if err != nil {
		log.Fatalf("bridge runner: open object store: %v", err)
	}
	ws := workspace.NewManager(dataDir, objStore, "workspaces")

	cfg := pool.DefaultConfig()
	p := pool.New(db, ws, cfg, bridge.DefaultConfig(), bridgeBinaryPath(), dataDir)
	p.StartSweeps()
	local := runner.NewLocalBackend(p, ws)

	srv := server.New()
	srv.Local = local
	srv.InternalSecret = secret

	addr := addrFor(runnerPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	client := &coordinatorClient{baseURL: strings.TrimSuffix(coordinatorURL, "/"), secret: secret}

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("bridge runner: received %v, deregistering and shutting down", sig)
		cancel()
		if err := client.deregister(context.Background(), runnerID); err != nil {
			log.Printf("bridge runner: deregister: %v", err)
		}
		httpServer.Shutdown(context.Background())
		p.Shutdown(context.Background())
	}()

	registerWithBackoff(runCtx, client, runnerID, runnerHost, runnerPort, int(cfg.MaxCapacity))
	go heartbeatLoop(runCtx, client, p, runnerID, heartbeatInterval)

	log.Printf("bridge runner: %s listening on %s, registered with %s", runnerID, addr, coordinatorURL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// registerWithBackoff implements spec.md §4.7's "runners retry registration
// with exponential backoff (1, 2, 4, 8, 16 s) until success", grounded on
// the teacher's agent.Client.Run reconnect-with-backoff loop.
func registerWithBackoff(ctx context.Context, c *coordinatorClient, id, host string, port, maxSandboxes int) {
	backoff := time.Second
	const maxBackoff = 16 * time.Second
	for {
		err := c.register(ctx, id, host, port, maxSandboxes)
		if err == nil {
			log.Printf("bridge runner: registered as %s", id)
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("bridge runner: registration failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func heartbeatLoop(ctx context.Context, c *coordinatorClient, p *pool.Pool, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.Stats(ctx)
			if err != nil {
				log.Printf("bridge runner: heartbeat: pool stats: %v", err)
				continue
			}
			active := int(stats.Running + stats.Waiting)
			warming := int(stats.Warming)
			if err := c.heartbeat(ctx, id, active, warming); err != nil {
				log.Printf("bridge runner: heartbeat: %v", err)
			}
		}
	}
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "runner"
	}
	return h
}

func envDurationMsOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// coordinatorClient is the thin HTTP client a worker node uses to call the
// control plane's /internal/runners/* endpoints, matching the bearer-token
// and JSON-body shape runner.RemoteBackend uses for the reverse direction.
type coordinatorClient struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

func (c *coordinatorClient) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	hc := c.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}

func (c *coordinatorClient) register(ctx context.Context, id, host string, port, maxSandboxes int) error {
	return c.post(ctx, "/internal/runners/register", map[string]any{
		"id": id, "host": host, "port": port, "maxSandboxes": maxSandboxes,
	})
}

func (c *coordinatorClient) heartbeat(ctx context.Context, id string, active, warming int) error {
	return c.post(ctx, "/internal/runners/heartbeat", map[string]any{
		"id": id, "active": active, "warming": warming,
	})
}

func (c *coordinatorClient) deregister(ctx context.Context, id string) error {
	return c.post(ctx, "/internal/runners/deregister", map[string]string{"id": id})
}
