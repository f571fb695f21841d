package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ash-run/bridge/internal/bridge"
	"github.com/ash-run/bridge/internal/objectstore"
	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/server"
	"github.com/ash-run/bridge/internal/session"
	"github.com/ash-run/bridge/internal/store"
	"github.com/ash-run/bridge/internal/workspace"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge HTTP server",
	Long: `Start the bridge server. MODE=standalone (the default) runs the full
control plane and a local sandbox pool in one process; MODE=coordinator runs
only the control plane, routing sessions to separately-run "bridge runner"
worker nodes.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
}

func runServe() {
	mode := envOrDefault("MODE", "standalone")
	dataDir := envOrDefault("DATA_DIR", "data")

	db, err := store.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bridge serve: open store: %v", err)
	}
	defer db.Close()
	log.Printf("bridge serve: store opened (mode=%s)", mode)

	ctx := context.Background()
	objStore, err := objectstore.Open(ctx, os.Getenv("SNAPSHOT_URL"))
	if err != nil {
		log.Fatalf("bridge serve: open object store: %v", err)
	}
	ws := workspace.NewManager(dataDir, objStore, "workspaces")

	coordSecret := os.Getenv("INTERNAL_SECRET")

	var local runner.Backend
	var p *pool.Pool
	if mode != "coordinator" {
		p = pool.New(db, ws, pool.DefaultConfig(), bridge.DefaultConfig(), bridgeBinaryPath(), dataDir)
		local = runner.NewLocalBackend(p, ws)
		p.StartSweeps()
	}

	coord := runner.NewCoordinator(db, local, coordSecret)
	coord.StartLivenessSweep()
	defer coord.StopLivenessSweep()

	sessions := session.NewManager(db, coord)
	if p != nil {
		sessions.RegisterEvictionHook(p)
	}

	srv := server.New()
	srv.SessionManager = sessions
	srv.Coordinator = coord
	srv.Local = local
	srv.InternalSecret = coordSecret

	addr := addrFor(servePort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("bridge serve: received %v, shutting down", sig)
		httpServer.Shutdown(context.Background())
		if p != nil {
			p.Shutdown(context.Background())
		}
	}()

	log.Printf("bridge serve: listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func bridgeBinaryPath() string {
	return envOrDefault("BRIDGE_BINARY", "ash-bridge")
}
