// Package workspace implements spec.md §4.5: local snapshot persistence on
// every session checkpoint, an optional fire-and-forget cloud mirror, and
// the four-tier cold-resume restore chain (live → local → cloud → fresh).
package workspace

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/ash-run/bridge/internal/objectstore"
)

// excludedSubtrees are reproducible directories skipped by both persist and
// restore, per spec.md §4.5.
var excludedSubtrees = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".venv":        true,
}

// Source identifies which tier a cold resume restored from — recorded as a
// counter by the pool and emitted as a structured log line here.
type Source string

const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
	SourceFresh Source = "fresh"
)

// Manager owns the live/local/cloud workspace directories for every
// session and the restore-chain / persist logic in spec.md §4.5.
type Manager struct {
	// dataDir is the root that live and local-snapshot trees hang off
	// ("data/sandboxes/<id>/workspace", "data/sessions/<id>/workspace").
	dataDir string
	store   objectstore.Store // nil when SNAPSHOT_URL is unset
	prefix  string
}

// NewManager builds a Manager. store may be nil to disable the cloud tier
// entirely, matching spec.md §6's "SNAPSHOT_URL enables object-store
// mirror" — its absence is a supported mode, not an error.
func NewManager(dataDir string, store objectstore.Store, prefix string) *Manager {
	return &Manager{dataDir: dataDir, store: store, prefix: prefix}
}

func (m *Manager) liveDir(sessionID string) string {
	return filepath.Join(m.dataDir, "sandboxes", sessionID, "workspace")
}

func (m *Manager) localSnapshotDir(sessionID string) string {
	return filepath.Join(m.dataDir, "sessions", sessionID, "workspace")
}

func (m *Manager) cloudKey(sessionID string) string {
	return sessionID + ".tar.gz"
}

// Persist copies the live workspace to its local snapshot location and, if
// a cloud store is configured, enqueues a fire-and-forget gzipped-tarball
// upload. Called on turn done, explicit pause, tier-3 eviction, and session
// end — per spec.md §4.5's persist triggers. Errors are logged, never
// returned as fatal: persistence is best-effort (spec.md §4.5/§7 Io kind).
func (m *Manager) Persist(ctx context.Context, sessionID string) {
	live := m.liveDir(sessionID)
	if _, err := os.Stat(live); err != nil {
		// Nothing to persist — the sandbox never wrote to its workspace,
		// or it was already torn down.
		return
	}
	local := m.localSnapshotDir(sessionID)
	if err := copyTree(live, local, excludedSubtrees); err != nil {
		log.Printf("workspace: persist %s: local copy failed: %v", sessionID, err)
		return
	}
	if m.store == nil {
		return
	}
	go m.uploadAsync(sessionID, local)
}

func (m *Manager) uploadAsync(sessionID, localDir string) {
	ctx := context.Background()
	tarball, err := tarGzDir(localDir, excludedSubtrees)
	if err != nil {
		log.Printf("workspace: persist %s: build tarball failed: %v", sessionID, err)
		return
	}
	key := m.cloudKey(sessionID)
	if m.prefix != "" {
		key = m.prefix + "/" + key
	}
	if err := m.store.Put(ctx, key, tarball); err != nil {
		log.Printf("workspace: persist %s: cloud upload failed: %v", sessionID, err)
		return
	}
	log.Printf("workspace: persist %s: cloud upload ok (%d bytes)", sessionID, len(tarball))
}

// Restore implements spec.md §4.5's four-tier chain for cold resume. agentDir
// is the agent's template directory used for the "fresh" fallback tier.
// Returns which tier actually supplied the workspace.
func (m *Manager) Restore(ctx context.Context, sessionID, agentDir string) (Source, error) {
	live := m.liveDir(sessionID)
	if info, err := os.Stat(live); err == nil && info.IsDir() {
		// Tier 1: the live directory already exists (this should only
		// happen for a warm-path caller; cold resume always starts from a
		// deleted live dir, but the check stays cheap and correct either
		// way).
		log.Printf("workspace: restore %s: source=live", sessionID)
		return "live", nil
	}

	local := m.localSnapshotDir(sessionID)
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		if err := copyTree(local, live, nil); err != nil {
			return "", err
		}
		log.Printf("workspace: restore %s: source=%s", sessionID, SourceLocal)
		return SourceLocal, nil
	}

	if m.store != nil {
		key := m.cloudKey(sessionID)
		if m.prefix != "" {
			key = m.prefix + "/" + key
		}
		tarball, err := m.store.Get(ctx, key)
		if err == nil {
			if err := untarGz(tarball, live); err != nil {
				return "", err
			}
			log.Printf("workspace: restore %s: source=%s", sessionID, SourceCloud)
			return SourceCloud, nil
		}
	}

	if err := copyTree(agentDir, live, excludedSubtrees); err != nil {
		return "", err
	}
	log.Printf("workspace: restore %s: source=%s", sessionID, SourceFresh)
	return SourceFresh, nil
}

// DeleteLive removes the live workspace directory (cold cleanup, eviction).
func (m *Manager) DeleteLive(sessionID string) error {
	return os.RemoveAll(m.liveDir(sessionID))
}

// DeleteLocalSnapshot removes the local snapshot directory (cold cleanup).
// The cloud snapshot, if any, is preserved — it is the long-term backup.
func (m *Manager) DeleteLocalSnapshot(sessionID string) error {
	return os.RemoveAll(m.localSnapshotDir(sessionID))
}
