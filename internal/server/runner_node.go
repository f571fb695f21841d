package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ash-run/bridge/internal/bridgeproto"
)

type createSandboxRequest struct {
	Tenant    string `json:"tenant"`
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
	AgentDir  string `json:"agentDir"`
	Resume    bool   `json:"resume"`
}

// handleCreateSandbox implements the worker-node side of spec.md §6's
// `POST /runner/sandboxes` → create, matching RemoteBackend.CreateSandbox's
// request/response shape exactly.
func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sb, err := s.Local.CreateSandbox(r.Context(), req.Tenant, req.SessionID, req.AgentName, req.AgentDir, req.Resume)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sb)
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Local.DestroySandbox(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSandboxCmd implements `POST /runner/sandboxes/:id/cmd` → SSE of
// bridge events. It reuses the "data: <json>\n" per-line framing
// RemoteBackend.RecvEvent already scans for — no "event:" line and no
// blank-line terminator are needed since this stream is only ever read by
// RemoteBackend's own bufio.Scanner, never a browser EventSource.
func (s *Server) handleSandboxCmd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cmd bridgeproto.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Local.SendCommand(r.Context(), id, cmd); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("runner: response writer does not support flushing"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := s.Local.RecvEvent(r.Context(), id)
		if err != nil {
			log.Printf("runner node: %s: command stream ended: %v", id, err)
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("runner node: %s: marshal event: %v", id, err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n", data); err != nil {
			return
		}
		flusher.Flush()
		if ev.Ev == bridgeproto.EvDone || ev.Ev == bridgeproto.EvError {
			return
		}
	}
}

func (s *Server) handleMarkRunning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Local.MarkRunning(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMarkWaiting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Local.MarkWaiting(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePersistSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.Local.PersistState(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNoteWarmResume(w http.ResponseWriter, r *http.Request) {
	s.Local.NoteWarmResume(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRunnerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Local.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
