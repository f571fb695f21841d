package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ash-run/bridge/internal/sse"
	"github.com/ash-run/bridge/internal/store"
)

// defaultTenant is used when a request omits "tenant" — multi-tenancy
// beyond the scoping column is out of core scope per spec.md §1, so the
// REST layer only needs a value to scope by, not a tenant-resolution
// mechanism (that belongs to whatever auth layer fronts this API).
const defaultTenant = "default"

type createSessionRequest struct {
	Agent  string `json:"agent"`
	Tenant string `json:"tenant,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	Tenant       string `json:"tenant"`
	AgentName    string `json:"agentName"`
	Status       string `json:"status"`
	SandboxID    string `json:"sandboxId,omitempty"`
	RunnerID     string `json:"runnerId,omitempty"`
	CreatedAt    string `json:"createdAt"`
	LastActiveAt string `json:"lastActiveAt"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:           sess.ID,
		Tenant:       sess.Tenant,
		AgentName:    sess.AgentName,
		Status:       string(sess.Status),
		CreatedAt:    sess.CreatedAt.Format(http.TimeFormat),
		LastActiveAt: sess.LastActiveAt.Format(http.TimeFormat),
	}
	if sess.SandboxID.Valid {
		resp.SandboxID = sess.SandboxID.String
	}
	if sess.RunnerID.Valid {
		resp.RunnerID = sess.RunnerID.String
	}
	return resp
}

// handleCreateSession implements spec.md §6's `POST /api/sessions {agent}`.
// The session id is minted here (uuid, matching the teacher's convention of
// generating ids at the HTTP boundary) since it doubles as the on-disk
// sandbox directory name per spec.md §3.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Agent == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return
	}
	tenant := req.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}

	sess, err := s.SessionManager.Create(r.Context(), tenant, uuid.NewString(), req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

type sendMessageRequest struct {
	Content                string `json:"content"`
	IncludePartialMessages bool   `json:"includePartialMessages,omitempty"`
}

// handleSendMessage implements spec.md §6's `POST /api/sessions/:id/messages
// {content}` → SSE stream. It prepares the turn, relays events over SSE,
// and finishes the turn once the stream ends — the three steps spec.md
// §4.4/§4.6 split across session.Manager and internal/sse on purpose, so
// this handler is the only place that sequences them together.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	backend, sess, err := s.SessionManager.PrepareMessage(r.Context(), id, req.Content, req.IncludePartialMessages)
	if err != nil {
		writeError(w, err)
		return
	}

	turnErr := sse.Stream(r.Context(), w, sess.ID, backend)
	s.SessionManager.FinishMessage(r.Context(), sess.ID, backend, turnErr)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.SessionManager.Pause(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.SessionManager.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.SessionManager.End(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
