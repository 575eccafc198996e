package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/webpilot/pkg/session"
)

type createSessionRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, true); err != nil {
		respondError(w, status, err)
		return
	}

	sess, err := s.registry.Create(req.Metadata)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	setResponseHeaders(w)
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{
		"session": sess.Snapshot(),
		"agentWs": "/ws/agent?session_id=" + sess.ID(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	respondJSON(w, map[string]any{
		"sessions": infos,
		"count":    len(infos),
		"stats":    s.registry.Stats(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{"session": sess.Snapshot()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.registry.Delete(sessionID) {
		respondError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	parsed, ok := session.ParseStatus(req.Status)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown session status %q", req.Status))
		return
	}

	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	sess.SetStatus(parsed)
	respondJSON(w, map[string]any{"session": sess.Snapshot()})
}

type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, true); err != nil {
		respondError(w, status, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := s.broker.PauseSession(sessionID, req.Reason); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.broker.ResumeSession(sessionID); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]string{"status": "resumed"})
}
