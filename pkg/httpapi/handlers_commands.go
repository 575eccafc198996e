package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/webpilot/pkg/broker"
	"github.com/odvcencio/webpilot/pkg/session"
)

type submitCommandRequest struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Backend   string          `json:"backend,omitempty"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesCommand, false); err != nil {
		respondError(w, status, err)
		return
	}
	override, ok := broker.ParseOverride(req.Backend)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown backend %q", req.Backend))
		return
	}

	rec, err := s.broker.Submit(r.Context(), chi.URLParam(r, "sessionID"), broker.SubmitRequest{
		Type:    req.Type,
		Payload: req.Payload,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
		Backend: override,
	})
	if err != nil {
		status := statusForError(err)
		body := errorBody(status, err)
		if rec.ID != "" {
			body.Command = &rec
		}
		setResponseHeaders(w)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
		return
	}
	respondJSON(w, map[string]any{"command": rec})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var status session.CommandStatus
	if raw := query.Get("status"); raw != "" {
		status = session.CommandStatus(raw)
		switch status {
		case session.CommandPending, session.CommandExecuting, session.CommandCompleted,
			session.CommandFailed, session.CommandTimeout, session.CommandCancelled:
		default:
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown command status %q", raw))
			return
		}
	}
	limit := parseIntDefault(query.Get("limit"), 0)

	records, err := s.broker.ListCommands(chi.URLParam(r, "sessionID"), status, limit)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{
		"commands": records,
		"count":    len(records),
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	rec, err := s.broker.GetCommand(chi.URLParam(r, "commandID"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{"command": rec})
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	if err := s.broker.Cancel(commandID); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "commandId": commandID})
}
