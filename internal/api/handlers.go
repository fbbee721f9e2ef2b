package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// startRequest is the body of POST /sessions/{conversationID}/start.
type startRequest struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
}

// injectRequest is the body of POST /conversations/{conversationID}/messages.
type injectRequest struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"transport":       s.transport,
		"active_sessions": len(s.coord.ActiveConversations()),
	}))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.coord.ActiveConversations()))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	session, err := s.coord.Snapshot(r.Context(), conversationID)
	if errors.Is(err, flow.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getSessionHandler: snapshot failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("external_id is required"))
		return
	}

	starter := models.Participant{ExternalID: req.ExternalID, DisplayName: strings.TrimSpace(req.DisplayName)}
	res, err := s.dispatcher.Kickoff(r.Context(), conversationID, starter)
	switch {
	case errors.Is(err, flow.ErrSessionExists):
		writeJSONResponse(w, http.StatusConflict, models.Error("A session is already running in this conversation"))
		return
	case errors.Is(err, flow.ErrNoActiveScenarios):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("No active scenarios configured"))
		return
	case err != nil:
		slog.Error("Server.startSessionHandler: kickoff failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}
	slog.Info("Server.startSessionHandler: session started", "conversationID", conversationID, "starterID", starter.ExternalID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session started", res))
}

func (s *Server) cancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	res, err := s.dispatcher.Cancel(r.Context(), conversationID)
	if errors.Is(err, flow.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.cancelSessionHandler: cancel failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session cancelled", res))
}

func (s *Server) listScenariosHandler(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	scenarios, err := s.scenarios.ListScenarios(!all)
	if err != nil {
		slog.Error("Server.listScenariosHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scenarios"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(scenarios))
}

func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	records, err := s.transcripts.GetTranscript(conversationID, r.URL.Query().Get("pass"))
	if err != nil {
		slog.Error("Server.transcriptHandler: read failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read transcript"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.injectHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("external_id is required"))
		return
	}

	evt := models.InboundEvent{
		ID:             req.ID,
		Kind:           models.EventMessage,
		ConversationID: conversationID,
		Sender:         models.Participant{ExternalID: strings.TrimSpace(req.ExternalID), DisplayName: req.DisplayName},
		Text:           req.Text,
		Time:           time.Now(),
	}
	if err := s.injector.Inject(r.Context(), evt); err != nil {
		slog.Warn("Server.injectHandler: inject failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Transport is not accepting messages"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Message queued", nil))
}

func (s *Server) outboxHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	writeJSONResponse(w, http.StatusOK, models.Success(s.outbox.Backlog(conversationID)))
}
