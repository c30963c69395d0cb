package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/go-chi/chi/v5"
)

type processRequest struct {
	Message      string                       `json:"message"`
	Profile      models.ClientProfile         `json:"profile"`
	MessageCount int                          `json:"message_count"`
	EnableDelay  bool                         `json:"enable_delay"`
	History      []models.ConversationMessage `json:"history"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type insightsRequest struct {
	WindowDays int `json:"window_days"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if clients, err := s.store.ListClients(ctx); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		health["status"] = "degraded"
		health["error"] = "Failed to reach store"
		statusCode = http.StatusServiceUnavailable
	} else {
		health["clients"] = len(clients)
	}
	writeJSONResponse(w, statusCode, health)
}

// processHandler triages a supplied payload without touching stored state.
func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeValidated(r, schemaProcess, &req); err != nil {
		slog.Warn("Server.processHandler: invalid request", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Profile.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := s.pipeline.ProcessMessage(r.Context(), flow.Request{
		Message:      req.Message,
		Profile:      req.Profile,
		MessageCount: req.MessageCount,
		EnableDelay:  req.EnableDelay,
		History:      req.History,
	})
	slog.Debug("Server.processHandler: message triaged", "action", d.Action)
	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

func (s *Server) createClientHandler(w http.ResponseWriter, r *http.Request) {
	var p models.ClientProfile
	if err := decodeValidated(r, schemaClient, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.store.SaveClient(r.Context(), p)
	if err != nil {
		slog.Error("Server.createClientHandler: failed to save client", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save client")
		return
	}
	slog.Info("Server.createClientHandler: client saved", "client", saved.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(saved))
}

func (s *Server) listClientsHandler(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		slog.Error("Server.listClientsHandler: failed to list clients", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list clients")
		return
	}
	if clients == nil {
		clients = []models.ClientProfile{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(clients))
}

// loadClient resolves the {id} URL parameter, writing the error response itself on failure.
func (s *Server) loadClient(w http.ResponseWriter, r *http.Request) (models.ClientProfile, bool) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetClient(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Client not found")
		return p, false
	case err != nil:
		slog.Error("Server.loadClient: failed to load client", "client", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load client")
		return p, false
	}
	return p, true
}

func (s *Server) getClientHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	history, err := s.store.History(r.Context(), p.ID, limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed to load history", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if history == nil {
		history = []models.ConversationMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

// inboundMessageHandler feeds a message through the same path as an inbound SMS and waits for
// the decision.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeValidated(r, schemaMessage, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.handler.Process(r.Context(), p, req.Message, s.now())
	if err != nil {
		slog.Error("Server.inboundMessageHandler: processing failed", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	decisions, err := s.store.ListDecisions(r.Context(), p.ID)
	if err != nil {
		slog.Error("Server.decisionsHandler: failed to list decisions", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list decisions")
		return
	}
	if decisions == nil {
		decisions = []models.FinalDecision{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decisions))
}

func (s *Server) generateInsightsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	req := insightsRequest{WindowDays: insight.DefaultWindowDays}
	if err := decodeValidated(r, schemaInsights, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WindowDays == 0 {
		req.WindowDays = insight.DefaultWindowDays
	}
	history, err := s.store.History(r.Context(), p.ID, 0)
	if err != nil {
		slog.Error("Server.generateInsightsHandler: failed to load history", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	generated := s.insights.Generate(r.Context(), p, history, req.WindowDays)
	saved, err := s.store.SaveInsights(r.Context(), generated)
	if err != nil {
		slog.Error("Server.generateInsightsHandler: failed to save insights", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save insights")
		return
	}
	s.metrics.ObserveInsights(saved)
	writeJSONResponse(w, http.StatusCreated, models.Success(saved))
}

func (s *Server) listInsightsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	insights, err := s.store.ListInsights(r.Context(), p.ID)
	if err != nil {
		slog.Error("Server.listInsightsHandler: failed to list insights", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list insights")
		return
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(insights))
}

func (s *Server) riskHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	history, err := s.store.History(r.Context(), p.ID, 0)
	if err != nil {
		slog.Error("Server.riskHandler: failed to load history", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	assessment, err := s.insights.AssessRisk(r.Context(), insight.RiskInputFromHistory(history, s.now()))
	if err != nil {
		slog.Warn("Server.riskHandler: risk assessment fell back", "client", p.ID, "error", err)
	}
	assessment.ClientID = p.ID
	writeJSONResponse(w, http.StatusOK, models.Success(assessment))
}

func (s *Server) checkInHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	history, err := s.store.History(r.Context(), p.ID, 0)
	if err != nil {
		slog.Error("Server.checkInHandler: failed to load history", "client", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	checkIn, err := s.checkins.Write(r.Context(), p, history)
	if err != nil {
		slog.Warn("Server.checkInHandler: using template check-in", "client", p.ID, "error", err)
	}
	if err := s.handler.SendCheckIn(r.Context(), p, checkIn.Message); err != nil {
		slog.Error("Server.checkInHandler: delivery failed", "client", p.ID, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to deliver check-in")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(checkIn))
}
