// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	requestutil "github.com/phamtuananh/sequana/internal/platform/request"
	"github.com/phamtuananh/sequana/internal/platform/respond"
	"github.com/phamtuananh/sequana/internal/platform/validate"
)

// Handler exposes the query pipeline over HTTP.
//
// Responses are flat JSON, not the data envelope: chat frontends and BI
// dashboards consume the query contract (rows, correlation_id,
// needs_clarification) at the top level.
type Handler struct {
	service *Service
	log     *slog.Logger
}

// NewHandler wires the HTTP surface to the service.
func NewHandler(service *Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes returns the router for the query API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/query", h.query)
	r.Post("/clarify", h.clarify)
	r.Delete("/sessions/{sessionID}", h.clearSession)
	return r
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := requestutil.DecodeJSON(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	v := &validate.Validator{}
	if err := v.Required("question", req.Question).Err(); err != nil {
		respond.Error(w, r, err)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	correlationID := uuid.NewString()

	response, err := h.service.Query(r.Context(), correlationID, req)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, response)
}

func (h *Handler) clarify(w http.ResponseWriter, r *http.Request) {
	var req ClarifyRequest
	if err := requestutil.DecodeJSON(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	v := &validate.Validator{}
	v.Required("original_question", req.OriginalQuestion)
	v.Required("clarification_answer", req.ClarificationAnswer)
	if err := v.Err(); err != nil {
		respond.Error(w, r, err)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	correlationID := uuid.NewString()

	response, err := h.service.Clarify(r.Context(), correlationID, req)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, response)
}

func (h *Handler) clearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := requestutil.Param(r, "sessionID")

	v := &validate.Validator{}
	if err := v.Required("sessionID", sessionID).Err(); err != nil {
		respond.Error(w, r, err)
		return
	}

	h.service.ClearSession(sessionID)
	respond.NoContent(w)
}
