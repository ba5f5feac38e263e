package fraud_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/fraud"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/utils"
)

type Handler struct {
	Triage *fraud.Triage
	Logger *logger.Logger
}

func NewHandler(triage *fraud.Triage, log *logger.Logger) *Handler {
	return &Handler{Triage: triage, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/fraud/logs", func(r chi.Router) {
		r.Get("/", h.ListOpen)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/confirm", h.Confirm)
		r.Post("/{id}/whitelist", h.Whitelist)
	})
}

// ListOpen returns untriaged logs, highest risk first.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Triage.ListOpen(r.Context(), r.URL.Query().Get("event_id"))
	if err != nil {
		utils.WriteError(w, "Failed to list fraud logs", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d open fraud logs", len(rows)), rows))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.Triage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteError(w, "Fraud log not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Fraud log", row))
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	notes, ok := readNotes(w, r)
	if !ok {
		return
	}
	row, err := h.Triage.ConfirmFraud(r.Context(), chi.URLParam(r, "id"), auth.ActorID(r.Context()), notes)
	if err != nil {
		utils.WriteError(w, "Failed to confirm fraud", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Confirmed as fraud", row))
}

func (h *Handler) Whitelist(w http.ResponseWriter, r *http.Request) {
	notes, ok := readNotes(w, r)
	if !ok {
		return
	}
	row, err := h.Triage.Whitelist(r.Context(), chi.URLParam(r, "id"), auth.ActorID(r.Context()), notes)
	if err != nil {
		utils.WriteError(w, "Failed to whitelist", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Whitelisted", row))
}

func readNotes(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return "", false
	}
	return body.Notes, true
}
