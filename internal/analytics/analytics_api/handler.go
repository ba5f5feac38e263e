package analytics_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/analytics"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/utils"
)

// maxBatchEvents caps one batch request.
const maxBatchEvents = 50

type Handler struct {
	Service *analytics.Service
	Logger  *logger.Logger
}

func NewHandler(service *analytics.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/events/{eventId}", h.GetEventAnalytics)
		r.Post("/events/batch", h.GetBatchEventAnalytics)
	})
}

// GetEventAnalytics reports entry for one event; from/to are RFC3339.
func (h *Handler) GetEventAnalytics(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	window, err := parseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid time window", err.Error()))
		return
	}

	report, err := h.Service.GetEventAnalytics(r.Context(), eventID, window)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Event %s analytics failed: %v", eventID, err))
		utils.WriteError(w, "Failed to build analytics", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event analytics", report))
}

type batchRequest struct {
	EventIDs []string `json:"event_ids"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
}

func (h *Handler) GetBatchEventAnalytics(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if len(req.EventIDs) == 0 || len(req.EventIDs) > maxBatchEvents {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body",
			fmt.Sprintf("event_ids must hold 1 to %d events", maxBatchEvents)))
		return
	}
	window, err := parseWindow(req.From, req.To)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid time window", err.Error()))
		return
	}

	reports, err := h.Service.GetBatchEventAnalytics(r.Context(), req.EventIDs, window)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Batch analytics failed: %v", err))
		utils.WriteError(w, "Failed to build analytics", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("Analytics for %d events", len(reports)), reports))
}

func parseWindow(from, to string) (models.TimeWindow, error) {
	var window models.TimeWindow
	var err error
	if from != "" {
		if window.From, err = time.Parse(time.RFC3339, from); err != nil {
			return window, fmt.Errorf("from: %w", err)
		}
	}
	if to != "" {
		if window.To, err = time.Parse(time.RFC3339, to); err != nil {
			return window, fmt.Errorf("to: %w", err)
		}
	}
	return window, nil
}
