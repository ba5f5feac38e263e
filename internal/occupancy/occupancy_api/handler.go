package occupancy_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/occupancy"
	"ms-gatescan/internal/utils"
)

type Handler struct {
	Reconciler *occupancy.Reconciler
	Logger     *logger.Logger
}

func NewHandler(reconciler *occupancy.Reconciler, log *logger.Logger) *Handler {
	return &Handler{Reconciler: reconciler, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/occupancy", func(r chi.Router) {
		r.Post("/readings", h.RecordReading)
		r.Get("/events/{eventId}", h.GetView)
		r.Post("/events/{eventId}/check", h.CheckDiscrepancy)
		r.Get("/discrepancies", h.ListDiscrepancies)
		r.Get("/discrepancies/{id}", h.GetDiscrepancy)
		r.Post("/discrepancies/{id}/investigate", h.Investigate)
		r.Post("/discrepancies/{id}/resolve", h.Resolve)
	})
}

// RecordReading ingests one door-counter report.
func (h *Handler) RecordReading(w http.ResponseWriter, r *http.Request) {
	var reading models.DoorCounterReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if err := h.Reconciler.RecordReading(r.Context(), &reading); err != nil {
		utils.WriteError(w, "Failed to record reading", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Reading recorded", reading))
}

// GetView reports both counters. Optional from/to query parameters are
// RFC 3339 timestamps.
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid window", err.Error()))
		return
	}
	view, err := h.Reconciler.View(r.Context(), chi.URLParam(r, "eventId"), window)
	if err != nil {
		utils.WriteError(w, "Failed to load occupancy", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Occupancy", view))
}

func (h *Handler) CheckDiscrepancy(w http.ResponseWriter, r *http.Request) {
	threshold := 0
	if v := r.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid threshold", "threshold must be a positive integer"))
			return
		}
		threshold = n
	}
	check, err := h.Reconciler.DetectDiscrepancy(r.Context(), chi.URLParam(r, "eventId"), threshold)
	if err != nil {
		utils.WriteError(w, "Discrepancy check failed", err)
		return
	}
	message := "Counts agree within threshold"
	if check.DiscrepancyID != "" {
		message = "Discrepancy raised"
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, check))
}

// ListDiscrepancies lists open discrepancies unless status names others,
// comma separated.
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	var statuses []models.DiscrepancyStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, models.DiscrepancyStatus(strings.TrimSpace(s)))
		}
	}
	rows, err := h.Reconciler.List(r.Context(), r.URL.Query().Get("event_id"), statuses...)
	if err != nil {
		utils.WriteError(w, "Failed to list discrepancies", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d discrepancies", len(rows)), rows))
}

func (h *Handler) GetDiscrepancy(w http.ResponseWriter, r *http.Request) {
	row, err := h.Reconciler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteError(w, "Discrepancy not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Discrepancy", row))
}

func (h *Handler) Investigate(w http.ResponseWriter, r *http.Request) {
	row, err := h.Reconciler.Investigate(r.Context(), chi.URLParam(r, "id"), auth.ActorID(r.Context()))
	if err != nil {
		utils.WriteError(w, "Failed to start investigation", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Discrepancy under investigation", row))
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DiscrepancyStatus `json:"status"`
		Notes  string                   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	row, err := h.Reconciler.ResolveDiscrepancy(r.Context(), chi.URLParam(r, "id"), body.Status, body.Notes, auth.ActorID(r.Context()))
	if err != nil {
		utils.WriteError(w, "Failed to resolve discrepancy", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Discrepancy "+string(row.Status), row))
}

func parseWindow(r *http.Request) (models.TimeWindow, error) {
	var window models.TimeWindow
	for name, dst := range map[string]*time.Time{"from": &window.From, "to": &window.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return window, fmt.Errorf("%s: %w", name, err)
		}
		*dst = t
	}
	return window, nil
}
