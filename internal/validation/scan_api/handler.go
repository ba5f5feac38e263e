package scan_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/utils"
	"ms-gatescan/internal/validation"
)

type Store interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListTicketsByEvent(ctx context.Context, eventID string) ([]models.Ticket, error)
	GetOrderPartySize(ctx context.Context, orderID string) (*int, error)
	ListScanLogsByTicket(ctx context.Context, ticketID string, limit int) ([]models.ScanAttempt, error)
}

// Handler serves the authoritative scan endpoints of the gate server.
type Handler struct {
	Validator *validation.Service
	Store     Store
	Codec     *payload.Codec
	Logger    *logger.Logger
}

func NewHandler(validator *validation.Service, store Store, codec *payload.Codec, log *logger.Logger) *Handler {
	return &Handler{Validator: validator, Store: store, Codec: codec, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/scans", h.ValidateScan)
	r.Get("/events/{eventId}/tickets", h.ListTicketSnapshots)
	r.Get("/orders/{orderId}/party-size", h.GetPartySize)
	r.Get("/tickets/{ticketId}/scans", h.ListTicketScans)
	r.Get("/tickets/{ticketId}/qr", h.GetTicketQR)
}

// ValidateScan commits one scan attempt. Rejections are 200 responses with
// a non-valid outcome; only infrastructure trouble is an HTTP error.
func (h *Handler) ValidateScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var attempt models.ScanAttempt
	if err := json.NewDecoder(r.Body).Decode(&attempt); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if attempt.OperatorID == "" {
		attempt.OperatorID = auth.ActorID(r.Context())
	}

	verdict, err := h.Validator.Validate(r.Context(), attempt)
	if err != nil {
		h.Logger.Error("SCAN", fmt.Sprintf("Validation of scan %s failed: %v", attempt.ScanID, err))
		utils.WriteError(w, "Scan could not be validated", err)
		return
	}

	h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(http.StatusOK), time.Since(start).String())
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Scan validated", verdict))
}

// ListTicketSnapshots feeds gate agent caches.
func (h *Handler) ListTicketSnapshots(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	event, err := h.Store.GetEvent(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, "Event not found", err)
		return
	}
	tickets, err := h.Store.ListTicketsByEvent(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, "Failed to list tickets", err)
		return
	}

	now := time.Now().UTC()
	snapshots := make([]models.TicketSnapshot, 0, len(tickets))
	for _, t := range tickets {
		snapshots = append(snapshots, models.TicketSnapshot{Ticket: t, EventEndsAt: event.EndsAt, FetchedAt: now})
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d tickets", len(snapshots)), snapshots))
}

func (h *Handler) GetPartySize(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	size, err := h.Store.GetOrderPartySize(r.Context(), orderID)
	if err != nil {
		utils.WriteError(w, "Order not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Party size", map[string]any{
		"order_id":   orderID,
		"party_size": size,
	}))
}

func (h *Handler) ListTicketScans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	scans, err := h.Store.ListScanLogsByTicket(r.Context(), chi.URLParam(r, "ticketId"), limit)
	if err != nil {
		utils.WriteError(w, "Failed to list scans", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d scans", len(scans)), scans))
}

// GetTicketQR re-issues the sealed QR code of a ticket as a PNG.
func (h *Handler) GetTicketQR(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.Store.GetTicket(r.Context(), chi.URLParam(r, "ticketId"))
	if err != nil {
		utils.WriteError(w, "Ticket not found", err)
		return
	}
	size := 256
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s >= 64 && s <= 1024 {
		size = s
	}

	png, err := h.Codec.RenderPNG(payload.TicketRef{TicketID: ticket.TicketID, OrderID: ticket.OrderID, EventID: ticket.EventID}, size)
	if err != nil {
		utils.WriteError(w, "Failed to render QR code", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
