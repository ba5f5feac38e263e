package gate_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/batch"
	"ms-gatescan/internal/gate"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/syncengine"
	"ms-gatescan/internal/utils"
)

// Handler is the local API of a gate agent: the scanner UI and the
// operator's queue and batch views.
type Handler struct {
	Device   *gate.Device
	Queue    *scanqueue.Queue
	Engine   *syncengine.Engine
	Approver *batch.Approver
	Parties  batch.PartySizeLookup
	Logger   *logger.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/scan", h.Scan)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.ListQueue)
		r.Get("/stats", h.QueueStats)
		r.Get("/failed", h.ListFailed)
		r.Post("/prune", h.Prune)
		r.Get("/{scanId}", h.GetEntry)
		r.Post("/{scanId}/retry", h.Retry)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", h.SyncNow)
		r.Get("/health", h.Health)
		r.Get("/history", h.History)
	})

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", h.ListBatches)
		r.Get("/{orderId}", h.GetBatch)
		r.Post("/{orderId}/approve", h.ApproveBatch)
	})
}

type scanRequest struct {
	Payload  string              `json:"payload"`
	Metadata models.ScanMetadata `json:"metadata"`
}

// Scan records a presentation and answers with a verdict. It only fails
// when the scan could not be queued.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.Metadata.IPAddress == "" {
		req.Metadata.IPAddress = clientIP(r)
	}
	if req.Metadata.UserAgent == "" {
		req.Metadata.UserAgent = r.UserAgent()
	}

	res, err := h.Device.Scan(r.Context(), req.Payload, auth.ActorID(r.Context()), req.Metadata)
	if err != nil {
		h.Logger.Error("SCAN", fmt.Sprintf("Failed to record scan: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Scan not recorded", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(res.Message, res))
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	var statuses []models.SyncStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, models.SyncStatus(strings.TrimSpace(s)))
		}
	}
	entries, err := h.Queue.List(statuses...)
	if err != nil {
		utils.WriteError(w, "Failed to list queue", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d entries", len(entries)), entries))
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats()
	if err != nil {
		utils.WriteError(w, "Failed to read queue stats", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Queue stats", stats))
}

// ListFailed returns entries that need an operator: retries exhausted or
// rejected permanently.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Queue.PermanentlyFailed()
	if err != nil {
		utils.WriteError(w, "Failed to list failed entries", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d failed entries", len(entries)), entries))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Queue.Get(chi.URLParam(r, "scanId"))
	if err != nil {
		utils.WriteError(w, "Queue entry not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Queue entry", entry))
}

// Retry re-arms a permanently failed entry for the next sync pass.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Queue.Retry(chi.URLParam(r, "scanId"))
	if err != nil {
		utils.WriteError(w, "Retry failed", err)
		return
	}
	h.Logger.LogSync(h.Queue.DeviceID(), fmt.Sprintf("Scan %s re-armed by %s", entry.Attempt.ScanID, auth.ActorID(r.Context())))
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Entry queued for retry", entry))
}

// Prune drops synced entries older than the older_than duration (default 24h).
func (h *Handler) Prune(w http.ResponseWriter, r *http.Request) {
	age := 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid older_than", "expected a duration such as 12h"))
			return
		}
		age = d
	}
	removed, err := h.Queue.PruneSynced(time.Now().Add(-age))
	if err != nil {
		utils.WriteError(w, "Prune failed", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("Pruned %d entries", removed), map[string]int{"removed": removed}))
}

func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	pass, err := h.Engine.SyncNow(r.Context())
	if err != nil {
		utils.WriteError(w, "Sync failed", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("Synced %d of %d", pass.Succeeded, pass.Processed), pass))
}

type healthResponse struct {
	DeviceID      string            `json:"device_id"`
	Online        bool              `json:"online"`
	HealthPercent float64           `json:"health_percent"`
	Queue         models.QueueStats `json:"queue"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.Engine.Health()
	if err != nil {
		utils.WriteError(w, "Failed to compute sync health", err)
		return
	}
	stats, err := h.Queue.Stats()
	if err != nil {
		utils.WriteError(w, "Failed to read queue stats", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Sync health", healthResponse{
		DeviceID:      h.Queue.DeviceID(),
		Online:        h.Engine.Online(),
		HealthPercent: health,
		Queue:         stats,
	}))
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.Queue.History(limit)
	if err != nil {
		utils.WriteError(w, "Failed to read sync history", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d passes", len(history)), history))
}

func (h *Handler) groups(r *http.Request) ([]batch.Group, error) {
	entries, err := h.Queue.List()
	if err != nil {
		return nil, err
	}
	return batch.DetectGroups(r.Context(), entries, h.Parties, h.Logger), nil
}

func (h *Handler) findGroup(r *http.Request) (batch.Group, error) {
	groups, err := h.groups(r)
	if err != nil {
		return batch.Group{}, err
	}
	orderID := chi.URLParam(r, "orderId")
	for _, g := range groups {
		if g.OrderID == orderID {
			return g, nil
		}
	}
	return batch.Group{}, fmt.Errorf("batch for order %s: %w", orderID, models.ErrNotFound)
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groups(r)
	if err != nil {
		utils.WriteError(w, "Failed to group queue", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d batches", len(groups)), groups))
}

// GetBatch returns one order's group; remove_invalid=true hides rejected
// members from the view.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	g, err := h.findGroup(r)
	if err != nil {
		utils.WriteError(w, "Batch not found", err)
		return
	}
	if r.URL.Query().Get("remove_invalid") == "true" {
		g = batch.RemoveInvalid(g)
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Batch", g))
}

func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	g, err := h.findGroup(r)
	if err != nil {
		utils.WriteError(w, "Batch not found", err)
		return
	}
	results := h.Approver.ApproveBatch(r.Context(), g)
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("Approved %d members", len(results)), results))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
