package scan_api

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/notify"
)

// StreamHandler serves notification topics as Server-Sent Events. The
// stream is a display refresh hint only.
type StreamHandler struct {
	Hub    *notify.Hub
	Logger *logger.Logger
}

func NewStreamHandler(hub *notify.Hub, log *logger.Logger) *StreamHandler {
	return &StreamHandler{Hub: hub, Logger: log}
}

func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{topic}", h.Stream)
}

func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !slices.Contains(notify.Topics, topic) {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	setupSSEHeaders(w)
	ctx := r.Context()
	messages := h.Hub.Subscribe(ctx, topic)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"topic\":\"%s\"}\n\n", topic)
	flusher.Flush()
	h.Logger.Debug("SSE", fmt.Sprintf("Client subscribed to %s", topic))

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.Key, msg.Topic, msg.Payload)
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client left %s", topic))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
