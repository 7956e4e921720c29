package events

import (
	"fmt"
	"log/slog"
	"net/http"
)

// Handler upgrades a GET request into a Server-Sent-Events stream of
// Notifications for one named image. Its ServeHTTP takes the image name
// as a third argument, so Handler is not itself an http.Handler.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger
}

// NewHandler creates a Handler backed by bc.
func NewHandler(bc *Broadcaster, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bc: bc, logger: logger}
}

// ServeHTTP streams Notifications for image until the client
// disconnects. rest.NewRouter passes the "name" chi URL parameter as
// image.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, image string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ch := h.bc.Subscribe(ctx, image)

	h.logger.Info("events: subscriber connected", slog.String("image", image))
	defer h.logger.Info("events: subscriber disconnected", slog.String("image", image))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
