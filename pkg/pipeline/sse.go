package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/storage"
)

const sseKeepAlive = 25 * time.Second

// Router returns the live-update HTTP surface
func (p *Pipeline) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(log.RequestIDMiddleware)
	mux.Get("/api/v1/nests/{nestID}/live", p.handleSSE)
	return mux
}

// handleSSE streams status events for one nest over Server-Sent
// Events. Every subscriber gets its own subscription, so all
// subscribers of a nest see every event.
func (p *Pipeline) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	nestID := chi.URLParam(r, "nestID")

	logger := log.WithRequestID(log.RequestIDFrom(r.Context()))

	sub, err := p.store.Subscribe(r.Context(), storage.ChannelSSE(nestID))
	if err != nil {
		logger.Error().Err(err).Str("nest_id", nestID).Msg("live subscription failed")
		http.Error(w, "subscription failed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	p.metrics.SSESubscribers.Inc()
	defer p.metrics.SSESubscribers.Dec()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
