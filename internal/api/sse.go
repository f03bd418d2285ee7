package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ssePingInterval is the keepalive cadence on an idle stream. Proxies and
// browsers drop SSE connections that stay silent too long.
const ssePingInterval = 30 * time.Second

// handleStream serves the hub's event feed over Server-Sent Events. The
// event name is the hub event type ("update" when absent) and the data is
// the event JSON; idle periods carry a ping. The subscription ends when the
// client disconnects or the hub evicts a slow reader.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	hub := h.eng.GetHub()
	id, events := hub.Subscribe()
	defer hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case evt, open := <-events:
			if !open {
				// Evicted by the hub; the client should reconnect.
				return
			}
			name := evt.EventType
			if name == "" {
				name = "update"
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Error("event marshal failed", "event_type", evt.EventType, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
				return
			}
			flusher.Flush()

		case <-ping.C:
			if _, err := fmt.Fprintf(w, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
