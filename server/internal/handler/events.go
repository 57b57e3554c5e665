package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/events"
)

// keepAliveInterval is how often an idle stream gets a comment line so that
// proxies keep the connection open.
const keepAliveInterval = 25 * time.Second

// Events streams a unit's events over SSE.
// GET /api/units/{unitId}/events
// Query parameters:
//   - since: RFC3339 timestamp or unix seconds to replay events after
//   - after: event ID to replay events after (takes precedence over since)
//
// Without either, only events published after the connection are streamed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitId")
	if h.eventBroker == nil {
		h.Error(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	afterID := r.URL.Query().Get("after")
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" && afterID == "" {
		var err error
		since, err = parseSince(raw)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid since parameter, use RFC3339 format")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before reading history so nothing falls between the two
	sub := h.eventBroker.Subscribe(unitID)
	defer h.eventBroker.Unsubscribe(sub)

	fmt.Fprintf(w, "event: connected\ndata: {\"unitId\":%q}\n\n", unitID)
	flusher.Flush()

	sent := make(map[string]bool)

	var history []*events.Event
	var err error
	switch {
	case afterID != "":
		history, err = h.eventBroker.GetEventsAfterID(r.Context(), unitID, afterID)
	case !since.IsZero():
		history, err = h.eventBroker.GetEventsSince(r.Context(), unitID, since)
	}
	if err != nil {
		h.log.Warn("failed to load event history", zap.String("unit_id", unitID), zap.Error(err))
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"failed to get historical events\"}\n\n")
	}
	for _, event := range history {
		if writeEvent(w, event) {
			sent[event.ID] = true
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if sent[event.ID] {
				delete(sent, event.ID)
				continue
			}
			if writeEvent(w, event) {
				flusher.Flush()
			}
		}
	}
}

// writeEvent writes one SSE frame: event: <type>\ndata: <json>\n\n
func writeEvent(w http.ResponseWriter, event *events.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return true
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
