package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// EventQueries reads the durable event stream.
type EventQueries interface {
	RecentEvents(ctx context.Context, after string, limit int) ([]domain.StreamMessage, error)
}

// EventHandler lets clients catch up on events they missed while
// disconnected from the WebSocket feed.
type EventHandler struct {
	events EventQueries
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventQueries, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

type eventItem struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns stream entries after the given id, oldest first. The last id
// is echoed as "next" for the following call.
// GET /api/events?after=0&limit=100
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	msgs, err := h.events.RecentEvents(r.Context(), after, queryInt(r, "limit", 100))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	items := make([]eventItem, 0, len(msgs))
	next := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		items = append(items, eventItem{ID: m.ID, Event: json.RawMessage(m.Payload)})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items, "next": next})
}
