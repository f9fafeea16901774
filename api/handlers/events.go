package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
)

// maxEventWait bounds how long a long-poll request may hold a
// connection open.
const maxEventWait = 30 * time.Second

type EventsHandler struct {
	events interfaces.EventsService
}

func NewEventsHandler(events interfaces.EventsService) *EventsHandler {
	return &EventsHandler{events: events}
}

// ListEvents long-polls for sync events on one connector. Clients pass
// the highest event id they have seen as "after" and an optional "wait"
// in seconds; an expired wait returns an empty list.
func (h *EventsHandler) ListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EventsHandler.ListEvents")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connectorID := c.Param("id")
		tracing.TagConnector(span, connectorID)

		afterID, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}

		waitSeconds, err := strconv.Atoi(c.DefaultQuery("wait", "0"))
		if err != nil || waitSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a non-negative integer"})
			return
		}
		wait := time.Duration(waitSeconds) * time.Second
		if wait > maxEventWait {
			wait = maxEventWait
		}

		events, err := h.events.WaitForEvents(ctx, connectorID, afterID, wait)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if events == nil {
			events = []models.SyncEvent{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
