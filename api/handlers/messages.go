package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/services/rules"
)

type messageActionRequest struct {
	Mailbox string   `json:"mailbox" binding:"required"`
	UIDs    []uint32 `json:"uids" binding:"required"`
	Action  string   `json:"action" binding:"required"`
	// Destination is required for the move action only.
	Destination string `json:"destination"`
}

type appendMessageRequest struct {
	Mailbox string   `json:"mailbox" binding:"required"`
	Raw     string   `json:"raw" binding:"required"`
	Flags   []string `json:"flags"`
}

type MessagesHandler struct {
	repos   *repository.Repositories
	actions *rules.RemoteActions
	log     logger.Logger
}

func NewMessagesHandler(repos *repository.Repositories, actions *rules.RemoteActions, log logger.Logger) *MessagesHandler {
	return &MessagesHandler{
		repos:   repos,
		actions: actions,
		log:     log,
	}
}

// ApplyAction runs a flag, move, or delete action on remote messages.
// The local mirror is updated immediately; the next reconciliation
// confirms it against the server.
func (h *MessagesHandler) ApplyAction() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "MessagesHandler.ApplyAction")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		var req messageActionRequest
		if err := c.BindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.UIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "uids must not be empty"})
			return
		}
		tracing.TagMailbox(span, req.Mailbox)
		span.SetTag("action", req.Action)

		var err error
		switch req.Action {
		case "mark_read":
			err = h.actions.MarkRead(ctx, connector, req.Mailbox, req.UIDs)
		case "mark_unread":
			err = h.actions.MarkUnread(ctx, connector, req.Mailbox, req.UIDs)
		case "star":
			err = h.actions.Star(ctx, connector, req.Mailbox, req.UIDs)
		case "unstar":
			err = h.actions.Unstar(ctx, connector, req.Mailbox, req.UIDs)
		case "move":
			if req.Destination == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "destination is required for move"})
				return
			}
			err = h.actions.Move(ctx, connector, req.Mailbox, req.UIDs, req.Destination)
		case "delete":
			err = h.actions.Delete(ctx, connector, req.Mailbox, req.UIDs)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
			return
		}
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		h.updateLocalMirror(c, connector, &req)

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// updateLocalMirror applies the accepted remote action to local rows so
// reads after the call see the new state without waiting for a sync.
func (h *MessagesHandler) updateLocalMirror(c *gin.Context, connector *models.Connector, req *messageActionRequest) {
	ctx := c.Request.Context()

	if req.Action == "delete" || req.Action == "move" {
		// Moved messages get a fresh uid in the destination; the next
		// sync of that mailbox picks them up.
		if _, err := h.repos.MessageRepository.DeleteByUIDs(ctx, connector.ID, req.Mailbox, req.UIDs); err != nil {
			h.log.Warnf("Could not update local mirror after %s: %v", req.Action, err)
		}
		return
	}

	for _, uid := range req.UIDs {
		message, err := h.repos.MessageRepository.GetByRemote(ctx, connector.ID, req.Mailbox, uid)
		if err != nil || message == nil {
			continue
		}
		switch req.Action {
		case "mark_read":
			message.IsRead = true
		case "mark_unread":
			message.IsRead = false
		case "star":
			message.IsStarred = true
		case "unstar":
			message.IsStarred = false
		}
		if err := h.repos.MessageRepository.Update(ctx, message); err != nil {
			h.log.Warnf("Could not update local mirror for uid %d: %v", uid, err)
		}
	}
}

// AppendMessage uploads a raw RFC 822 message into a remote mailbox.
func (h *MessagesHandler) AppendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "MessagesHandler.AppendMessage")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		var req appendMessageRequest
		if err := c.BindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tracing.TagMailbox(span, req.Mailbox)

		raw, err := base64.StdEncoding.DecodeString(req.Raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "raw must be base64-encoded"})
			return
		}

		if err := h.actions.Append(ctx, connector, req.Mailbox, raw, req.Flags); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "ok"})
	}
}

func (h *MessagesHandler) lookupConnector(c *gin.Context, span opentracing.Span) (*models.Connector, bool) {
	id := c.Param("id")
	tracing.TagConnector(span, id)

	connector, err := h.repos.ConnectorRepository.GetByID(c.Request.Context(), id)
	if err != nil {
		tracing.TraceErr(span, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if connector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "connector not found"})
		return nil, false
	}
	return connector, true
}
