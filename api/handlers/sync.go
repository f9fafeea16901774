package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/services"
)

// UserIDHeader attributes a request to a user for active-mailbox
// prioritization.
const UserIDHeader = "X-MAILCORE-USER-ID"

type SyncHandler struct {
	repos *repository.Repositories
	svc   *services.Services
	log   logger.Logger
}

func NewSyncHandler(repos *repository.Repositories, svc *services.Services, log logger.Logger) *SyncHandler {
	return &SyncHandler{
		repos: repos,
		svc:   svc,
		log:   log,
	}
}

type syncRequest struct {
	Mailbox string `json:"mailbox" binding:"required"`
	Force   bool   `json:"force"`
}

type mailboxRequest struct {
	Mailbox string `json:"mailbox" binding:"required"`
}

// RequestSync enqueues a durable sync job for one mailbox. When no
// workers are alive the sync runs in-process instead, so a single-node
// deployment without a worker fleet still makes progress.
func (h *SyncHandler) RequestSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SyncHandler.RequestSync")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		var req syncRequest
		if err := c.BindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tracing.TagMailbox(span, req.Mailbox)

		opts := interfaces.SyncRequestOptions{
			Force:  req.Force,
			UserID: strings.TrimSpace(c.GetHeader(UserIDHeader)),
		}
		enqueued, err := h.svc.Scheduler.RequestSync(ctx, connector, req.Mailbox, opts)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if enqueued {
			c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
			return
		}

		claimed, err := h.repos.SyncStateRepository.HasFreshActiveClaim(ctx, connector.ID, req.Mailbox)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if claimed {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
			return
		}

		// No durable job and no live claim means no workers are around.
		c.JSON(http.StatusAccepted, gin.H{"enqueued": false, "inline": true})
		go h.runInline(connector, req.Mailbox)
	}
}

func (h *SyncHandler) runInline(connector *models.Connector, mailbox string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("panic recovered in inline sync: %v\n%s", r, debug.Stack())
		}
	}()

	ctx := context.Background()
	if _, err := h.svc.Reconciler.Reconcile(ctx, connector, mailbox); err != nil {
		h.log.Errorf("inline sync for connector %s mailbox %s failed: %v", connector.ID, mailbox, err)
	}
}

// CancelSync flags a running sync for cooperative cancellation. The
// running pass observes the flag at its next heartbeat.
func (h *SyncHandler) CancelSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SyncHandler.CancelSync")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		var req mailboxRequest
		if err := c.BindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tracing.TagMailbox(span, req.Mailbox)

		state, err := h.repos.SyncStateRepository.Get(ctx, connector.ID, req.Mailbox)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if state == nil || state.Status != enum.SyncRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "no sync in progress"})
			return
		}

		err = h.repos.SyncStateRepository.Patch(ctx, connector.ID, req.Mailbox, map[string]interface{}{
			"cancel_requested": true,
		})
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
	}
}

// GetSyncState returns the persisted sync state for one mailbox.
func (h *SyncHandler) GetSyncState() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SyncHandler.GetSyncState")
		defer span.Finish()
		tracing.TagComponentRest(span)

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		mailbox := strings.TrimSpace(c.Query("mailbox"))
		if mailbox == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox query parameter is required"})
			return
		}
		tracing.TagMailbox(span, mailbox)

		state, err := h.repos.SyncStateRepository.Get(ctx, connector.ID, mailbox)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if state == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "mailbox has never been synced"})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// MarkActiveMailbox records which mailbox a user is currently looking
// at, so subsequent syncs for it get high priority.
func (h *SyncHandler) MarkActiveMailbox() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "SyncHandler.MarkActiveMailbox")
		defer span.Finish()
		tracing.TagComponentRest(span)

		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s header is required", UserIDHeader)})
			return
		}

		connector, ok := h.lookupConnector(c, span)
		if !ok {
			return
		}

		var req mailboxRequest
		if err := c.BindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tracing.TagMailbox(span, req.Mailbox)

		h.svc.Scheduler.MarkActiveMailbox(userID, connector.ID, req.Mailbox)
		c.Status(http.StatusNoContent)
	}
}

func (h *SyncHandler) lookupConnector(c *gin.Context, span opentracing.Span) (*models.Connector, bool) {
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
