package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/tracing"
)

const (
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer  = "https://accounts.google.com"

	jwksRefreshInterval = 15 * time.Minute
	jwksFetchTimeout    = 5 * time.Second
)

// pubSubEnvelope is the push delivery wrapper Cloud Pub/Sub wraps
// around every notification.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the payload Gmail publishes on mailbox change.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// GoogleWebhookHandler receives Gmail push notifications delivered via
// Cloud Pub/Sub push subscriptions.
type GoogleWebhookHandler struct {
	push     interfaces.PushAdapter
	audience string
	keys     *jwk.Cache
	log      logger.Logger
}

// NewGoogleWebhookHandler builds the webhook handler. When audience is
// empty, bearer-token verification is skipped; the endpoint then relies
// on network-level protection only.
func NewGoogleWebhookHandler(push interfaces.PushAdapter, audience string, log logger.Logger) (*GoogleWebhookHandler, error) {
	h := &GoogleWebhookHandler{
		push:     push,
		audience: audience,
		log:      log,
	}
	if audience != "" {
		cache := jwk.NewCache(context.Background())
		if err := cache.Register(googleJWKSURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
			return nil, errors.Wrap(err, "failed to register Google JWKS URL")
		}
		h.keys = cache
	}
	return h, nil
}

// HandleNotification acks every well-formed delivery. Malformed
// payloads are acked too, otherwise Pub/Sub redelivers them forever.
// Only processing failures return 5xx so the delivery is retried.
func (h *GoogleWebhookHandler) HandleNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "GoogleWebhookHandler.HandleNotification")
		defer span.Finish()
		tracing.TagComponentRest(span)

		if err := h.verifyCaller(c); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization token"})
			return
		}

		var envelope pubSubEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("discarding malformed pubsub envelope: %v", err)
			c.JSON(http.StatusOK, gin.H{"status": "discarded"})
			return
		}

		notification, err := decodeNotification(envelope.Message.Data)
		if err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("discarding undecodable pubsub message %s: %v", envelope.Message.MessageID, err)
			c.JSON(http.StatusOK, gin.H{"status": "discarded"})
			return
		}

		err = h.push.HandleNotification(ctx, notification.EmailAddress, notification.HistoryID)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *GoogleWebhookHandler) verifyCaller(c *gin.Context) error {
	if h.keys == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), jwksFetchTimeout)
	defer cancel()

	keySet, err := h.keys.Get(ctx, googleJWKSURL)
	if err != nil {
		return errors.Wrap(err, "failed to fetch Google signing keys")
	}

	_, err = jwt.ParseRequest(
		c.Request,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(h.audience),
	)
	if err != nil {
		return errors.Wrap(err, "failed to verify pubsub token")
	}
	return nil
}

func decodeNotification(data string) (*gmailNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
	}
	if err != nil {
		return nil, errors.Wrap(err, "message data is not valid base64")
	}

	var notification gmailNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, errors.Wrap(err, "message data is not a gmail notification")
	}
	if notification.EmailAddress == "" {
		return nil, errors.New("gmail notification missing emailAddress")
	}
	return &notification, nil
}
