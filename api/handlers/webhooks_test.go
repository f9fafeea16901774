package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type fakePushAdapter struct {
	handleErr error

	calls     int
	lastEmail string
	lastID    uint64
}

func (p *fakePushAdapter) Renew(ctx context.Context, connector *models.Connector) error {
	return nil
}

func (p *fakePushAdapter) RenewAll(ctx context.Context) error { return nil }

func (p *fakePushAdapter) HandleNotification(ctx context.Context, accountEmail string, historyID uint64) error {
	p.calls++
	p.lastEmail = accountEmail
	p.lastID = historyID
	return p.handleErr
}

func pubSubBody(t *testing.T, data string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"data":      data,
			"messageId": "msg_1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	require.NoError(t, err)
	return body
}

func postWebhook(t *testing.T, push *fakePushAdapter, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler, err := NewGoogleWebhookHandler(push, "", testLogger())
	require.NoError(t, err)

	router := gin.New()
	router.POST("/webhooks/google", handler.HandleNotification())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestGoogleWebhook_DeliversNotification(t *testing.T) {
	push := &fakePushAdapter{}
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"user@example.com","historyId":12345}`))

	recorder := postWebhook(t, push, pubSubBody(t, data))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, push.calls)
	assert.Equal(t, "user@example.com", push.lastEmail)
	assert.Equal(t, uint64(12345), push.lastID)
}

func TestGoogleWebhook_AcksMalformedDataToStopRedelivery(t *testing.T) {
	push := &fakePushAdapter{}

	recorder := postWebhook(t, push, pubSubBody(t, "!!not-base64!!"))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "discarded")
	assert.Equal(t, 0, push.calls)
}

func TestGoogleWebhook_AcksInvalidEnvelope(t *testing.T) {
	push := &fakePushAdapter{}

	recorder := postWebhook(t, push, []byte(`{"message": 42`))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "discarded")
	assert.Equal(t, 0, push.calls)
}

func TestGoogleWebhook_ProcessingFailureTriggersRetry(t *testing.T) {
	push := &fakePushAdapter{handleErr: errors.New("history replay failed")}
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"user@example.com","historyId":9}`))

	recorder := postWebhook(t, push, pubSubBody(t, data))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, 1, push.calls)
}

func TestDecodeNotification(t *testing.T) {
	payload := []byte(`{"emailAddress":"user@example.com","historyId":777}`)

	t.Run("standard base64", func(t *testing.T) {
		notification, err := decodeNotification(base64.StdEncoding.EncodeToString(payload))
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", notification.EmailAddress)
		assert.Equal(t, uint64(777), notification.HistoryID)
	})

	t.Run("url-safe base64", func(t *testing.T) {
		notification, err := decodeNotification(base64.URLEncoding.EncodeToString(payload))
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", notification.EmailAddress)
	})

	t.Run("missing email address", func(t *testing.T) {
		_, err := decodeNotification(base64.StdEncoding.EncodeToString([]byte(`{"historyId":1}`)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "emailAddress")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := decodeNotification(base64.StdEncoding.EncodeToString([]byte("plain text")))
		require.Error(t, err)
	})
}
