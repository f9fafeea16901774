package handlers

import (
	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/services"
)

type APIHandlers struct {
	Sync          *SyncHandler
	Events        *EventsHandler
	Messages      *MessagesHandler
	GoogleWebhook *GoogleWebhookHandler
}

func InitHandlers(cfg *config.Config, repos *repository.Repositories, svc *services.Services, log logger.Logger) (*APIHandlers, error) {
	googleWebhook, err := NewGoogleWebhookHandler(svc.PushAdapter, cfg.GoogleConfig.WebhookAudience, log)
	if err != nil {
		return nil, err
	}

	return &APIHandlers{
		Sync:          NewSyncHandler(repos, svc, log),
		Events:        NewEventsHandler(svc.EventsService),
		Messages:      NewMessagesHandler(repos, svc.RemoteActions, log),
		GoogleWebhook: googleWebhook,
	}, nil
}
