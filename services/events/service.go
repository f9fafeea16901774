package events

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
)

const waiterPollCeiling = 2 * time.Second

// eventsService persists sync events, fans them out to the broker, and
// wakes in-process long-poll waiters.
type eventsService struct {
	repo      interfaces.EventRepository
	publisher *RabbitMQPublisher
	log       logger.Logger

	waitersMu sync.Mutex
	// waiters is keyed by connector id; every channel gets closed (not
	// sent to) on a new event, so all waiters wake at once.
	waiters map[string][]chan struct{}
}

// NewEventsService builds the event collaborator. The publisher may be
// nil when no broker is configured; events then stay local.
func NewEventsService(repo interfaces.EventRepository, publisher *RabbitMQPublisher, log logger.Logger) interfaces.EventsService {
	return &eventsService{
		repo:      repo,
		publisher: publisher,
		log:       log,
		waiters:   map[string][]chan struct{}{},
	}
}

// Emit never fails the caller. Persistence or broker problems are logged
// and the sync pass keeps going.
func (s *eventsService) Emit(ctx context.Context, connectorID string, eventType enum.SyncEventType, payload map[string]interface{}) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EventsService.Emit")
	defer span.Finish()
	tracing.TagConnector(span, connectorID)
	span.SetTag("event.type", eventType)

	event := &models.SyncEvent{
		ConnectorID: connectorID,
		EventType:   eventType,
		Payload:     models.JSONMap(payload),
	}

	if err := s.repo.Create(ctx, event); err != nil {
		tracing.TraceErr(span, err)
		s.log.Errorf("failed to persist %s event for %s: %v", eventType, connectorID, err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSyncEvent(ctx, event); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("failed to publish %s event for %s: %v", eventType, connectorID, err)
		}
	}

	s.wake(connectorID)
}

func (s *eventsService) wake(connectorID string) {
	s.waitersMu.Lock()
	waiting := s.waiters[connectorID]
	delete(s.waiters, connectorID)
	s.waitersMu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
}

func (s *eventsService) subscribe(connectorID string) chan struct{} {
	ch := make(chan struct{})
	s.waitersMu.Lock()
	s.waiters[connectorID] = append(s.waiters[connectorID], ch)
	s.waitersMu.Unlock()
	return ch
}

// unsubscribe removes one waiter so expired polls do not accumulate dead
// channels. A no-op when wake already cleared the entry.
func (s *eventsService) unsubscribe(connectorID string, ch chan struct{}) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	waiting := s.waiters[connectorID]
	for i, other := range waiting {
		if other == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(s.waiters, connectorID)
	} else {
		s.waiters[connectorID] = waiting
	}
}

// WaitForEvents returns events with id > afterID, blocking up to maxWait
// for the first one. An expired wait returns an empty slice.
func (s *eventsService) WaitForEvents(ctx context.Context, connectorID string, afterID uint64, maxWait time.Duration) ([]models.SyncEvent, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EventsService.WaitForEvents")
	defer span.Finish()
	tracing.TagConnector(span, connectorID)
	span.SetTag("after_id", afterID)

	deadline := time.Now().Add(maxWait)

	for {
		found, err := s.repo.ListSince(ctx, connectorID, afterID, 0)
		if err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []models.SyncEvent{}, nil
		}

		if remaining > waiterPollCeiling {
			remaining = waiterPollCeiling
		}

		// Subscribe before sleeping so an event landing between the
		// query and the wait still wakes us. The poll ceiling covers
		// events persisted by other processes, which never hit this
		// instance's wake list.
		wakeCh := s.subscribe(connectorID)
		select {
		case <-wakeCh:
		case <-time.After(remaining):
			s.unsubscribe(connectorID, wakeCh)
		case <-ctx.Done():
			s.unsubscribe(connectorID, wakeCh)
			return nil, ctx.Err()
		}
	}
}
