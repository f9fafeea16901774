package idlewatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	apperrors "github.com/inboxhq/mailcore/internal/errors"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
)

const stopPollInterval = 100 * time.Millisecond

// watch is the owned state of one running IDLE loop.
type watch struct {
	connector *models.Connector
	mailbox   string
	cancel    context.CancelFunc
	// stop interrupts a blocked Idle call.
	stop     chan struct{}
	stopOnce sync.Once
	// done closes when the loop has observably exited.
	done chan struct{}
}

func (w *watch) requestStop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.cancel()
}

// idleSupervisor keeps one long-lived IDLE watch per (connector,
// mailbox). The registry is owned by the instance; two supervisors never
// share state.
type idleSupervisor struct {
	sessions   interfaces.SessionManager
	reconciler interfaces.Reconciler
	events     interfaces.EventsService
	cfg        *config.SyncConfig
	log        logger.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

func NewIdleSupervisor(
	sessions interfaces.SessionManager,
	reconciler interfaces.Reconciler,
	events interfaces.EventsService,
	cfg *config.SyncConfig,
	log logger.Logger,
) interfaces.IdleSupervisor {
	return &idleSupervisor{
		sessions:   sessions,
		reconciler: reconciler,
		events:     events,
		cfg:        cfg,
		log:        log,
		watches:    map[string]*watch{},
	}
}

func watchKey(connectorID, mailbox string) string {
	return fmt.Sprintf("%s|%s", connectorID, mailbox)
}

func (s *idleSupervisor) Start(ctx context.Context, connector *models.Connector, mailbox string) error {
	key := watchKey(connector.ID, mailbox)

	s.mu.Lock()
	if _, active := s.watches[key]; active {
		s.mu.Unlock()
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{
		connector: connector,
		mailbox:   mailbox,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.watches[key] = w
	s.mu.Unlock()

	go s.run(watchCtx, w)

	s.log.Infof("idle watch started for %s/%s", connector.ID, mailbox)
	return nil
}

// run is the watch state machine: reconcile once, then block in IDLE
// until a change, an error, a proactive session cycle, or a stop.
func (s *idleSupervisor) run(ctx context.Context, w *watch) {
	defer close(w.done)
	defer s.remove(w)

	forceRefresh := false

	for {
		if s.stopping(ctx, w) {
			return
		}

		s.reconcile(ctx, w)

		err := s.sessions.WithSession(ctx, w.connector, interfaces.SessionOptions{ForceCredentialRefresh: forceRefresh}, func(ctx context.Context, session interfaces.RemoteSession) error {
			forceRefresh = false
			for {
				changed, err := session.Idle(ctx, w.mailbox, w.stop, s.cfg.MaxIdleDuration)
				if err != nil {
					return err
				}
				if s.stopping(ctx, w) {
					return nil
				}
				if changed {
					s.reconcile(ctx, w)
					continue
				}
				// Max idle elapsed with no activity; cycle the session
				// to flush half-open connections.
				return nil
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("idle watch error for %s/%s: %v", w.connector.ID, w.mailbox, err)
			s.events.Emit(ctx, w.connector.ID, enum.EventSyncError, map[string]interface{}{
				"mailbox": w.mailbox,
				"error":   err.Error(),
				"source":  "idle_watch",
			})
			if w.connector.UsesOAuth() && apperrors.IsAuthRejected(err) {
				forceRefresh = true
			}

			select {
			case <-time.After(s.cfg.IdleReconnectDelay):
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		}
	}
}

func (s *idleSupervisor) stopping(ctx context.Context, w *watch) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *idleSupervisor) reconcile(ctx context.Context, w *watch) {
	if _, err := s.reconciler.Reconcile(ctx, w.connector, w.mailbox); err != nil {
		// The reconciler records its own error state; the watch loop
		// keeps going.
		s.log.Errorf("reconcile failed during idle watch for %s/%s: %v", w.connector.ID, w.mailbox, err)
	}
}

func (s *idleSupervisor) remove(w *watch) {
	key := watchKey(w.connector.ID, w.mailbox)
	s.mu.Lock()
	if current, ok := s.watches[key]; ok && current == w {
		delete(s.watches, key)
	}
	s.mu.Unlock()
}

// Stop tears down one watch and blocks until its loop has exited, so
// callers can treat the connector as safely removable.
func (s *idleSupervisor) Stop(ctx context.Context, connectorID, mailbox string) error {
	key := watchKey(connectorID, mailbox)

	s.mu.Lock()
	w, ok := s.watches[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	w.requestStop()

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			s.log.Infof("idle watch stopped for %s/%s", connectorID, mailbox)
			return nil
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "timed out waiting for idle watch %s/%s to stop", connectorID, mailbox)
		case <-ticker.C:
		}
	}
}

func (s *idleSupervisor) StopConnector(ctx context.Context, connectorID string) error {
	s.mu.Lock()
	var mailboxes []string
	for _, w := range s.watches {
		if w.connector.ID == connectorID {
			mailboxes = append(mailboxes, w.mailbox)
		}
	}
	s.mu.Unlock()

	for _, mailbox := range mailboxes {
		if err := s.Stop(ctx, connectorID, mailbox); err != nil {
			return err
		}
	}
	return nil
}

func (s *idleSupervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.mu.Unlock()

	for _, w := range watches {
		if err := s.Stop(ctx, w.connector.ID, w.mailbox); err != nil {
			s.log.Warnf("%v", err)
		}
	}
}

func (s *idleSupervisor) IsActive(connectorID, mailbox string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, active := s.watches[watchKey(connectorID, mailbox)]
	return active
}
