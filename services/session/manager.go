package session

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	apperrors "github.com/inboxhq/mailcore/internal/errors"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/retry"
	"github.com/inboxhq/mailcore/internal/tracing"
)

// GmailSessionFactory builds a RemoteSession backed by the Gmail API.
// Injected to keep provider-specific wiring out of this package.
type GmailSessionFactory func(ctx context.Context, connector *models.Connector, credential *interfaces.Credential) (interfaces.RemoteSession, error)

type sessionManager struct {
	credentials  interfaces.CredentialProvider
	gmailFactory GmailSessionFactory
	policy       retry.Policy
	log          logger.Logger
}

func NewSessionManager(
	credentials interfaces.CredentialProvider,
	gmailFactory GmailSessionFactory,
	log logger.Logger,
) interfaces.SessionManager {
	return &sessionManager{
		credentials:  credentials,
		gmailFactory: gmailFactory,
		policy:       retry.DefaultPolicy(),
		log:          log,
	}
}

// classifyFor wraps the engine-wide taxonomy with the connector's auth
// mode. An auth rejection is only retryable when a token refresh can
// change the outcome; a stored password stays wrong on every attempt.
func classifyFor(connector *models.Connector) func(error) apperrors.Class {
	return func(err error) apperrors.Class {
		class := apperrors.Classify(err)
		if class == apperrors.ClassAuthRetryable && !connector.UsesOAuth() {
			return apperrors.ClassFatal
		}
		return class
	}
}

// WithSession opens exactly one session per attempt and guarantees its
// teardown before returning or retrying.
func (m *sessionManager) WithSession(ctx context.Context, connector *models.Connector, opts interfaces.SessionOptions, fn func(ctx context.Context, session interfaces.RemoteSession) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionManager.WithSession")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)
	span.SetTag("provider", connector.Provider)

	policy := m.policy
	policy.Classify = classifyFor(connector)

	err := policy.Do(ctx, func(attempt int, prev apperrors.Class) error {
		forceRefresh := opts.ForceCredentialRefresh
		if prev == apperrors.ClassAuthRetryable && connector.UsesOAuth() {
			// A fresh token often clears a stale-credential rejection
			forceRefresh = true
		}

		credential, err := m.credentials.Resolve(ctx, connector, forceRefresh)
		if err != nil {
			return err
		}

		session, err := m.openSession(ctx, connector, credential)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := session.Close(); closeErr != nil {
				m.log.Warnf("error closing session for connector %s: %v", connector.ID, closeErr)
			}
		}()

		return fn(ctx, session)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (m *sessionManager) openSession(ctx context.Context, connector *models.Connector, credential *interfaces.Credential) (interfaces.RemoteSession, error) {
	switch connector.Provider {
	case enum.ProviderGmail:
		return m.gmailFactory(ctx, connector, credential)
	case enum.ProviderIMAP:
		c, err := m.dialIMAP(ctx, connector, credential)
		if err != nil {
			return nil, err
		}
		return newIMAPSession(c), nil
	default:
		return nil, errors.Errorf("unsupported provider %s", connector.Provider)
	}
}
