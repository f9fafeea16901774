package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	apperrors "github.com/inboxhq/mailcore/internal/errors"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

type credentialProvider struct {
	connectorRepo interfaces.ConnectorRepository
	googleCfg     *config.GoogleConfig
	refreshLead   time.Duration
	log           logger.Logger

	// one refresh at a time per connector
	refreshMutex sync.Mutex
}

func NewCredentialProvider(connectorRepo interfaces.ConnectorRepository, googleCfg *config.GoogleConfig, refreshLead time.Duration, log logger.Logger) interfaces.CredentialProvider {
	return &credentialProvider{
		connectorRepo: connectorRepo,
		googleCfg:     googleCfg,
		refreshLead:   refreshLead,
		log:           log,
	}
}

func (s *credentialProvider) Resolve(ctx context.Context, connector *models.Connector, forceRefresh bool) (*interfaces.Credential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentialProvider.Resolve")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConnector(span, connector.ID)

	if !connector.UsesOAuth() {
		return &interfaces.Credential{
			Username: connector.Username,
			Secret:   connector.Password,
		}, nil
	}

	if !forceRefresh && s.tokenUsable(connector) {
		return &interfaces.Credential{
			Username:    connector.AccountEmail,
			Secret:      connector.AccessToken,
			IsOAuth:     true,
			TokenExpiry: connector.TokenExpiry,
		}, nil
	}

	s.refreshMutex.Lock()
	defer s.refreshMutex.Unlock()

	// Re-read in case another caller refreshed while we waited
	fresh, err := s.connectorRepo.GetByID(ctx, connector.ID)
	if err == nil && fresh != nil {
		connector = fresh
		if !forceRefresh && s.tokenUsable(connector) {
			return &interfaces.Credential{
				Username:    connector.AccountEmail,
				Secret:      connector.AccessToken,
				IsOAuth:     true,
				TokenExpiry: connector.TokenExpiry,
			}, nil
		}
	}

	return s.refresh(ctx, connector)
}

func (s *credentialProvider) tokenUsable(connector *models.Connector) bool {
	if connector.AccessToken == "" || connector.TokenExpiry == nil {
		return false
	}
	return connector.TokenExpiry.After(utils.Now().Add(s.refreshLead))
}

func (s *credentialProvider) refresh(ctx context.Context, connector *models.Connector) (*interfaces.Credential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentialProvider.refresh")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)

	if connector.RefreshToken == "" {
		return nil, apperrors.ErrNoRefreshToken
	}

	oauthCfg := &oauth2.Config{
		ClientID:     s.googleCfg.ClientID,
		ClientSecret: s.googleCfg.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	source := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: connector.RefreshToken})
	token, err := source.Token()
	if err != nil {
		tracing.TraceErr(span, err)
		if apperrors.IsFatalAuth(err) {
			// Revoked grant: no retry will help, the user must
			// re-authorize.
			return nil, errors.Wrap(apperrors.ErrCredentialRevoked, err.Error())
		}
		return nil, errors.Wrap(err, "token refresh failed")
	}

	err = s.connectorRepo.SaveTokens(ctx, connector.ID, token.AccessToken, token.RefreshToken, token.Expiry)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to persist refreshed token")
	}

	s.log.Infof("refreshed access token for connector %s, expires %s", connector.ID, token.Expiry)

	expiry := token.Expiry
	return &interfaces.Credential{
		Username:    connector.AccountEmail,
		Secret:      token.AccessToken,
		IsOAuth:     true,
		TokenExpiry: &expiry,
	}, nil
}
