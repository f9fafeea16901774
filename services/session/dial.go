package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
)

// dialIMAP establishes a logged-in IMAP connection for a connector
func (m *sessionManager) dialIMAP(ctx context.Context, connector *models.Connector, credential *interfaces.Credential) (*client.Client, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SessionManager.dialIMAP")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)
	span.SetTag("server", connector.ImapServer)
	span.SetTag("port", connector.ImapPort)
	span.SetTag("security", connector.ImapSecurity)

	serverAddr := fmt.Sprintf("%s:%d", connector.ImapServer, connector.ImapPort)

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var c *client.Client
	var err error

	switch connector.ImapSecurity {
	case enum.EmailSecurityTLS:
		tlsConfig := &tls.Config{
			ServerName: connector.ImapServer,
		}
		c, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	case enum.EmailSecurityStartTLS:
		c, err = client.DialWithDialer(dialer, serverAddr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: connector.ImapServer})
		}
	default:
		c, err = client.DialWithDialer(dialer, serverAddr)
	}

	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}

	caps, err := c.Capability()
	if err != nil {
		c.Logout()
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get capabilities: %w", err)
	}
	span.SetTag("server.capabilities", fmt.Sprintf("%v", caps))

	c.Timeout = 30 * time.Second
	if credential.IsOAuth {
		err = c.Authenticate(newXOAuth2Client(credential.Username, credential.Secret))
	} else {
		err = c.Login(credential.Username, credential.Secret)
	}
	if err != nil {
		c.Logout()
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("login failed: %w", err)
	}
	c.Timeout = 0

	return c, nil
}
