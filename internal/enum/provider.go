package enum

type ConnectorProvider string

const (
	ProviderIMAP  ConnectorProvider = "generic_imap"
	ProviderGmail ConnectorProvider = "gmail"
)

func (p ConnectorProvider) String() string {
	return string(p)
}

type ConnectorAuth string

const (
	AuthPassword ConnectorAuth = "password"
	AuthOAuth    ConnectorAuth = "oauth"
)

type ConnectorStatus string

const (
	ConnectorActive   ConnectorStatus = "active"
	ConnectorErrored  ConnectorStatus = "errored"
	ConnectorDeleting ConnectorStatus = "deleting"
)

type EmailSecurity string

const (
	EmailSecurityNone     EmailSecurity = "none"
	EmailSecurityTLS      EmailSecurity = "tls"
	EmailSecurityStartTLS EmailSecurity = "starttls"
)
