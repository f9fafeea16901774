package interfaces

import (
	"context"
	"time"

	"github.com/inboxhq/mailcore/internal/models"
)

// RemoteMailboxInfo is what opening a mailbox reports.
type RemoteMailboxInfo struct {
	// UIDValidity is the mailbox identity token; a change voids all
	// stored UIDs.
	UIDValidity uint32
	// ChangeToken is the current changed-since marker (HIGHESTMODSEQ or
	// Gmail history id). Empty when the server offers none.
	ChangeToken string
	Total       uint32
}

// RemoteMessage is the provider-neutral form of one fetched entry.
// Raw is nil for metadata-only fetches; such entries only ever update
// existing rows.
type RemoteMessage struct {
	UID              uint32
	MessageID        string
	InReplyTo        string
	References       []string
	Subject          string
	FromName         string
	FromAddress      string
	ToAddresses      []string
	CcAddresses      []string
	Seen             bool
	Flagged          bool
	ProviderThreadID string
	SentAt           *time.Time
	Raw              []byte
}

// RemoteSession is one open protocol session against a remote account.
// Sessions are never shared between concurrent operations; the session
// manager opens and closes one per call.
type RemoteSession interface {
	SelectMailbox(ctx context.Context, mailbox string) (*RemoteMailboxInfo, error)

	// FetchChangedSince streams entries changed after the given token and
	// returns the advanced token. Callers fall back to FetchSinceUID when
	// this mode fails.
	FetchChangedSince(ctx context.Context, mailbox, changeToken string, fn func(RemoteMessage) error) (string, error)

	// FetchSinceUID streams full entries with UID > lastUID.
	FetchSinceUID(ctx context.Context, mailbox string, lastUID uint32, fn func(RemoteMessage) error) error

	// ListAllUIDs returns every remote UID, trying two search strategies
	// before giving up.
	ListAllUIDs(ctx context.Context, mailbox string) ([]uint32, error)

	// FetchMetadata streams flag/header-only entries for the given UIDs.
	FetchMetadata(ctx context.Context, mailbox string, uids []uint32, fn func(RemoteMessage) error) error

	AddFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error
	RemoveFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error
	Move(ctx context.Context, mailbox string, uids []uint32, destination string) error
	Delete(ctx context.Context, mailbox string, uids []uint32) error
	Append(ctx context.Context, mailbox string, raw []byte, flags []string) error

	// Idle blocks until a change notification, the stop channel closes,
	// or maxIdle elapses. Returns true when a change was seen.
	Idle(ctx context.Context, mailbox string, stop <-chan struct{}, maxIdle time.Duration) (bool, error)

	Close() error
}

// SessionOptions tweak session acquisition.
type SessionOptions struct {
	// ForceCredentialRefresh refreshes the OAuth token before the first
	// attempt instead of waiting for an auth rejection.
	ForceCredentialRefresh bool
}

// SessionManager opens a transient session, runs the operation, and
// guarantees teardown. Retry/backoff and credential-refresh policy for
// every remote operation lives here.
type SessionManager interface {
	WithSession(ctx context.Context, connector *models.Connector, opts SessionOptions, fn func(ctx context.Context, session RemoteSession) error) error
}

// Credential is a resolved bearer secret for a connector.
type Credential struct {
	Username    string
	Secret      string
	IsOAuth     bool
	TokenExpiry *time.Time
}

// CredentialProvider resolves a usable credential, refreshing OAuth
// tokens ahead of expiry or on demand.
type CredentialProvider interface {
	Resolve(ctx context.Context, connector *models.Connector, forceRefresh bool) (*Credential, error)
}
