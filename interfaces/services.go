package interfaces

import (
	"context"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
)

// Reconciler performs one sync pass for one (connector, mailbox) pair.
type Reconciler interface {
	Reconcile(ctx context.Context, connector *models.Connector, mailbox string) (*models.SyncCounters, error)
}

// SyncRequestOptions tune a scheduling request.
type SyncRequestOptions struct {
	Priority enum.JobPriority
	Force    bool
	// ChangeHint is an opaque marker from a push notification.
	ChangeHint string
	// UserID attributes the request for active-mailbox priority.
	UserID string
}

// Scheduler decides whether a sync runs as a durable job or inline.
type Scheduler interface {
	// RequestSync returns whether a durable job was enqueued. False with
	// a nil error means the caller may run inline or another sync is
	// already in flight.
	RequestSync(ctx context.Context, connector *models.Connector, mailbox string, opts SyncRequestOptions) (bool, error)
	MarkActiveMailbox(userID, connectorID, mailbox string)
	ResolvePriority(userID, connectorID, mailbox string) enum.JobPriority
}

// IdleSupervisor maintains long-lived IDLE watches.
type IdleSupervisor interface {
	Start(ctx context.Context, connector *models.Connector, mailbox string) error
	// Stop blocks until the watch loop has observably exited.
	Stop(ctx context.Context, connectorID, mailbox string) error
	StopConnector(ctx context.Context, connectorID string) error
	StopAll(ctx context.Context)
	IsActive(connectorID, mailbox string) bool
}

// PushAdapter translates vendor push subscriptions into reconciliation
// triggers.
type PushAdapter interface {
	Renew(ctx context.Context, connector *models.Connector) error
	RenewAll(ctx context.Context) error
	HandleNotification(ctx context.Context, accountEmail string, historyID uint64) error
}

// ThreadResolver assigns a conversation identity to a stored message.
type ThreadResolver interface {
	ResolveThread(ctx context.Context, message *models.Message) (string, error)
}

// RuleEngine is the rule evaluation collaborator, invoked after each
// newly stored or updated message. Side effects it triggers (flag, move,
// delete) must go back through the session manager.
type RuleEngine interface {
	EvaluateMessage(ctx context.Context, connector *models.Connector, message *models.Message, attachmentCount int) error
}
