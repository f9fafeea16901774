package rules

import (
	"context"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
)

// RemoteActions are the side effects a rule may trigger on the remote
// account. Every call goes through the session manager so retry and
// credential policy stay centralized.
type RemoteActions struct {
	sessions interfaces.SessionManager
}

func NewRemoteActions(sessions interfaces.SessionManager) *RemoteActions {
	return &RemoteActions{sessions: sessions}
}

func (a *RemoteActions) MarkRead(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.AddFlags(ctx, mailbox, uids, []string{"\\Seen"})
	})
}

func (a *RemoteActions) MarkUnread(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.RemoveFlags(ctx, mailbox, uids, []string{"\\Seen"})
	})
}

func (a *RemoteActions) Star(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.AddFlags(ctx, mailbox, uids, []string{"\\Flagged"})
	})
}

func (a *RemoteActions) Unstar(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.RemoveFlags(ctx, mailbox, uids, []string{"\\Flagged"})
	})
}

func (a *RemoteActions) Move(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32, destination string) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.Move(ctx, mailbox, uids, destination)
	})
}

func (a *RemoteActions) Delete(ctx context.Context, connector *models.Connector, mailbox string, uids []uint32) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.Delete(ctx, mailbox, uids)
	})
}

func (a *RemoteActions) Append(ctx context.Context, connector *models.Connector, mailbox string, raw []byte, flags []string) error {
	return a.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return session.Append(ctx, mailbox, raw, flags)
	})
}
