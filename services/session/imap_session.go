package session

import (
	"context"
	"bytes"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/utils"
)

// errChangedSinceUnsupported triggers the silent fallback from the
// changed-since path to the UID-range path.
var errChangedSinceUnsupported = errors.New("changed-since fetch not supported by this session")

const (
	imapCommandTimeout = 30 * time.Second
	imapFetchTimeout   = 2 * time.Minute
)

// imapSession adapts one logged-in IMAP connection to RemoteSession.
type imapSession struct {
	client   *client.Client
	selected string
}

func newIMAPSession(c *client.Client) *imapSession {
	return &imapSession{client: c}
}

func (s *imapSession) ensureSelected(ctx context.Context, mailbox string) (*imap.MailboxStatus, error) {
	if s.selected == mailbox {
		if mbox := s.client.Mailbox(); mbox != nil {
			return mbox, nil
		}
	}

	s.client.Timeout = imapCommandTimeout
	mbox, err := s.client.Select(mailbox, false)
	s.client.Timeout = 0
	if err != nil {
		return nil, errors.Wrap(err, "error selecting mailbox")
	}
	s.selected = mailbox
	return mbox, nil
}

func (s *imapSession) SelectMailbox(ctx context.Context, mailbox string) (*interfaces.RemoteMailboxInfo, error) {
	mbox, err := s.ensureSelected(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	return &interfaces.RemoteMailboxInfo{
		UIDValidity: mbox.UidValidity,
		// Plain IMAP offers no portable changed-since marker here; the
		// reconciler falls back to the UID-range path.
		ChangeToken: "",
		Total:       mbox.Messages,
	}, nil
}

func (s *imapSession) FetchChangedSince(ctx context.Context, mailbox, changeToken string, fn func(interfaces.RemoteMessage) error) (string, error) {
	return "", errChangedSinceUnsupported
}

func (s *imapSession) FetchSinceUID(ctx context.Context, mailbox string, lastUID uint32, fn func(interfaces.RemoteMessage) error) error {
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return err
	}

	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(lastUID+1, 0)
	criteria.Uid = uidRange

	s.client.Timeout = imapCommandTimeout
	uids, err := s.client.UidSearch(criteria)
	s.client.Timeout = 0
	if err != nil {
		return errors.Wrap(err, "error searching for new messages")
	}
	if len(uids) == 0 {
		return nil
	}

	// Servers answer "UID > max" searches with the last message; filter
	// anything at or below the high-water mark.
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			filtered = append(filtered, uid)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	return s.fetchByUIDs(ctx, filtered, true, fn)
}

func (s *imapSession) ListAllUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return nil, err
	}

	// First strategy: explicit full UID range
	criteria := imap.NewSearchCriteria()
	all := new(imap.SeqSet)
	all.AddRange(1, 0)
	criteria.Uid = all

	s.client.Timeout = imapCommandTimeout
	uids, err := s.client.UidSearch(criteria)
	s.client.Timeout = 0
	if err == nil {
		return uids, nil
	}

	// Second strategy: a bare ALL search, some servers reject UID ranges
	s.client.Timeout = imapCommandTimeout
	uids, err2 := s.client.UidSearch(imap.NewSearchCriteria())
	s.client.Timeout = 0
	if err2 != nil {
		return nil, errors.Wrapf(err2, "both uid search strategies failed (first: %v)", err)
	}

	return uids, nil
}

func (s *imapSession) FetchMetadata(ctx context.Context, mailbox string, uids []uint32, fn func(interfaces.RemoteMessage) error) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return err
	}

	return s.fetchByUIDs(ctx, uids, false, fn)
}

func (s *imapSession) fetchByUIDs(ctx context.Context, uids []uint32, withBody bool, fn func(interfaces.RemoteMessage) error) error {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
	}
	var bodySection *imap.BodySectionName
	if withBody {
		bodySection, _ = imap.ParseBodySectionName("BODY.PEEK[]")
		items = append(items, bodySection.FetchItem())
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	s.client.Timeout = imapFetchTimeout
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var fnErr error
	for msg := range messages {
		if fnErr != nil {
			continue // drain the channel after a consumer error
		}

		remote := imapMessageToRemote(msg, bodySection)
		if err := fn(remote); err != nil {
			fnErr = err
		}
	}
	s.client.Timeout = 0

	if err := <-done; err != nil {
		return errors.Wrap(err, "error fetching messages")
	}

	return fnErr
}

func imapMessageToRemote(msg *imap.Message, bodySection *imap.BodySectionName) interfaces.RemoteMessage {
	remote := interfaces.RemoteMessage{UID: msg.Uid}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			remote.Seen = true
		case imap.FlaggedFlag:
			remote.Flagged = true
		}
	}

	if env := msg.Envelope; env != nil {
		remote.Subject = env.Subject
		remote.MessageID = utils.NormalizeMessageID(env.MessageId)
		remote.InReplyTo = utils.NormalizeMessageID(env.InReplyTo)
		if !env.Date.IsZero() {
			sentAt := env.Date
			remote.SentAt = &sentAt
		}
		if len(env.From) > 0 {
			remote.FromName = env.From[0].PersonalName
			remote.FromAddress = env.From[0].Address()
		}
		remote.ToAddresses = addressList(env.To)
		remote.CcAddresses = addressList(env.Cc)
	}

	if bodySection != nil {
		if literal := msg.GetBody(bodySection); literal != nil {
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(literal); err == nil {
				remote.Raw = buf.Bytes()
			}
		}
	}

	return remote
}

func addressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address())
	}
	return result
}

func (s *imapSession) AddFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return s.storeFlags(ctx, mailbox, uids, imap.AddFlags, flags)
}

func (s *imapSession) RemoveFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return s.storeFlags(ctx, mailbox, uids, imap.RemoveFlags, flags)
}

func (s *imapSession) storeFlags(ctx context.Context, mailbox string, uids []uint32, op imap.FlagsOp, flags []string) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	item := imap.FormatFlagsOp(op, true)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	s.client.Timeout = imapCommandTimeout
	err := s.client.UidStore(seqSet, item, values, nil)
	s.client.Timeout = 0
	if err != nil {
		return errors.Wrap(err, "error storing flags")
	}

	return nil
}

func (s *imapSession) Move(ctx context.Context, mailbox string, uids []uint32, destination string) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	s.client.Timeout = imapCommandTimeout
	err := s.client.UidMove(seqSet, destination)
	s.client.Timeout = 0
	if err != nil {
		return errors.Wrap(err, "error moving messages")
	}

	return nil
}

func (s *imapSession) Delete(ctx context.Context, mailbox string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.AddFlags(ctx, mailbox, uids, []string{imap.DeletedFlag}); err != nil {
		return err
	}

	s.client.Timeout = imapCommandTimeout
	err := s.client.Expunge(nil)
	s.client.Timeout = 0
	if err != nil {
		return errors.Wrap(err, "error expunging messages")
	}

	return nil
}

func (s *imapSession) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	s.client.Timeout = imapFetchTimeout
	err := s.client.Append(mailbox, flags, utils.Now(), bytes.NewBuffer(raw))
	s.client.Timeout = 0
	if err != nil {
		return errors.Wrap(err, "error appending message")
	}

	return nil
}

func (s *imapSession) Idle(ctx context.Context, mailbox string, stop <-chan struct{}, maxIdle time.Duration) (bool, error) {
	if _, err := s.ensureSelected(ctx, mailbox); err != nil {
		return false, err
	}

	updates := make(chan client.Update, 100)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	idleStop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- s.client.Idle(idleStop, nil)
	}()

	maxIdleTimer := time.NewTimer(maxIdle)
	defer maxIdleTimer.Stop()

	changed := false
	stopped := false
	for !stopped {
		select {
		case update := <-updates:
			switch update.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
				changed = true
				stopped = true
			}
		case <-maxIdleTimer.C:
			// proactive cycle to detect half-open connections
			stopped = true
		case <-stop:
			stopped = true
		case <-ctx.Done():
			close(idleStop)
			<-idleDone
			return changed, ctx.Err()
		case err := <-idleDone:
			if err != nil {
				return changed, errors.Wrap(err, "idle failed")
			}
			return changed, nil
		}
	}

	close(idleStop)
	if err := <-idleDone; err != nil {
		return changed, errors.Wrap(err, "idle failed")
	}

	return changed, nil
}

func (s *imapSession) Close() error {
	s.client.Timeout = 5 * time.Second
	return s.client.Logout()
}
