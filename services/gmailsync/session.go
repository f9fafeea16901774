package gmailsync

import (
	"context"
	"encoding/base64"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/utils"
)

const gmailUser = "me"

// gmailSession adapts the Gmail REST API to RemoteSession. Mailbox names
// are Gmail label ids ("INBOX", "SENT", user label ids). Gmail message
// ids are stable hex strings; the uint32 identity required by the
// session contract is derived from them with FNV-1a, and the reverse
// mapping is rebuilt per session from label listings.
type gmailSession struct {
	svc       *gmail.Service
	connector *models.Connector

	// uidToID maps derived uids back to Gmail message ids, per mailbox.
	uidToID map[string]map[uint32]string
}

// NewSession builds a Gmail-backed RemoteSession from a resolved OAuth
// credential. Matches the GmailSessionFactory shape expected by the
// session manager.
func NewSession(ctx context.Context, connector *models.Connector, credential *interfaces.Credential) (interfaces.RemoteSession, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential.Secret})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gmail service")
	}

	return &gmailSession{
		svc:       svc,
		connector: connector,
		uidToID:   map[string]map[uint32]string{},
	}, nil
}

// messageUID derives the stable uint32 identity for a Gmail message id.
func messageUID(gmailID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(gmailID))
	uid := h.Sum32()
	if uid == 0 {
		uid = 1
	}
	return uid
}

func (s *gmailSession) remember(mailbox, gmailID string) uint32 {
	uid := messageUID(gmailID)
	byUID, ok := s.uidToID[mailbox]
	if !ok {
		byUID = map[uint32]string{}
		s.uidToID[mailbox] = byUID
	}
	byUID[uid] = gmailID
	return uid
}

func (s *gmailSession) gmailIDs(ctx context.Context, mailbox string, uids []uint32) ([]string, error) {
	byUID, ok := s.uidToID[mailbox]
	if !ok {
		// Populate the mapping before translating.
		if _, err := s.ListAllUIDs(ctx, mailbox); err != nil {
			return nil, err
		}
		byUID = s.uidToID[mailbox]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		id, ok := byUID[uid]
		if !ok {
			return nil, errors.Errorf("unknown message identity %d in %s", uid, mailbox)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *gmailSession) SelectMailbox(ctx context.Context, mailbox string) (*interfaces.RemoteMailboxInfo, error) {
	profile, err := s.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gmail profile")
	}

	var total uint32
	label, err := s.svc.Users.Labels.Get(gmailUser, mailbox).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get label %s", mailbox)
	}
	total = uint32(label.MessagesTotal)

	return &interfaces.RemoteMailboxInfo{
		// Gmail message ids never recycle, so the mailbox identity is
		// constant.
		UIDValidity: 1,
		ChangeToken: strconv.FormatUint(profile.HistoryId, 10),
		Total:       total,
	}, nil
}

func (s *gmailSession) FetchChangedSince(ctx context.Context, mailbox, changeToken string, fn func(interfaces.RemoteMessage) error) (string, error) {
	startHistoryID, err := strconv.ParseUint(changeToken, 10, 64)
	if err != nil {
		return "", errors.Wrap(err, "invalid change token")
	}

	latest := startHistoryID
	seen := map[string]bool{}

	call := s.svc.Users.History.List(gmailUser).StartHistoryId(startHistoryID).LabelId(mailbox).MaxResults(100)
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, history := range page.History {
			if history.Id > latest {
				latest = history.Id
			}

			for _, added := range history.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				remote, err := s.fetchFull(ctx, mailbox, added.Message.Id)
				if err != nil {
					if isGone(err) {
						continue // deleted between history entry and fetch
					}
					return err
				}
				if err := fn(*remote); err != nil {
					return err
				}
			}

			// Label changes are flag changes; stream metadata-only
			// entries so only existing rows get touched. Removals are
			// left to the full identity scan.
			var labelChangedIDs []string
			for _, changed := range history.LabelsAdded {
				if changed.Message != nil {
					labelChangedIDs = append(labelChangedIDs, changed.Message.Id)
				}
			}
			for _, changed := range history.LabelsRemoved {
				if changed.Message != nil {
					labelChangedIDs = append(labelChangedIDs, changed.Message.Id)
				}
			}
			for _, id := range labelChangedIDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				remote, err := s.fetchMetadataOne(ctx, mailbox, id)
				if err != nil {
					if isGone(err) {
						continue
					}
					return err
				}
				if err := fn(*remote); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		// 404 means the start history id expired and a full pass is due.
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
			return "", errors.Wrap(err, "history window expired")
		}
		return "", errors.Wrap(err, "failed to list history")
	}

	return strconv.FormatUint(latest, 10), nil
}

func (s *gmailSession) FetchSinceUID(ctx context.Context, mailbox string, lastUID uint32, fn func(interfaces.RemoteMessage) error) error {
	// Derived identities carry no ordering, so the range fallback
	// streams every message not yet seen below the mark. The reconciler
	// upserts, so replays are harmless.
	call := s.svc.Users.Messages.List(gmailUser).LabelIds(mailbox).IncludeSpamTrash(false).MaxResults(100)
	return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			remote, err := s.fetchFull(ctx, mailbox, m.Id)
			if err != nil {
				if isGone(err) {
					continue
				}
				return err
			}
			if err := fn(*remote); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gmailSession) ListAllUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	s.uidToID[mailbox] = map[uint32]string{}

	var uids []uint32
	call := s.svc.Users.Messages.List(gmailUser).LabelIds(mailbox).IncludeSpamTrash(false).MaxResults(500)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			uids = append(uids, s.remember(mailbox, m.Id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}

	return uids, nil
}

func (s *gmailSession) FetchMetadata(ctx context.Context, mailbox string, uids []uint32, fn func(interfaces.RemoteMessage) error) error {
	ids, err := s.gmailIDs(ctx, mailbox, uids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		remote, err := s.fetchMetadataOne(ctx, mailbox, id)
		if err != nil {
			if isGone(err) {
				continue
			}
			return err
		}
		if err := fn(*remote); err != nil {
			return err
		}
	}
	return nil
}

func (s *gmailSession) fetchFull(ctx context.Context, mailbox, gmailID string) (*interfaces.RemoteMessage, error) {
	msg, err := s.svc.Users.Messages.Get(gmailUser, gmailID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get message %s", gmailID)
	}

	remote := s.normalize(mailbox, msg)
	if msg.Raw != "" {
		raw, err := base64.URLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode message %s", gmailID)
		}
		remote.Raw = raw
	}
	return remote, nil
}

func (s *gmailSession) fetchMetadataOne(ctx context.Context, mailbox, gmailID string) (*interfaces.RemoteMessage, error) {
	msg, err := s.svc.Users.Messages.Get(gmailUser, gmailID).Format("metadata").
		MetadataHeaders("Subject", "From", "To", "Cc", "Message-ID", "In-Reply-To", "References", "Date").
		Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get message %s", gmailID)
	}
	return s.normalize(mailbox, msg), nil
}

func (s *gmailSession) normalize(mailbox string, msg *gmail.Message) *interfaces.RemoteMessage {
	remote := &interfaces.RemoteMessage{
		UID:              s.remember(mailbox, msg.Id),
		ProviderThreadID: msg.ThreadId,
		Seen:             true,
	}

	for _, labelID := range msg.LabelIds {
		switch labelID {
		case "UNREAD":
			remote.Seen = false
		case "STARRED":
			remote.Flagged = true
		}
	}

	if msg.InternalDate > 0 {
		sentAt := time.UnixMilli(msg.InternalDate).UTC()
		remote.SentAt = &sentAt
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Subject":
				remote.Subject = header.Value
			case "Message-ID", "Message-Id":
				remote.MessageID = utils.NormalizeMessageID(header.Value)
			case "In-Reply-To":
				remote.InReplyTo = utils.NormalizeMessageID(header.Value)
			case "References":
				remote.References = utils.SplitMessageIDs(header.Value)
			case "From":
				remote.FromName, remote.FromAddress = utils.ParseAddressHeader(header.Value)
			case "To":
				remote.ToAddresses = utils.ParseAddressListHeader(header.Value)
			case "Cc":
				remote.CcAddresses = utils.ParseAddressListHeader(header.Value)
			}
		}
	}

	return remote
}

func (s *gmailSession) AddFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return s.modifyLabels(ctx, mailbox, uids, flagsToLabels(flags), nil)
}

func (s *gmailSession) RemoveFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return s.modifyLabels(ctx, mailbox, uids, nil, flagsToLabels(flags))
}

// flagsToLabels maps the IMAP-style flag vocabulary onto Gmail labels.
func flagsToLabels(flags []string) []string {
	labels := make([]string, 0, len(flags))
	for _, flag := range flags {
		switch flag {
		case "\\Seen":
			// Seen is the absence of UNREAD; callers adding \Seen want
			// UNREAD removed and vice versa, handled by the caller side
			// convention below.
			labels = append(labels, "UNREAD")
		case "\\Flagged":
			labels = append(labels, "STARRED")
		default:
			labels = append(labels, flag)
		}
	}
	return labels
}

func (s *gmailSession) modifyLabels(ctx context.Context, mailbox string, uids []uint32, add, remove []string) error {
	// \Seen inverts: adding it removes UNREAD, removing it adds UNREAD.
	add, remove = swapUnread(add, remove)

	ids, err := s.gmailIDs(ctx, mailbox, uids)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	for _, id := range ids {
		if _, err := s.svc.Users.Messages.Modify(gmailUser, id, req).Context(ctx).Do(); err != nil {
			if isGone(err) {
				continue
			}
			return errors.Wrapf(err, "failed to modify message %s", id)
		}
	}
	return nil
}

func swapUnread(add, remove []string) (newAdd, newRemove []string) {
	for _, l := range add {
		if l == "UNREAD" {
			newRemove = append(newRemove, l)
		} else {
			newAdd = append(newAdd, l)
		}
	}
	for _, l := range remove {
		if l == "UNREAD" {
			newAdd = append(newAdd, l)
		} else {
			newRemove = append(newRemove, l)
		}
	}
	return newAdd, newRemove
}

func (s *gmailSession) Move(ctx context.Context, mailbox string, uids []uint32, destination string) error {
	ids, err := s.gmailIDs(ctx, mailbox, uids)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{AddLabelIds: []string{destination}, RemoveLabelIds: []string{mailbox}}
	for _, id := range ids {
		if _, err := s.svc.Users.Messages.Modify(gmailUser, id, req).Context(ctx).Do(); err != nil {
			if isGone(err) {
				continue
			}
			return errors.Wrapf(err, "failed to move message %s", id)
		}
	}
	return nil
}

func (s *gmailSession) Delete(ctx context.Context, mailbox string, uids []uint32) error {
	ids, err := s.gmailIDs(ctx, mailbox, uids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.svc.Users.Messages.Trash(gmailUser, id).Context(ctx).Do(); err != nil {
			if isGone(err) {
				continue
			}
			return errors.Wrapf(err, "failed to trash message %s", id)
		}
	}
	return nil
}

func (s *gmailSession) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		LabelIds: append([]string{mailbox}, flagsToLabels(flags)...),
	}
	if _, err := s.svc.Users.Messages.Insert(gmailUser, msg).Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "failed to insert message")
	}
	return nil
}

// Idle has no Gmail equivalent; push notifications cover the live path.
// When a watch lapses and the supervisor falls back to this session, the
// idle window is slept out so the account polls one reconcile per cycle
// instead of looping on an error.
func (s *gmailSession) Idle(ctx context.Context, mailbox string, stop <-chan struct{}, maxIdle time.Duration) (bool, error) {
	timer := time.NewTimer(maxIdle)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false, nil
	case <-stop:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *gmailSession) Close() error {
	return nil
}

func isGone(err error) bool {
	apiErr, ok := err.(*googleapi.Error)
	return ok && (apiErr.Code == 404 || apiErr.Code == 410)
}
