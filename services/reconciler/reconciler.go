package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jhillyerd/enmime"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// errCancelRequested stops a pass between batches without counting as a
// failure; the high-water mark stays at its last confirmed value.
var errCancelRequested = errors.New("cancel requested")

type reconcilerService struct {
	sessions interfaces.SessionManager
	repos    *repository.Repositories
	storage  interfaces.StorageService
	events   interfaces.EventsService
	threads  interfaces.ThreadResolver
	rules    interfaces.RuleEngine
	cfg      *config.SyncConfig
	log      logger.Logger
}

func NewReconciler(
	sessions interfaces.SessionManager,
	repos *repository.Repositories,
	storage interfaces.StorageService,
	events interfaces.EventsService,
	threads interfaces.ThreadResolver,
	rules interfaces.RuleEngine,
	cfg *config.SyncConfig,
	log logger.Logger,
) interfaces.Reconciler {
	return &reconcilerService{
		sessions: sessions,
		repos:    repos,
		storage:  storage,
		events:   events,
		threads:  threads,
		rules:    rules,
		cfg:      cfg,
		log:      log,
	}
}

// pass is the working state of one reconciliation run.
type pass struct {
	connector *models.Connector
	mailbox   string
	state     *models.MailboxSyncState
	counters  models.SyncCounters

	// maxSeenUID tracks the highest UID confirmed processed this pass.
	maxSeenUID uint32
	// sinceHeartbeat counts processed entries since the last heartbeat
	// patch and cancellation check.
	sinceHeartbeat int
	cancelled      bool
}

func (s *reconcilerService) Reconcile(ctx context.Context, connector *models.Connector, mailbox string) (*models.SyncCounters, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Reconciler.Reconcile")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)
	tracing.TagMailbox(span, mailbox)

	state, err := s.repos.SyncStateRepository.Ensure(ctx, connector.ID, mailbox)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	now := utils.Now()
	err = s.repos.SyncStateRepository.Patch(ctx, connector.ID, mailbox, map[string]interface{}{
		"status":           enum.SyncRunning,
		"sync_started_at":  now,
		"heartbeat_at":     now,
		"cancel_requested": false,
		"last_error":       "",
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	s.events.Emit(ctx, connector.ID, enum.EventSyncStarted, map[string]interface{}{
		"mailbox": mailbox,
	})

	p := &pass{connector: connector, mailbox: mailbox, state: state}

	err = s.sessions.WithSession(ctx, connector, interfaces.SessionOptions{}, func(ctx context.Context, session interfaces.RemoteSession) error {
		return s.runPass(ctx, session, p)
	})
	if err != nil && !errors.Is(err, errCancelRequested) {
		tracing.TraceErr(span, err)
		s.failPass(ctx, p, err)
		return nil, err
	}

	if err := s.completePass(ctx, p); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	return &p.counters, nil
}

func (s *reconcilerService) failPass(ctx context.Context, p *pass, cause error) {
	patchErr := s.repos.SyncStateRepository.Patch(ctx, p.connector.ID, p.mailbox, map[string]interface{}{
		"status":     enum.SyncError,
		"last_error": cause.Error(),
	})
	if patchErr != nil {
		s.log.Errorf("failed to record sync error for %s/%s: %v", p.connector.ID, p.mailbox, patchErr)
	}

	s.events.Emit(ctx, p.connector.ID, enum.EventSyncError, map[string]interface{}{
		"mailbox": p.mailbox,
		"error":   cause.Error(),
	})
}

func (s *reconcilerService) completePass(ctx context.Context, p *pass) error {
	status := enum.SyncCompleted
	if p.cancelled {
		status = enum.SyncIdle
	}

	patch := map[string]interface{}{
		"status":             status,
		"sync_completed_at":  utils.Now(),
		"uid_validity":       p.state.UIDValidity,
		"last_uid":           p.state.LastUID,
		"change_token":       p.state.ChangeToken,
		"inserted":           p.counters.Inserted,
		"updated":            p.counters.Updated,
		"reconciled_removed": p.counters.ReconciledRemoved,
		"metadata_refreshed": p.counters.MetadataRefreshed,
	}
	if err := s.repos.SyncStateRepository.Patch(ctx, p.connector.ID, p.mailbox, patch); err != nil {
		return err
	}

	s.events.Emit(ctx, p.connector.ID, enum.EventSyncCompleted, map[string]interface{}{
		"mailbox":           p.mailbox,
		"inserted":          p.counters.Inserted,
		"updated":           p.counters.Updated,
		"reconciledRemoved": p.counters.ReconciledRemoved,
		"metadataRefreshed": p.counters.MetadataRefreshed,
	})

	return nil
}

func (s *reconcilerService) runPass(ctx context.Context, session interfaces.RemoteSession, p *pass) error {
	info, err := session.SelectMailbox(ctx, p.mailbox)
	if err != nil {
		return errors.Wrap(err, "failed to open mailbox")
	}

	// A changed identity token means the mailbox was recreated or
	// reindexed server-side. Every stored UID is void.
	if p.state.UIDValidity != 0 && p.state.UIDValidity != info.UIDValidity {
		s.log.Warnf("uid validity changed for %s/%s (%d -> %d), purging local mirror",
			p.connector.ID, p.mailbox, p.state.UIDValidity, info.UIDValidity)
		if err := s.repos.MessageRepository.DeleteForMailbox(ctx, p.connector.ID, p.mailbox); err != nil {
			return errors.Wrap(err, "failed to purge mailbox after uid validity change")
		}
		p.state.LastUID = 0
		p.state.ChangeToken = ""
	}
	p.state.UIDValidity = info.UIDValidity

	incrementalDone := false
	if p.state.ChangeToken != "" && p.state.LastUID > 0 {
		newToken, err := session.FetchChangedSince(ctx, p.mailbox, p.state.ChangeToken, func(remote interfaces.RemoteMessage) error {
			return s.processMessage(ctx, session, p, remote, false)
		})
		switch {
		case err == nil:
			p.state.ChangeToken = newToken
			incrementalDone = true
		case errors.Is(err, errCancelRequested):
			return err
		default:
			// Fall back silently to the UID-range path.
			s.log.Debugf("changed-since fetch unavailable for %s/%s: %v", p.connector.ID, p.mailbox, err)
		}
	}

	if !incrementalDone {
		err := session.FetchSinceUID(ctx, p.mailbox, p.state.LastUID, func(remote interfaces.RemoteMessage) error {
			return s.processMessage(ctx, session, p, remote, false)
		})
		if err != nil {
			if errors.Is(err, errCancelRequested) {
				return err
			}
			return errors.Wrap(err, "failed to fetch new messages")
		}
		p.state.ChangeToken = info.ChangeToken
	}

	if err := s.fullScan(ctx, session, p); err != nil {
		return err
	}

	if p.maxSeenUID > p.state.LastUID {
		p.state.LastUID = p.maxSeenUID
	}

	return nil
}

// fullScan deletes local rows whose UIDs vanished remotely and refreshes
// flags for a bounded trailing window of the newest remote UIDs.
func (s *reconcilerService) fullScan(ctx context.Context, session interfaces.RemoteSession, p *pass) error {
	remoteUIDs, err := session.ListAllUIDs(ctx, p.mailbox)
	if err != nil {
		// The scan is best effort; deletions get caught next pass.
		s.log.Warnf("full uid scan failed for %s/%s: %v", p.connector.ID, p.mailbox, err)
		return nil
	}

	remoteSet := make(map[uint32]struct{}, len(remoteUIDs))
	for _, uid := range remoteUIDs {
		remoteSet[uid] = struct{}{}
		if uid > p.maxSeenUID {
			p.maxSeenUID = uid
		}
	}

	localUIDs, err := s.repos.MessageRepository.ListUIDs(ctx, p.connector.ID, p.mailbox)
	if err != nil {
		return errors.Wrap(err, "failed to list local uids")
	}

	var toDelete []uint32
	for _, uid := range localUIDs {
		if _, ok := remoteSet[uid]; !ok {
			toDelete = append(toDelete, uid)
		}
	}

	if len(toDelete) > 0 {
		removed, err := s.repos.MessageRepository.DeleteByUIDs(ctx, p.connector.ID, p.mailbox, toDelete)
		if err != nil {
			return errors.Wrap(err, "failed to delete reconciled messages")
		}
		p.counters.ReconciledRemoved += int(removed)

		s.events.Emit(ctx, p.connector.ID, enum.EventMessageDeleted, map[string]interface{}{
			"mailbox": p.mailbox,
			"count":   removed,
		})
	}

	// Flag changes on recent messages are missed by the UID-range path,
	// so refresh a trailing window of the newest remote UIDs.
	window := s.cfg.MetadataWindow
	if window > 0 && len(remoteUIDs) > 0 {
		sorted := make([]uint32, len(remoteUIDs))
		copy(sorted, remoteUIDs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
		if len(sorted) > window {
			sorted = sorted[:window]
		}

		err := session.FetchMetadata(ctx, p.mailbox, sorted, func(remote interfaces.RemoteMessage) error {
			return s.processMessage(ctx, session, p, remote, true)
		})
		if err != nil {
			if errors.Is(err, errCancelRequested) {
				return err
			}
			s.log.Warnf("metadata refresh failed for %s/%s: %v", p.connector.ID, p.mailbox, err)
		}
	}

	return nil
}

// processMessage upserts one streamed entry. Per-message failures are
// surfaced as error events and do not abort the batch; only a
// cancellation request stops the stream.
func (s *reconcilerService) processMessage(ctx context.Context, session interfaces.RemoteSession, p *pass, remote interfaces.RemoteMessage, metadataPass bool) error {
	if err := s.heartbeat(ctx, p); err != nil {
		return err
	}

	if remote.UID > p.maxSeenUID && !metadataPass {
		p.maxSeenUID = remote.UID
	}

	existing, err := s.repos.MessageRepository.GetByRemote(ctx, p.connector.ID, p.mailbox, remote.UID)
	if err != nil {
		s.emitItemError(ctx, p, remote.UID, errors.Wrap(err, "lookup failed"))
		return nil
	}

	if existing != nil {
		changed := applyRemoteMetadata(existing, remote)
		if !changed {
			return nil
		}
		if err := s.repos.MessageRepository.Update(ctx, existing); err != nil {
			s.emitItemError(ctx, p, remote.UID, errors.Wrap(err, "update failed"))
			return nil
		}
		if metadataPass {
			p.counters.MetadataRefreshed++
		} else {
			p.counters.Updated++
		}
		if err := s.rules.EvaluateMessage(ctx, p.connector, existing, existing.AttachmentCount); err != nil {
			s.log.Warnf("rule evaluation failed for message %s: %v", existing.ID, err)
		}
		return nil
	}

	// Entries with no fetchable body only ever update existing rows.
	if len(remote.Raw) == 0 {
		return nil
	}

	if err := s.insertMessage(ctx, p, remote); err != nil {
		s.emitItemError(ctx, p, remote.UID, err)
	}
	return nil
}

func (s *reconcilerService) insertMessage(ctx context.Context, p *pass, remote interfaces.RemoteMessage) error {
	key := fmt.Sprintf("%s/%s/%d.eml", p.connector.ID, p.mailbox, remote.UID)
	ref, err := s.storage.Put(ctx, key, remote.Raw, "message/rfc822")
	if err != nil {
		return errors.Wrap(err, "failed to store raw message")
	}

	message := &models.Message{
		ConnectorID:      p.connector.ID,
		Mailbox:          p.mailbox,
		UID:              remote.UID,
		MessageID:        remote.MessageID,
		ProviderThreadID: remote.ProviderThreadID,
		InReplyTo:        remote.InReplyTo,
		References:       remote.References,
		Subject:          remote.Subject,
		FromAddress:      remote.FromAddress,
		FromName:         remote.FromName,
		ToAddresses:      remote.ToAddresses,
		CcAddresses:      remote.CcAddresses,
		IsRead:           remote.Seen,
		IsStarred:        remote.Flagged,
		BodyRef:          ref.Key,
		SentAt:           remote.SentAt,
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(remote.Raw))
	if err != nil {
		// Keep the message with whatever the envelope fetch gave us; the
		// raw blob is already durable.
		s.log.Warnf("failed to parse message %s/%s/%d: %v", p.connector.ID, p.mailbox, remote.UID, err)
	} else {
		fillFromEnvelope(message, envelope)
	}
	message.CleanSubject = utils.NormalizeSubject(message.Subject)

	threadID, err := s.threads.ResolveThread(ctx, message)
	if err != nil {
		s.log.Warnf("thread resolution failed for message %s/%s/%d: %v", p.connector.ID, p.mailbox, remote.UID, err)
	} else {
		message.ThreadID = threadID
	}

	if err := s.repos.MessageRepository.Create(ctx, message); err != nil {
		return errors.Wrap(err, "failed to store message")
	}
	p.counters.Inserted++

	s.events.Emit(ctx, p.connector.ID, enum.EventMessageReceived, map[string]interface{}{
		"mailbox":   p.mailbox,
		"uid":       remote.UID,
		"messageId": message.MessageID,
		"threadId":  message.ThreadID,
		"subject":   message.Subject,
	})

	if err := s.rules.EvaluateMessage(ctx, p.connector, message, message.AttachmentCount); err != nil {
		s.log.Warnf("rule evaluation failed for message %s: %v", message.ID, err)
	}

	return nil
}

// heartbeat patches the claim heartbeat and checks the cancellation flag
// between batches.
func (s *reconcilerService) heartbeat(ctx context.Context, p *pass) error {
	p.sinceHeartbeat++
	if p.sinceHeartbeat < s.cfg.FetchBatchSize {
		return nil
	}
	p.sinceHeartbeat = 0

	// Persist progress so a cancelled or crashed pass resumes from the
	// last confirmed UID instead of refetching everything.
	patch := map[string]interface{}{
		"heartbeat_at": utils.Now(),
	}
	if p.maxSeenUID > p.state.LastUID {
		p.state.LastUID = p.maxSeenUID
		patch["last_uid"] = p.state.LastUID
	}
	if err := s.repos.SyncStateRepository.Patch(ctx, p.connector.ID, p.mailbox, patch); err != nil {
		s.log.Warnf("heartbeat patch failed for %s/%s: %v", p.connector.ID, p.mailbox, err)
	}

	current, err := s.repos.SyncStateRepository.Get(ctx, p.connector.ID, p.mailbox)
	if err == nil && current != nil && current.CancelRequested {
		p.cancelled = true
		return errCancelRequested
	}

	return nil
}

func (s *reconcilerService) emitItemError(ctx context.Context, p *pass, uid uint32, cause error) {
	s.log.Errorf("message %s/%s/%d failed: %v", p.connector.ID, p.mailbox, uid, cause)
	s.events.Emit(ctx, p.connector.ID, enum.EventSyncError, map[string]interface{}{
		"mailbox": p.mailbox,
		"uid":     uid,
		"error":   cause.Error(),
	})
}

// applyRemoteMetadata copies mutable fields onto an existing row and
// reports whether anything changed.
func applyRemoteMetadata(message *models.Message, remote interfaces.RemoteMessage) bool {
	changed := false

	if message.IsRead != remote.Seen {
		message.IsRead = remote.Seen
		changed = true
	}
	if message.IsStarred != remote.Flagged {
		message.IsStarred = remote.Flagged
		changed = true
	}
	if remote.Subject != "" && message.Subject != remote.Subject {
		message.Subject = remote.Subject
		message.CleanSubject = utils.NormalizeSubject(remote.Subject)
		changed = true
	}
	if remote.MessageID != "" && message.MessageID == "" {
		message.MessageID = remote.MessageID
		changed = true
	}
	if remote.ProviderThreadID != "" && message.ProviderThreadID != remote.ProviderThreadID {
		message.ProviderThreadID = remote.ProviderThreadID
		changed = true
	}

	return changed
}

func fillFromEnvelope(message *models.Message, envelope *enmime.Envelope) {
	if message.Subject == "" {
		message.Subject = envelope.GetHeader("Subject")
	}
	if message.MessageID == "" {
		message.MessageID = utils.NormalizeMessageID(envelope.GetHeader("Message-ID"))
	}
	if message.InReplyTo == "" {
		message.InReplyTo = utils.NormalizeMessageID(envelope.GetHeader("In-Reply-To"))
	}
	if len(message.References) == 0 {
		message.References = utils.SplitMessageIDs(envelope.GetHeader("References"))
	}
	if message.FromAddress == "" {
		name, address := utils.ParseAddressHeader(envelope.GetHeader("From"))
		message.FromName = name
		message.FromAddress = address
	}
	if len(message.ToAddresses) == 0 {
		message.ToAddresses = utils.ParseAddressListHeader(envelope.GetHeader("To"))
	}
	if len(message.CcAddresses) == 0 {
		message.CcAddresses = utils.ParseAddressListHeader(envelope.GetHeader("Cc"))
	}

	message.AttachmentCount = len(envelope.Attachments)
	message.HasAttachment = message.AttachmentCount > 0
}
