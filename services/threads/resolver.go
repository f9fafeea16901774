package threads

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// subjectMatchWindow bounds the subject fallback search around the
// message's sent time.
const subjectMatchWindow = 7 * 24 * time.Hour

type threadResolver struct {
	repos *repository.Repositories
	log   logger.Logger
}

func NewThreadResolver(repos *repository.Repositories, log logger.Logger) interfaces.ThreadResolver {
	return &threadResolver{repos: repos, log: log}
}

// ResolveThread assigns a conversation identity to a message. Resolution
// order, first match wins: provider thread id, In-Reply-To, References
// (most specific last entry first), guarded subject fallback, fresh
// thread. The assignment is also propagated to sibling rows, guarded by
// normalized-subject equality so colliding Message-IDs from unrelated
// conversations never merge.
func (r *threadResolver) ResolveThread(ctx context.Context, message *models.Message) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.ResolveThread")
	defer span.Finish()
	tracing.TagConnector(span, message.ConnectorID)

	threadID, err := r.findExistingThread(ctx, message)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	if threadID == "" {
		threadID, err = r.createNewThread(ctx, message)
		if err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
		message.ThreadID = threadID

		if err := r.recordMissingParents(ctx, message); err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
	} else {
		message.ThreadID = threadID
		if err := r.updateThreadMetadata(ctx, message, threadID); err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
	}

	r.propagate(ctx, message)

	return threadID, nil
}

func (r *threadResolver) findExistingThread(ctx context.Context, message *models.Message) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.findExistingThread")
	defer span.Finish()

	// Case 1: a sibling already carries the provider-native thread id
	if message.ProviderThreadID != "" {
		siblings, err := r.repos.MessageRepository.FindByProviderThreadID(ctx, message.ConnectorID, message.ProviderThreadID)
		if err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
		for _, sibling := range siblings {
			if sibling.ThreadID != "" {
				return sibling.ThreadID, nil
			}
		}
	}

	// Case 2: a root message we mirrored after its replies
	threadID, err := r.checkForOrphanedParent(ctx, message)
	if err != nil {
		return "", err
	}
	if threadID != "" {
		return threadID, nil
	}

	// Case 3: direct In-Reply-To linkage
	if message.InReplyTo != "" {
		threadID, err := r.findThreadByMessageID(ctx, message.ConnectorID, message.InReplyTo)
		if err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	// Case 4: References, most specific entry (the last one) first
	for i := len(message.References) - 1; i >= 0; i-- {
		threadID, err := r.findThreadByMessageID(ctx, message.ConnectorID, message.References[i])
		if err != nil {
			tracing.TraceErr(span, err)
			return "", err
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	// Case 5: guarded subject fallback, best effort
	threadID, _ = r.findThreadBySubjectMatch(ctx, message)
	return threadID, nil
}

// checkForOrphanedParent finds a thread whose members referenced this
// message before it was mirrored.
func (r *threadResolver) checkForOrphanedParent(ctx context.Context, message *models.Message) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.checkForOrphanedParent")
	defer span.Finish()

	// Replies resolve through their own headers
	if message.InReplyTo != "" || len(message.References) > 0 {
		return "", nil
	}
	if message.MessageID == "" {
		return "", nil
	}

	orphan, err := r.repos.OrphanMessageRepository.GetByMessageID(ctx, message.MessageID)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if orphan == nil || orphan.ThreadID == "" || orphan.ConnectorID != message.ConnectorID {
		return "", nil
	}

	// The subject guard applies here too
	if orphan.CleanSubject != "" && orphan.CleanSubject != message.CleanSubject {
		return "", nil
	}

	if err := r.repos.OrphanMessageRepository.DeleteByThreadID(ctx, orphan.ThreadID); err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	return orphan.ThreadID, nil
}

func (r *threadResolver) findThreadByMessageID(ctx context.Context, connectorID, messageID string) (string, error) {
	sibling, err := r.repos.MessageRepository.GetByMessageID(ctx, connectorID, utils.NormalizeMessageID(messageID))
	if err != nil {
		return "", err
	}
	if sibling == nil {
		return "", nil
	}
	return sibling.ThreadID, nil
}

// findThreadBySubjectMatch runs the guarded subject fallback: the
// normalized subject must not be generic, the message must look like a
// reply (explicit linkage attempted or a reply prefix), candidates live
// within a bounded window around the sent time, and at least one
// participant must overlap.
func (r *threadResolver) findThreadBySubjectMatch(ctx context.Context, message *models.Message) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.findThreadBySubjectMatch")
	defer span.Finish()

	if utils.IsGenericSubject(message.CleanSubject) {
		return "", nil
	}

	linkageAttempted := message.InReplyTo != "" || len(message.References) > 0
	if !linkageAttempted && !utils.HasReplyPrefix(message.Subject) {
		return "", nil
	}

	anchor := utils.Now()
	if message.SentAt != nil {
		anchor = *message.SentAt
	}
	from := anchor.Add(-subjectMatchWindow)
	to := anchor.Add(subjectMatchWindow)

	candidates, err := r.repos.MessageRepository.FindByCleanSubjectWithin(ctx, message.ConnectorID, message.CleanSubject, from, to)
	if err != nil {
		tracing.TraceErr(span, err)
		span.LogKV("warning", "subject-based thread matching failed", "error", err.Error())
		return "", nil
	}

	participants := message.AllParticipants()

	bestThreadID := ""
	highestOverlap := 0
	for _, candidate := range candidates {
		if candidate.ThreadID == "" || candidate.ID == message.ID {
			continue
		}

		overlap := 0
		for _, participant := range participants {
			if utils.IsStringInSlice(participant, candidate.AllParticipants()) {
				overlap++
			}
		}
		if overlap > highestOverlap {
			highestOverlap = overlap
			bestThreadID = candidate.ThreadID
		}
	}

	if highestOverlap > 0 {
		return bestThreadID, nil
	}
	return "", nil
}

func (r *threadResolver) createNewThread(ctx context.Context, message *models.Message) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.createNewThread")
	defer span.Finish()

	threadID, err := r.repos.ThreadRepository.Create(ctx, &models.Thread{
		ConnectorID:    message.ConnectorID,
		Subject:        message.CleanSubject,
		Participants:   message.AllParticipants(),
		MessageCount:   1,
		LastMessageID:  message.MessageID,
		HasAttachments: message.HasAttachment,
		FirstMessageAt: message.SentAt,
		LastMessageAt:  message.SentAt,
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	return threadID, nil
}

func (r *threadResolver) updateThreadMetadata(ctx context.Context, message *models.Message, threadID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.updateThreadMetadata")
	defer span.Finish()

	thread, err := r.repos.ThreadRepository.GetByID(ctx, threadID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if thread == nil {
		err = errors.New("thread record is unexpectedly nil")
		tracing.TraceErr(span, err)
		return err
	}

	thread.MessageCount++
	if message.HasAttachment {
		thread.HasAttachments = true
	}

	if message.SentAt != nil {
		if thread.FirstMessageAt == nil || message.SentAt.Before(*thread.FirstMessageAt) {
			thread.FirstMessageAt = message.SentAt
		}
		if thread.LastMessageAt == nil || message.SentAt.After(*thread.LastMessageAt) {
			thread.LastMessageAt = message.SentAt
			thread.LastMessageID = message.MessageID
		}
	}

	for _, participant := range message.AllParticipants() {
		if !utils.IsStringInSlice(participant, thread.Participants) {
			thread.Participants = append(thread.Participants, participant)
		}
	}

	return r.repos.ThreadRepository.Update(ctx, thread)
}

// recordMissingParents remembers referenced messages we have not
// mirrored, so the thread can be joined when they finally sync.
func (r *threadResolver) recordMissingParents(ctx context.Context, message *models.Message) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ThreadResolver.recordMissingParents")
	defer span.Finish()

	missing := make([]string, 0, 1+len(message.References))
	if message.InReplyTo != "" {
		missing = append(missing, message.InReplyTo)
	}
	for _, messageID := range message.References {
		if messageID != message.InReplyTo {
			missing = append(missing, messageID)
		}
	}

	for _, messageID := range missing {
		if _, err := r.repos.OrphanMessageRepository.Create(ctx, &models.OrphanMessage{
			MessageID:    utils.NormalizeMessageID(messageID),
			ReferencedBy: message.MessageID,
			ThreadID:     message.ThreadID,
			ConnectorID:  message.ConnectorID,
			CleanSubject: message.CleanSubject,
		}); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	}

	return nil
}

// propagate assigns the resolved thread id to unassigned sibling rows,
// matched by provider thread id or Message-ID variants and guarded by
// normalized-subject equality.
func (r *threadResolver) propagate(ctx context.Context, message *models.Message) {
	if message.ThreadID == "" {
		return
	}

	variants := make([]string, 0, 2+len(message.References))
	if message.MessageID != "" {
		variants = append(variants, message.MessageID)
	}
	if message.InReplyTo != "" {
		variants = append(variants, message.InReplyTo)
	}
	variants = append(variants, message.References...)

	affected, err := r.repos.MessageRepository.PropagateThreadID(ctx, message.ConnectorID, message.ThreadID, message.ProviderThreadID, variants, message.CleanSubject)
	if err != nil {
		r.log.Warnf("thread propagation failed for message %s: %v", message.ID, err)
		return
	}
	if affected > 0 {
		r.log.Debugf("propagated thread %s to %d sibling messages", message.ThreadID, affected)
	}
}
