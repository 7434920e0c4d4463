package usecase

import (
	"context"

	"talksync/internal/entity"
	"talksync/internal/repository"

	"github.com/rs/zerolog"
)

// ReadReceiptReconciler marks messages as read by the current viewer,
// batched into a single atomic store write. readBy is append-only and
// the filter skips already-read messages, so the operation is idempotent
// and safe to retry from any device at any time.
type ReadReceiptReconciler struct {
	messages      repository.MessageStore
	conversations repository.ConversationRepository
	logger        zerolog.Logger
}

func NewReadReceiptReconciler(messages repository.MessageStore, conversations repository.ConversationRepository, logger zerolog.Logger) *ReadReceiptReconciler {
	return &ReadReceiptReconciler{
		messages:      messages,
		conversations: conversations,
		logger:        logger.With().Str("component", "read-receipts").Logger(),
	}
}

// ReconcileRead appends viewerId to the readBy set of every message in
// the batch the viewer has not read and did not send, in one write.
// Returns the number of messages updated; zero means the post-condition
// already held. Failures are logged, not user-visible: the next render
// pass retries the same batch.
func (r *ReadReceiptReconciler) ReconcileRead(ctx context.Context, viewerId string, batch []entity.Message) (int, error) {
	pending := make([]entity.Message, 0, len(batch))
	for _, msg := range batch {
		if msg.SenderId == viewerId || msg.HasRead(viewerId) {
			continue
		}
		pending = append(pending, msg)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	conversationId := pending[0].ConversationId
	participants, err := r.conversations.Participants(ctx, conversationId)
	if err != nil {
		r.logger.Warn().Err(err).Str("conversation", conversationId).Msg("participant lookup failed, deferring reconcile")
		return 0, err
	}

	deltas := make([]repository.ReadDelta, 0, len(pending))
	for _, msg := range pending {
		delta := repository.ReadDelta{
			MessageId: msg.Id,
			AddReader: viewerId,
		}
		if lastReader(msg, viewerId, participants) {
			delta.SetStatus = entity.StatusRead
		}
		deltas = append(deltas, delta)
	}

	if err := r.messages.AtomicBatchUpdate(ctx, conversationId, deltas); err != nil {
		// Additive-only semantics make a whole-batch retry safe; the next
		// render pass will reissue whatever is still unread.
		r.logger.Warn().Err(err).
			Str("conversation", conversationId).
			Int("messages", len(deltas)).
			Msg("read-state batch failed")
		return 0, err
	}

	return len(deltas), nil
}

// lastReader reports whether viewerId is the last participant missing
// from the readBy set besides the sender, i.e. this write elevates the
// message to read.
func lastReader(msg entity.Message, viewerId string, participants []string) bool {
	for _, id := range participants {
		if id == msg.SenderId || id == viewerId {
			continue
		}
		if !msg.HasRead(id) {
			return false
		}
	}
	return true
}
