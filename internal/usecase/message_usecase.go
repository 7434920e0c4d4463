package usecase

import (
	"context"
	"errors"

	"talksync/internal/entity"
	"talksync/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotParticipant = errors.New("sender is not a participant of this conversation")
	ErrEmptyMessage   = errors.New("message has no content")
)

// SendInput is the write-path request for one message.
type SendInput struct {
	ConversationId string
	SenderId       string
	SenderName     string
	Kind           entity.MessageKind
	Text           string
	Media          *entity.MediaInfo
}

// MessageService is the send path: it commits messages to the ordered
// log, refreshes the conversation preview cache, and hands the resulting
// event to the notification router. Routing is best-effort and never
// fails a send.
type MessageService struct {
	messages      repository.MessageStore
	conversations repository.ConversationRepository
	uploads       *MediaUploadPipeline
	router        *NotificationRouter
	logger        zerolog.Logger
}

func NewMessageService(messages repository.MessageStore, conversations repository.ConversationRepository, uploads *MediaUploadPipeline, router *NotificationRouter, logger zerolog.Logger) *MessageService {
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		uploads:       uploads,
		router:        router,
		logger:        logger.With().Str("component", "messages").Logger(),
	}
}

// Send validates and commits one message. Media-bearing messages are
// rejected unless their reference resolves to a completed upload, so a
// dangling attachment can never become observable.
func (s *MessageService) Send(ctx context.Context, input SendInput) (entity.Message, error) {
	conversation, err := s.conversations.Get(ctx, input.ConversationId)
	if err != nil {
		return entity.Message{}, err
	}
	if !conversation.HasParticipant(input.SenderId) {
		return entity.Message{}, ErrNotParticipant
	}

	if input.Kind == "" {
		input.Kind = entity.MessageText
	}
	if input.Kind == entity.MessageText {
		if input.Text == "" {
			return entity.Message{}, ErrEmptyMessage
		}
	} else {
		if input.Media == nil {
			return entity.Message{}, ErrEmptyMessage
		}
		if err := s.uploads.Verify(ctx, *input.Media); err != nil {
			return entity.Message{}, err
		}
	}

	message, err := s.messages.Create(ctx, entity.Message{
		ConversationId: conversation.Id,
		SenderId:       input.SenderId,
		SenderName:     input.SenderName,
		Kind:           input.Kind,
		Text:           input.Text,
		Media:          input.Media,
	})
	if err != nil {
		return entity.Message{}, err
	}

	if err := s.conversations.UpdateLastMessage(ctx, conversation.Id, entity.LastMessage{
		Text:       message.Preview(),
		SenderName: message.SenderName,
		Timestamp:  message.Timestamp,
	}); err != nil {
		// Preview cache only; the message itself is committed.
		s.logger.Warn().Err(err).Str("conversation", conversation.Id).Msg("lastMessage refresh failed")
	}

	s.router.Route(ctx, entity.NewMessageEvent(conversation, message))

	return message, nil
}

// History reads a page of the log directly, for callers that do not hold
// a live stream handle. Each message's status is derived against the
// current participant set, so a fully-read message reports read even if
// the stored status lags behind.
func (s *MessageService) History(ctx context.Context, conversationId string, before entity.OrderedLogCursor, limit int) ([]entity.Message, error) {
	messages, err := s.messages.Query(ctx, conversationId, before, limit)
	if err != nil {
		return nil, err
	}

	participants, err := s.conversations.Participants(ctx, conversationId)
	if err != nil {
		// Stored status stands when the participant set is unavailable.
		return messages, nil
	}
	for i := range messages {
		messages[i].Status = messages[i].DeriveStatus(participants)
	}
	return messages, nil
}

// Broadcast routes an announcement to every registered device.
func (s *MessageService) Broadcast(ctx context.Context, senderId, senderName, title, body string) string {
	broadcastId := uuid.New().String()
	s.router.Route(ctx, entity.BroadcastEvent(broadcastId, senderId, senderName, title, body))
	return broadcastId
}
