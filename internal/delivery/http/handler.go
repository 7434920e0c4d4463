package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"talksync/internal/entity"
	"talksync/internal/repository"
	"talksync/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxUploadBytes = 32 << 20

type Handler struct {
	messages      *usecase.MessageService
	uploads       *usecase.MediaUploadPipeline
	conversations repository.ConversationRepository
	blobs         repository.BlobStore
	logger        zerolog.Logger
}

func NewHandler(messages *usecase.MessageService, uploads *usecase.MediaUploadPipeline, conversations repository.ConversationRepository, blobs repository.BlobStore, logger zerolog.Logger) *Handler {
	return &Handler{
		messages:      messages,
		uploads:       uploads,
		conversations: conversations,
		blobs:         blobs,
		logger:        logger.With().Str("component", "http").Logger(),
	}
}

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// Method Post /conversations
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantIds []string `json:"participantIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIds) < 2 {
		h.respond(w, http.StatusBadRequest, Response{Message: "at least two participantIds required"})
		return
	}

	conversationId, err := h.conversations.Create(r.Context(), entity.Conversation{
		ParticipantIds: req.ParticipantIds,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("create conversation failed")
		h.respond(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		return
	}

	h.respond(w, http.StatusOK, Response{
		Message: "success",
		Data:    map[string]string{"conversationId": conversationId},
	})
}

// Method Get /users/{userId}/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "userId")

	conversations, err := h.conversations.Index(r.Context(), userId)
	if err != nil {
		h.logger.Error().Err(err).Msg("list conversations failed")
		h.respond(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		return
	}

	h.respond(w, http.StatusOK, Response{Message: "success", Data: conversations})
}

// Method Get /conversations/{conversationId}/messages?beforeTs=&beforeId=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationId := chi.URLParam(r, "conversationId")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var before entity.OrderedLogCursor
	if ts, err := strconv.ParseInt(r.URL.Query().Get("beforeTs"), 10, 64); err == nil {
		before = entity.OrderedLogCursor{
			Timestamp: ts,
			MessageId: r.URL.Query().Get("beforeId"),
		}
	}

	messages, err := h.messages.History(r.Context(), conversationId, before, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("get messages failed")
		h.respond(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		return
	}

	h.respond(w, http.StatusOK, Response{Message: "success", Data: messages})
}

// Method Post /conversations/{conversationId}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationId := chi.URLParam(r, "conversationId")

	var req struct {
		SenderId   string             `json:"senderId"`
		SenderName string             `json:"senderName"`
		Kind       entity.MessageKind `json:"kind"`
		Text       string             `json:"text"`
		Media      *entity.MediaInfo  `json:"media"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	message, err := h.messages.Send(r.Context(), usecase.SendInput{
		ConversationId: conversationId,
		SenderId:       req.SenderId,
		SenderName:     req.SenderName,
		Kind:           req.Kind,
		Text:           req.Text,
		Media:          req.Media,
	})
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrNotParticipant):
			h.respond(w, http.StatusForbidden, Response{Message: err.Error()})
		case errors.Is(err, usecase.ErrEmptyMessage), errors.Is(err, usecase.ErrUploadFailed):
			h.respond(w, http.StatusBadRequest, Response{Message: err.Error()})
		case errors.Is(err, repository.ErrConversationNotFound):
			h.respond(w, http.StatusNotFound, Response{Message: err.Error()})
		default:
			h.logger.Error().Err(err).Msg("send message failed")
			h.respond(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		}
		return
	}

	h.respond(w, http.StatusOK, Response{Message: "success", Data: message})
}

// Method Post /media
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		h.respond(w, http.StatusBadRequest, Response{Message: "unreadable body"})
		return
	}
	if len(data) > maxUploadBytes {
		h.respond(w, http.StatusRequestEntityTooLarge, Response{Message: "attachment too large"})
		return
	}

	media, err := h.uploads.Upload(r.Context(), data, r.Header.Get("Content-Type"), nil)
	if err != nil {
		h.respond(w, http.StatusBadRequest, Response{Message: err.Error()})
		return
	}

	h.respond(w, http.StatusOK, Response{Message: "success", Data: media})
}

// Method Get /media/{hash}
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	_, ok, err := h.blobs.Exists(r.Context(), hash)
	if err != nil || !ok {
		h.respond(w, http.StatusNotFound, Response{Message: "media not found"})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := h.blobs.Fetch(r.Context(), hash, w); err != nil {
		h.logger.Error().Err(err).Str("hash", hash).Msg("media fetch failed")
	}
}

// Method Post /broadcasts
func (h *Handler) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderId   string `json:"senderId"`
		SenderName string `json:"senderName"`
		Title      string `json:"title"`
		Body       string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.respond(w, http.StatusBadRequest, Response{Message: "title required"})
		return
	}

	broadcastId := h.messages.Broadcast(r.Context(), req.SenderId, req.SenderName, req.Title, req.Body)

	h.respond(w, http.StatusOK, Response{
		Message: "success",
		Data:    map[string]string{"broadcastId": broadcastId},
	})
}
