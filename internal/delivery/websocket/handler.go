package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"talksync/infrastructure/ws"
	"talksync/internal/entity"
	"talksync/internal/usecase"
	"talksync/pkg/backoff"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const openMaxAttempts = 5

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler owns the device-facing websocket protocol: focus/blur drive a
// conversation stream handle per connection, loadOlder pages backward,
// send commits messages, and delivered batches are read-reconciled for
// the viewing user.
type Handler struct {
	hub        ws.IHub
	streams    *usecase.MessageStreamManager
	reconciler *usecase.ReadReceiptReconciler
	messages   *usecase.MessageService
	registries *usecase.DeviceRegistrySet
	retry      backoff.Policy
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	handle  *usecase.StreamHandle
	forward context.CancelFunc
}

func NewHandler(hub ws.IHub, streams *usecase.MessageStreamManager, reconciler *usecase.ReadReceiptReconciler, messages *usecase.MessageService, registries *usecase.DeviceRegistrySet, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		streams:    streams,
		reconciler: reconciler,
		messages:   messages,
		registries: registries,
		retry:      backoff.Default(),
		logger:     logger.With().Str("component", "ws-handler").Logger(),
		sessions:   make(map[string]*session),
	}
	hub.SetOnClientUnregister(h.handleUnregister)
	return h
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceId := chi.URLParam(r, "deviceId")
	userId := r.URL.Query().Get("userId")
	platform := r.URL.Query().Get("platform")
	if deviceId == "" || userId == "" {
		http.Error(w, "missing device or user id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := ws.NewClient(deviceId, userId, h.hub, conn)
	h.hub.RegisterClient(client)

	h.mu.Lock()
	h.sessions[deviceId] = &session{}
	h.mu.Unlock()

	// Registration is background work: permission denial is recorded,
	// not an error for the connection.
	registry := h.registries.Ensure(deviceId, userId, platform)
	go func() {
		if err := registry.EnsureRegistered(context.Background()); err != nil {
			h.logger.Info().Err(err).Str("device", deviceId).Msg("push registration not completed")
		}
	}()

	go client.WritePump()
	client.ReadPump(func(data []byte) {
		h.handleFrame(client, registry, data)
	})
}

func (h *Handler) handleUnregister(client *ws.DeviceClient) error {
	h.mu.Lock()
	sess := h.sessions[client.DeviceId]
	delete(h.sessions, client.DeviceId)
	h.mu.Unlock()

	if sess != nil {
		sess.closeHandle()
	}
	h.hub.SetFocus(client.DeviceId, "")
	return nil
}

func (h *Handler) session(deviceId string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[deviceId]
}

func (h *Handler) handleFrame(client *ws.DeviceClient, registry *usecase.DeviceRegistry, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendError(client.DeviceId, "malformed frame")
		return
	}

	sess := h.session(client.DeviceId)
	if sess == nil {
		return
	}

	ctx := context.Background()

	switch frame.Type {
	case frameFocus:
		h.handleFocus(ctx, client, registry, sess, frame)
	case frameBlur:
		h.handleBlur(ctx, client, registry, sess)
	case frameLoadOlder:
		h.handleLoadOlder(ctx, client, sess)
	case frameSend:
		h.handleSend(ctx, client, frame)
	case frameRead:
		// Explicit re-read request for the current window; the forward
		// loop already reconciles delivered batches.
	default:
		h.sendError(client.DeviceId, "unknown frame type")
	}
}

// handleFocus switches the connection to a conversation: previous handle
// closed, foreground state recorded, conversation topic joined, and a
// fresh stream opened with capped jittered retries.
func (h *Handler) handleFocus(ctx context.Context, client *ws.DeviceClient, registry *usecase.DeviceRegistry, sess *session, frame ClientFrame) {
	if frame.ConversationId == "" {
		h.sendError(client.DeviceId, "focus requires conversationId")
		return
	}

	sess.closeHandle()
	h.hub.SetFocus(client.DeviceId, frame.ConversationId)
	if err := registry.SubscribeTopic(ctx, entity.ConversationTopic(frame.ConversationId)); err != nil {
		h.logger.Debug().Err(err).Str("device", client.DeviceId).Msg("conversation topic join failed")
	}

	var handle *usecase.StreamHandle
	var err error
	for attempt := 0; attempt < openMaxAttempts; attempt++ {
		if attempt > 0 {
			if backoff.Sleep(ctx, h.retry.Delay(attempt-1)) != nil {
				return
			}
		}
		handle, err = h.streams.Open(ctx, frame.ConversationId, frame.WindowSize)
		if err == nil {
			break
		}
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation", frame.ConversationId).Msg("stream open failed")
		h.sendError(client.DeviceId, "conversation stream unavailable")
		return
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	sess.handle = handle
	sess.forward = cancel
	sess.mu.Unlock()

	go h.forward(forwardCtx, client, handle)
}

// forward pumps stream batches to the socket and reconciles read state
// for everything delivered. Reconcile failures are logged inside the
// reconciler and retried implicitly on later batches.
func (h *Handler) forward(ctx context.Context, client *ws.DeviceClient, handle *usecase.StreamHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-handle.Batches():
			if !ok {
				return
			}
			h.sendFrame(client.DeviceId, ServerFrame{
				Type:           frameMessages,
				ConversationId: handle.ConversationId(),
				Messages:       batch,
			})
			if _, err := h.reconciler.ReconcileRead(ctx, client.UserId, batch); err != nil {
				continue
			}
		}
	}
}

func (h *Handler) handleBlur(ctx context.Context, client *ws.DeviceClient, registry *usecase.DeviceRegistry, sess *session) {
	conversationId, _ := h.hub.ActiveConversation(client.DeviceId)
	sess.closeHandle()
	h.hub.SetFocus(client.DeviceId, "")
	if conversationId != "" {
		if err := registry.UnsubscribeTopic(ctx, entity.ConversationTopic(conversationId)); err != nil {
			h.logger.Debug().Err(err).Str("device", client.DeviceId).Msg("conversation topic leave failed")
		}
	}
}

func (h *Handler) handleLoadOlder(ctx context.Context, client *ws.DeviceClient, sess *session) {
	sess.mu.Lock()
	handle := sess.handle
	sess.mu.Unlock()
	if handle == nil {
		h.sendError(client.DeviceId, "no focused conversation")
		return
	}

	messages, hasMore, err := handle.LoadOlder(ctx)
	if err != nil {
		if errors.Is(err, usecase.ErrStreamClosed) {
			return
		}
		h.logger.Warn().Err(err).Str("device", client.DeviceId).Msg("loadOlder failed")
		h.sendError(client.DeviceId, "history unavailable, retry")
		return
	}

	h.sendFrame(client.DeviceId, ServerFrame{
		Type:           frameOlder,
		ConversationId: handle.ConversationId(),
		Messages:       messages,
		HasMore:        &hasMore,
	})

	if _, err := h.reconciler.ReconcileRead(ctx, client.UserId, messages); err != nil {
		return
	}
}

func (h *Handler) handleSend(ctx context.Context, client *ws.DeviceClient, frame ClientFrame) {
	message, err := h.messages.Send(ctx, usecase.SendInput{
		ConversationId: frame.ConversationId,
		SenderId:       client.UserId,
		SenderName:     client.UserId,
		Kind:           frame.Kind,
		Text:           frame.Text,
		Media:          frame.Media,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("device", client.DeviceId).Msg("send failed")
		h.sendError(client.DeviceId, "send failed: "+err.Error())
		return
	}

	h.sendFrame(client.DeviceId, ServerFrame{
		Type:           frameSent,
		ConversationId: message.ConversationId,
		Messages:       []entity.Message{message},
	})
}

func (h *Handler) sendFrame(deviceId string, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("frame marshal failed")
		return
	}
	h.hub.Send(deviceId, data)
}

func (h *Handler) sendError(deviceId, message string) {
	h.sendFrame(deviceId, ServerFrame{Type: frameError, Error: message})
}

func (s *session) closeHandle() {
	s.mu.Lock()
	handle := s.handle
	forward := s.forward
	s.handle = nil
	s.forward = nil
	s.mu.Unlock()

	if forward != nil {
		forward()
	}
	if handle != nil {
		handle.Close()
	}
}
