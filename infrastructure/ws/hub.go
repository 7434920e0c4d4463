package ws

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks this process's foregrounded device connections. Besides
// fanout it answers the one question the notification router needs:
// which conversation, if any, a device is currently viewing.
type Hub struct {
	clients            map[string]*DeviceClient
	focus              map[string]string
	broadcast          chan []byte
	Register           chan *DeviceClient
	Unregister         chan *DeviceClient
	mu                 sync.RWMutex
	logger             zerolog.Logger
	OnClientUnregister func(client *DeviceClient) error
}

func NewHub(logger zerolog.Logger) IHub {
	return &Hub{
		clients:    make(map[string]*DeviceClient),
		focus:      make(map[string]string),
		broadcast:  make(chan []byte, 256),
		Register:   make(chan *DeviceClient),
		Unregister: make(chan *DeviceClient),
		logger:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client.DeviceId] = client
			h.mu.Unlock()
			h.logger.Info().Str("device", client.DeviceId).Msg("device connected")

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.DeviceId]; ok {
				delete(h.clients, client.DeviceId)
				delete(h.focus, client.DeviceId)
				close(client.send)
				h.logger.Info().Str("device", client.DeviceId).Msg("device disconnected")
			}
			h.mu.Unlock()

			if h.OnClientUnregister != nil {
				if err := h.OnClientUnregister(client); err != nil {
					h.logger.Warn().Err(err).Str("device", client.DeviceId).Msg("unregister callback failed")
				}
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for deviceId, client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn().Str("device", deviceId).Msg("send buffer full, dropping broadcast")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Send delivers a frame to one connected device. Returns false when the
// device is not connected here or its buffer is full.
func (h *Hub) Send(deviceID string, message []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[deviceID]
	if !exists {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		h.logger.Warn().Str("device", deviceID).Msg("send buffer full")
		return false
	}
}

func (h *Hub) Broadcast(message []byte) {
	h.broadcast <- message
}

// SetFocus records which conversation a device is viewing; empty clears.
func (h *Hub) SetFocus(deviceID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conversationID == "" {
		delete(h.focus, deviceID)
		return
	}
	h.focus[deviceID] = conversationID
}

func (h *Hub) ActiveConversation(deviceID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conversationID, ok := h.focus[deviceID]
	return conversationID, ok
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(client *DeviceClient) {
	h.Register <- client
}

func (h *Hub) UnregisterClient(client *DeviceClient) {
	h.Unregister <- client
}

func (h *Hub) SetOnClientUnregister(callback func(client *DeviceClient) error) {
	h.OnClientUnregister = callback
}
