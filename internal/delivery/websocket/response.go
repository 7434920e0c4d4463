package websocket

import "talksync/internal/entity"

// ServerFrame is one outbound frame to a device's foreground socket.
type ServerFrame struct {
	Type           string                    `json:"type"`
	ConversationId string                    `json:"conversationId,omitempty"`
	Messages       []entity.Message          `json:"messages,omitempty"`
	HasMore        *bool                     `json:"hasMore,omitempty"`
	Notice         *entity.NotificationEvent `json:"notice,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

const (
	frameMessages = "messages"
	frameOlder    = "older"
	frameSent     = "sent"
	frameNotice   = "notice"
	frameError    = "error"
)
