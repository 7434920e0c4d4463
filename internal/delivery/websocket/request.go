package websocket

import "talksync/internal/entity"

// ClientFrame is one inbound frame from a device's foreground socket.
type ClientFrame struct {
	Type           string             `json:"type"`
	ConversationId string             `json:"conversationId,omitempty"`
	WindowSize     int                `json:"windowSize,omitempty"`
	Kind           entity.MessageKind `json:"kind,omitempty"`
	Text           string             `json:"text,omitempty"`
	Media          *entity.MediaInfo  `json:"media,omitempty"`
}

const (
	frameFocus     = "focus"
	frameBlur      = "blur"
	frameLoadOlder = "loadOlder"
	frameSend      = "send"
	frameRead      = "read"
)
