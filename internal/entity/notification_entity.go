package entity

type EventKind string

const (
	EventNewMessage   EventKind = "newMessage"
	EventGroupMessage EventKind = "groupMessage"
	EventBroadcast    EventKind = "broadcast"
)

// NotificationEvent describes one routable message or broadcast event.
// Ephemeral: it is built on the send path, routed once, and dropped.
type NotificationEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationId string    `json:"conversationId,omitempty"`
	MessageId      string    `json:"messageId,omitempty"`
	BroadcastId    string    `json:"broadcastId,omitempty"`
	SenderId       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	RecipientIds   []string  `json:"recipientIds,omitempty"`
}

// DedupKey identifies an already-routed event regardless of how many
// times the store replays it.
func (e NotificationEvent) DedupKey() string {
	if e.Kind == EventBroadcast {
		return "broadcast/" + e.BroadcastId
	}
	return e.ConversationId + "/" + e.MessageId
}

// NewMessageEvent builds the event for a direct message.
func NewMessageEvent(conv Conversation, msg Message) NotificationEvent {
	kind := EventNewMessage
	if conv.IsGroup {
		kind = EventGroupMessage
	}
	return NotificationEvent{
		Kind:           kind,
		ConversationId: conv.Id,
		MessageId:      msg.Id,
		SenderId:       msg.SenderId,
		SenderName:     msg.SenderName,
		Title:          msg.SenderName,
		Body:           msg.Preview(),
		RecipientIds:   conv.OtherParticipants(msg.SenderId),
	}
}

// BroadcastEvent builds an announcement event for the all-users topic.
func BroadcastEvent(broadcastId, senderId, senderName, title, body string) NotificationEvent {
	return NotificationEvent{
		Kind:        EventBroadcast,
		BroadcastId: broadcastId,
		SenderId:    senderId,
		SenderName:  senderName,
		Title:       title,
		Body:        body,
	}
}
