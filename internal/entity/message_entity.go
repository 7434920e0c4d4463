package entity

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageVideo    MessageKind = "video"
	MessageAudio    MessageKind = "audio"
	MessageDocument MessageKind = "document"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// MediaInfo is the payload of a non-text message. ContentHash is the
// content address assigned by the upload pipeline; a message carrying a
// MediaInfo must never be created before the upload has completed.
type MediaInfo struct {
	URL         string `bson:"url" json:"url"`
	ContentHash string `bson:"contentHash" json:"contentHash"`
	Size        int64  `bson:"size" json:"size"`
	MimeType    string `bson:"mimeType" json:"mimeType"`
	Caption     string `bson:"caption,omitempty" json:"caption,omitempty"`
}

type Message struct {
	Id             string        `bson:"_id" json:"id"`
	ConversationId string        `bson:"conversationId" json:"conversationId"`
	SenderId       string        `bson:"senderId" json:"senderId"`
	SenderName     string        `bson:"senderName" json:"senderName"`
	Kind           MessageKind   `bson:"kind" json:"kind"`
	Text           string        `bson:"text,omitempty" json:"text,omitempty"`
	Media          *MediaInfo    `bson:"media,omitempty" json:"media,omitempty"`
	Timestamp      int64         `bson:"timestamp" json:"timestamp"`
	ReadBy         []string      `bson:"readBy" json:"readBy"`
	Status         MessageStatus `bson:"status" json:"status"`
}

// HasRead reports whether viewerId already appears in the readBy set.
func (m Message) HasRead(viewerId string) bool {
	for _, id := range m.ReadBy {
		if id == viewerId {
			return true
		}
	}
	return false
}

// DeriveStatus returns "read" once every participant other than the
// sender appears in readBy, otherwise the stored status.
func (m Message) DeriveStatus(participantIds []string) MessageStatus {
	for _, id := range participantIds {
		if id == m.SenderId {
			continue
		}
		if !m.HasRead(id) {
			if m.Status == StatusRead {
				return StatusDelivered
			}
			return m.Status
		}
	}
	return StatusRead
}

// Preview returns the text used for the conversation's lastMessage cache.
func (m Message) Preview() string {
	if m.Kind == MessageText {
		return m.Text
	}
	if m.Media != nil && m.Media.Caption != "" {
		return m.Media.Caption
	}
	return string(m.Kind)
}

// Before reports whether m sorts ahead of other in presentation order:
// timestamp descending, ties broken by id ascending so the order is
// stable across re-subscriptions.
func (m Message) Before(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp > other.Timestamp
	}
	return m.Id < other.Id
}
