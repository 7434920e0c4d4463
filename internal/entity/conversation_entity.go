package entity

import "time"

// LastMessage is the denormalized preview cache shown in conversation
// lists; refreshed by the send path, never read for ordering.
type LastMessage struct {
	Text       string `bson:"text" json:"text"`
	SenderName string `bson:"senderName" json:"senderName"`
	Timestamp  int64  `bson:"timestamp" json:"timestamp"`
}

type Conversation struct {
	Id             string       `bson:"_id" json:"id"`
	ParticipantIds []string     `bson:"participantIds" json:"participantIds"`
	IsGroup        bool         `bson:"isGroup" json:"isGroup"`
	LastMessage    *LastMessage `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	CreatedAt      time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// HasParticipant reports whether userId belongs to the conversation.
func (c Conversation) HasParticipant(userId string) bool {
	for _, id := range c.ParticipantIds {
		if id == userId {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant id except userId.
func (c Conversation) OtherParticipants(userId string) []string {
	others := make([]string, 0, len(c.ParticipantIds))
	for _, id := range c.ParticipantIds {
		if id != userId {
			others = append(others, id)
		}
	}
	return others
}
