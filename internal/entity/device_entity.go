package entity

import "time"

const TopicAllUsers = "all-users"

// UserTopic is the per-user fanout topic, joined on login and left on logout.
func UserTopic(userId string) string {
	return "user:" + userId
}

// ConversationTopic is the per-conversation fanout topic, joined while the
// conversation is open on the device.
func ConversationTopic(conversationId string) string {
	return "chat:" + conversationId
}

// DeviceRegistration is this device's identity in the push-delivery
// system. PushToken stays empty until the gateway grants one.
type DeviceRegistration struct {
	DeviceId  string    `json:"deviceId" redis:"deviceId"`
	UserId    string    `json:"userId" redis:"userId"`
	Platform  string    `json:"platform" redis:"platform"`
	PushToken string    `json:"pushToken,omitempty" redis:"pushToken"`
	Topics    []string  `json:"topics,omitempty" redis:"-"`
	UpdatedAt time.Time `json:"updatedAt" redis:"updatedAt"`
}
