package websocket

import (
	"encoding/json"
	"fmt"

	"talksync/infrastructure/ws"
	"talksync/internal/entity"
)

// HubPresenter adapts the foreground hub to the router's local
// presentation channel.
type HubPresenter struct {
	hub ws.IHub
}

func NewHubPresenter(hub ws.IHub) *HubPresenter {
	return &HubPresenter{hub: hub}
}

func (p *HubPresenter) Present(deviceId string, event entity.NotificationEvent) error {
	frame := ServerFrame{
		Type:           frameNotice,
		ConversationId: event.ConversationId,
		Notice:         &event,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if !p.hub.Send(deviceId, data) {
		return fmt.Errorf("device %s not reachable for local presentation", deviceId)
	}
	return nil
}

// PresentBroadcast delivers an announcement to every device connected
// to this process's hub.
func (p *HubPresenter) PresentBroadcast(event entity.NotificationEvent) {
	frame := ServerFrame{
		Type:   frameNotice,
		Notice: &event,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	p.hub.Broadcast(data)
}

func (p *HubPresenter) ActiveConversation(deviceId string) (string, bool) {
	return p.hub.ActiveConversation(deviceId)
}
