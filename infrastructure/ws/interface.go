package ws

type IHub interface {
	Run()
	RegisterClient(client *DeviceClient)
	UnregisterClient(client *DeviceClient)
	Send(deviceID string, message []byte) bool
	Broadcast(message []byte)
	SetFocus(deviceID, conversationID string)
	ActiveConversation(deviceID string) (string, bool)
	GetClientCount() int
	SetOnClientUnregister(callback func(client *DeviceClient) error)
}
