package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// DeviceClient is one device's foreground connection.
type DeviceClient struct {
	DeviceId string
	UserId   string

	hub  IHub
	conn *websocket.Conn
	send chan []byte
}

func NewClient(deviceId, userId string, hub IHub, conn *websocket.Conn) *DeviceClient {
	return &DeviceClient{
		DeviceId: deviceId,
		UserId:   userId,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
	}
}

// ReadPump consumes frames from the socket and hands them to onMessage.
// It unregisters the client when the connection drops.
func (c *DeviceClient) ReadPump(onMessage func(data []byte)) {
	defer func() {
		c.hub.UnregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		onMessage(data)
	}
}

// WritePump moves frames from the send buffer to the socket and keeps
// the connection alive with pings.
func (c *DeviceClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
