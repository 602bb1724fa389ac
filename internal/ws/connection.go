package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// Connection is one WebSocket client attached to a hub.
type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan Message
	log  *log.Entry

	closeOnce sync.Once
}

func NewConnection(conn *websocket.Conn, hub *Hub, id string) *Connection {
	return &Connection{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan Message, clientSendBufferSize),
		log:  hub.log.WithField("connection", id),
	}
}

// ReadPump forwards client commands to the hub until the client goes away.
// Clients that stop answering pings are dropped after pongWait.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.log.WithError(err).Debug("Connection close error")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.WithError(err).Warn("Connection closed unexpectedly")
			return
		}
		if err != nil {
			return
		}
		c.hub.SendCommand(msg)
	}
}

// WritePump is the only writer of the connection. It ends with a close
// frame once CloseSend was called and the queue is drained.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.log.WithError(err).Debug("Connection close error")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.conn.WriteMessage(websocket.CloseMessage, closing); err != nil {
					c.log.WithError(err).Debug("Failed to close websocket")
				}
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.WithError(err).Warn("Connection write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

// CloseSend ends WritePump once queued messages are written.
func (c *Connection) CloseSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *Connection) Close() error {
	return c.conn.Close()
}
