// network/connection.go
package network

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the raw transport under a session.
type Connection interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Ping() error
	Close() error
	RemoteAddr() net.Addr
}

// Peer is anything a room can deliver messages to: one connected client.
type Peer interface {
	GetID() string
	Send(msg *Message) error
	// OnDisconnect registers fn to run once when the peer goes away.
	OnDisconnect(fn func())
}

type Limits struct {
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

type WSConnection struct {
	conn      *websocket.Conn
	sendMutex sync.Mutex
	limits    Limits
}

func NewWSConnection(conn *websocket.Conn, limits Limits) *WSConnection {
	c := &WSConnection{conn: conn, limits: limits}
	if limits.MaxMessageSize > 0 {
		conn.SetReadLimit(limits.MaxMessageSize)
	}
	if limits.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(limits.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(limits.PongWait))
		})
	}
	return c
}

func (c *WSConnection) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *WSConnection) WriteFrame(data []byte) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	c.setWriteDeadline()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConnection) Ping() error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	c.setWriteDeadline()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close frame when possible and releases the socket.
func (c *WSConnection) Close() error {
	c.sendMutex.Lock()
	c.setWriteDeadline()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.sendMutex.Unlock()

	return c.conn.Close()
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *WSConnection) setWriteDeadline() {
	if c.limits.WriteWait > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait))
	}
}

// IsUnexpectedClose reports whether err is worth logging when a read loop ends.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}
