package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role is a connection's position within its room.
type Role string

const (
	RoleUnassigned  Role = "unassigned"
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Time allowed to write a single envelope or control frame to the peer.
const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// Conn wraps one WebSocket and owns all writes to it. Outbound envelopes go
// through a buffered channel drained by a single writer goroutine; Send never
// blocks on the peer.
//
// Role and room identity belong to the reader goroutine: they are set exactly
// once, on the connection's first successful join, and read only while routing
// that connection's own events.
type Conn struct {
	id string
	ws *websocket.Conn

	// pathRoomID is the room identity carried by the connection's handshake
	// (the `room` query parameter), normalized once at accept time. Empty when
	// the client supplies roomId in its join envelope instead.
	pathRoomID string

	send chan Envelope
	done chan struct{}
	once sync.Once

	pingInterval time.Duration

	// Reader-goroutine state.
	role   Role
	roomID string
}

func newConn(id string, ws *websocket.Conn, pathRoomID string, sendBuffer int, pingInterval time.Duration) *Conn {
	return &Conn{
		id:           id,
		ws:           ws,
		pathRoomID:   pathRoomID,
		send:         make(chan Envelope, sendBuffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		role:         RoleUnassigned,
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) Role() Role     { return c.role }
func (c *Conn) RoomID() string { return c.roomID }

func (c *Conn) setJoined(role Role, roomID string) {
	c.role = role
	c.roomID = roomID
}

// Send queues an envelope for delivery. It fails fast instead of blocking: a
// closed connection or a full buffer reports an error so fan-outs can treat
// the receiver as broken and move on.
func (c *Conn) Send(env Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// Close shuts the transport down. Safe to call from any goroutine, any number
// of times. The connection's reader loop observes the closed socket and runs
// the router's cleanup path.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the transport
// alive with periodic pings. It is the connection's only writer.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
