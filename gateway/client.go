package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period; must be less than pongWait.
	pingPeriod = 50 * time.Second

	// Maximum inbound frame size. Large tool inputs still fit well under
	// this; anything bigger is abuse.
	maxMessageSize = 1 << 20

	sendBuffer = 256
)

// client is one WebSocket connection. socketID is assigned at upgrade;
// clientID only after a successful connect RPC. A connection paired as a
// companion carries its nodeID.
type client struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	socketID string
	addr     string

	clientID   string
	clientType string
	version    string
	nodeID     string
}

func newClient(s *Server, conn *websocket.Conn, socketID, addr string) *client {
	return &client{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		socketID: socketID,
		addr:     addr,
	}
}

// authenticated reports whether the connect handshake completed.
func (c *client) authenticated() bool {
	return c.clientID != ""
}

// readPump reads frames and hands them to the server's dispatcher. It owns
// the read side: deadlines, pong handling, and disconnect detection.
func (c *client) readPump() {
	defer func() {
		c.server.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("socket read error", "socket_id", c.socketID, "error", err)
			}
			return
		}
		c.server.dispatch(c, data)
	}
}

// writePump serializes all writes to the socket: queued frames and pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			// Flush queued frames, one WebSocket frame each so the peer can
			// parse every JSON object individually.
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame for the write pump, dropping it when the buffer
// is full so one slow client cannot stall the broadcaster.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}
