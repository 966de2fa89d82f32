package devrelay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"echochan/internal/event"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8 << 20             // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev relay: any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the relay.
type Client struct {
	relay *Relay
	conn  *websocket.Conn
	// Buffered channel of outbound frames.
	send chan []byte
	// Owned by the relay loop.
	subs map[string][]event.Filter
}

// readPump pumps frames from the websocket connection to the relay.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.relay.unregister <- c:
		case <-c.relay.done:
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.relay.log.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		f, err := event.ParseFrame(data)
		select {
		case c.relay.inbound <- inbound{client: c, frame: f, err: err}:
		case <-c.relay.done:
			return
		}
	}
}

// writePump pumps frames from the relay to the websocket connection.
// Each frame is its own websocket message; clients parse one frame per message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The relay closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and attaches the socket to the relay.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &Client{
		relay: r,
		conn:  conn,
		send:  make(chan []byte, 256),
		subs:  make(map[string][]event.Filter),
	}

	select {
	case r.register <- client:
	case <-r.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
