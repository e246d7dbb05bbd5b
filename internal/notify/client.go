package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wakala/checkoutd/internal/channel"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8192
)

// Client is one checkout page socket.
type Client struct {
	id       string
	buyerKey string
	hub      *Hub
	conn     *websocket.Conn
	out      chan Message
	done     chan struct{}
	once     sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, buyerKey string) *Client {
	return &Client{
		id:       uuid.NewString(),
		buyerKey: buyerKey,
		hub:      hub,
		conn:     conn,
		out:      make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

func (c *Client) send(m Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump relays every frame the page forwards until the socket closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		default:
			c.close()
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
			c.hub.logger.Debug().Str("client_id", c.id).Msg("ignoring malformed websocket frame")
			continue
		}
		c.hub.relay(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case m := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				c.hub.logger.Error().Err(err).Str("client_id", c.id).Msg("failed to send websocket message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
