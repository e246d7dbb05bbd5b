package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/reconciliation"
)

// Message is what the hub pushes to a buyer's sockets.
type Message struct {
	Type    string                  `json:"type"`
	Outcome *reconciliation.Outcome `json:"outcome,omitempty"`
}

// Hub keeps the open checkout sockets per buyer. Frames a socket receives
// are relayed onto the message bus; resolved outcomes are pushed back.
type Hub struct {
	bus    *channel.Bus
	logger zerolog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan buyerMessage

	mu      sync.RWMutex
	clients map[string]map[*Client]bool
}

type buyerMessage struct {
	buyerKey string
	msg      Message
}

func NewHub(bus *channel.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan buyerMessage, 100),
		clients:    make(map[string]map[*Client]bool),
	}
}

// Run serves registrations and pushes until ctx ends, then closes every
// socket.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for c := range clients {
					c.close()
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.buyerKey] == nil {
				h.clients[c.buyerKey] = make(map[*Client]bool)
			}
			h.clients[c.buyerKey][c] = true
			n := len(h.clients[c.buyerKey])
			h.mu.Unlock()
			h.logger.Info().Str("buyer", c.buyerKey).Str("client_id", c.id).Int("connection_count", n).Msg("websocket client registered")

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.broadcast:
			h.push(m)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.buyerKey]
	if ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, c.buyerKey)
		}
	}
	h.mu.Unlock()
	c.close()
	if ok {
		h.logger.Info().Str("buyer", c.buyerKey).Str("client_id", c.id).Msg("websocket client unregistered")
	}
}

func (h *Hub) push(m buyerMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[m.buyerKey]))
	for c := range h.clients[m.buyerKey] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug().Str("buyer", m.buyerKey).Str("type", m.msg.Type).Msg("no sockets for buyer")
		return
	}
	for _, c := range targets {
		if !c.send(m.msg) {
			h.logger.Warn().Str("buyer", m.buyerKey).Str("client_id", c.id).Msg("websocket send buffer full, dropping client")
			h.remove(c)
		}
	}
}

// Serve takes over conn for buyerKey and returns once the socket closed.
func (h *Hub) Serve(conn *websocket.Conn, buyerKey string) {
	c := newClient(h, conn, buyerKey)
	h.register <- c
	go c.writePump()
	c.readPump()
}

// Connections returns how many sockets buyerKey has open.
func (h *Hub) Connections(buyerKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[buyerKey])
}

// HandleOutcome pushes the outcome to the buyer's open sockets.
func (h *Hub) HandleOutcome(_ context.Context, o reconciliation.Outcome) {
	out := o
	select {
	case h.broadcast <- buyerMessage{buyerKey: o.Session.BuyerKey, msg: Message{Type: "outcome", Outcome: &out}}:
	default:
		h.logger.Warn().Str("buyer", o.Session.BuyerKey).Str("reference", o.Session.Reference).Msg("outcome push queue full")
	}
}

func (h *Hub) relay(c *Client, env channel.Envelope) {
	n := h.bus.Publish(c.buyerKey, env)
	h.logger.Debug().Str("buyer", c.buyerKey).Str("origin", env.Origin).Int("delivered", n).Msg("message relayed")
}
