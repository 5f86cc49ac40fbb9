package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/turn"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	clientBuffer = 32
)

// Outbound feed message.
type feedMessage struct {
	Type  string      `json:"type"`
	State *turn.State `json:"state,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Inbound command.
type command struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Index int    `json:"index,omitempty"`
}

// Hub fans state snapshots out to websocket clients.
type Hub struct {
	companion Companion
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	direct     chan directMessage
	done       chan struct{}
}

type directMessage struct {
	client *Client
	msg    []byte
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	ctx  context.Context
}

// NewHub creates a Hub. checkOrigin vets every upgrade request.
func NewHub(logger zerolog.Logger, companion Companion, checkOrigin func(*http.Request) bool) *Hub {
	return &Hub{
		companion: companion,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 16),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Websocket client connected")
			st := h.companion.Snapshot()
			if msg, err := json.Marshal(feedMessage{Type: "state", State: &st}); err == nil {
				c.send <- msg
			}
		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				select {
				case d.client.send <- d.msg:
				default:
				}
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("Websocket client disconnected")
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer. It can reconnect and pick up the latest snapshot.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn().Msg("Dropping slow websocket client")
				}
			}
		}
	}
}

// OnEvent is a bus handler for state.changed.
func (h *Hub) OnEvent(e bus.Event) {
	st, ok := e.Data["state"].(turn.State)
	if !ok {
		return
	}
	msg, err := json.Marshal(feedMessage{Type: "state", State: &st})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode state")
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ServeWS upgrades the request and attaches a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		ctx:  context.WithoutCancel(r.Context()),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}
		c.handle(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handle(message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.reject("invalid command")
		return
	}

	var err error
	switch cmd.Type {
	case "send":
		err = c.hub.companion.Send(c.ctx, cmd.Text)
	case "listen":
		err = c.hub.companion.Listen(c.ctx)
	case "replay":
		err = c.hub.companion.Replay(c.ctx, cmd.Index)
	case "stop":
		if err = c.hub.companion.StopSpeaking(c.ctx); err == nil {
			err = c.hub.companion.StopListening(c.ctx)
		}
	default:
		c.reject("unknown command " + cmd.Type)
		return
	}
	if err != nil {
		c.reject(err.Error())
	}
}

func (c *Client) reject(reason string) {
	msg, err := json.Marshal(feedMessage{Type: "error", Error: reason})
	if err != nil {
		return
	}
	select {
	case c.hub.direct <- directMessage{client: c, msg: msg}:
	case <-c.hub.done:
	}
}
