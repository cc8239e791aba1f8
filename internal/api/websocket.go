package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware ahead of the
		// upgrade.
		return true
	},
}

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	drainDeadline = 2 * time.Second
)

// WSClient is one WebSocket subscriber. An empty channel means the root
// feed, which carries every event type.
type WSClient struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *WSHub
	channel string
}

// WSHub fans events out to subscribers, routing by channel.
type WSHub struct {
	logger zerolog.Logger

	clients    map[*WSClient]bool
	broadcast  chan routedMessage
	register   chan *WSClient
	unregister chan *WSClient
	shutdown   chan struct{}
	finished   chan struct{}
	mu         sync.RWMutex
}

type routedMessage struct {
	channel string
	data    []byte
}

// NewWSHub creates the hub.
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		logger:     logger,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan routedMessage, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		shutdown:   make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

// Run drives registration and fan-out; call in its own goroutine.
func (h *WSHub) Run() {
	defer close(h.finished)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.channel != "" && client.channel != msg.channel {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop it rather than stall the feed.
					go client.detach()
				}
			}
			h.mu.Unlock()

		case <-h.shutdown:
			h.closeAll()
			return
		}
	}
}

// BroadcastEvent serializes an event and routes it to the matching channel
// subscribers plus the root feed.
func (h *WSHub) BroadcastEvent(e events.Event) {
	data, err := events.Serialize(e)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(e.Type)).Msg("event serialization failed")
		return
	}
	select {
	case h.broadcast <- routedMessage{channel: events.Channel(e.Type), data: data}:
	default:
		h.logger.Warn().Msg("broadcast queue full, dropping message")
	}
}

// ClientCount reports the number of connected subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection with a normal-closure frame and waits
// for the drain deadline.
func (h *WSHub) Shutdown() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	select {
	case <-h.finished:
	case <-time.After(drainDeadline):
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(drainDeadline)
	for client := range h.clients {
		client.conn.SetWriteDeadline(deadline)
		client.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server stopping"))
		client.conn.Close()
		delete(h.clients, client)
		close(client.send)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingInterval)
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

// detach hands the client to the hub for removal. Once the hub has shut
// down nobody receives on unregister, so a straggler must not block on it.
func (c *WSClient) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.finished:
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		// Clients only listen; inbound frames are ignored.
	}
}

// handleWebSocket upgrades the connection and binds it to a channel.
func (s *Server) handleWebSocket(channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &WSClient{
			conn:    conn,
			send:    make(chan []byte, 256),
			hub:     s.hub,
			channel: channel,
		}
		s.hub.register <- client
		go client.writePump()
		go client.readPump()
	}
}
