package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/database"
)

// Message types pushed over the stream.
const (
	MessageTypeEvaluation = "evaluation"
	MessageTypeAlert      = "alert"
)

// Message is one event pushed to subscribed clients.
type Message struct {
	Type           string      `json:"type"`
	OrganizationID string      `json:"organization_id"`
	Payload        interface{} `json:"payload"`
	Timestamp      time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket subscriber, scoped to an organization.
type Client struct {
	id    string
	orgID string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
}

// Hub fans committed evaluation events out to WebSocket subscribers,
// partitioned by organization. Delivery is best-effort: a slow client is
// dropped, never waited on.
type Hub struct {
	logger     *slog.Logger
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a new stream hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 256),
		clients:    make(map[*Client]bool),
	}
}

// Run processes registrations and broadcasts until the channel world shuts
// down with the process.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Stream client connected", "client_id", client.id, "organization_id", client.orgID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Stream client disconnected", "client_id", client.id)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to encode stream message", "error", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if client.orgID != message.OrganizationID {
					continue
				}
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// EvaluationCompleted implements the post-commit notifier: pushes the
// evaluation and any created alerts to the organization's subscribers.
func (h *Hub) EvaluationCompleted(result *database.EvaluationResult, _ *database.Transaction, outcome *alerts.Outcome) {
	h.publish(Message{
		Type:           MessageTypeEvaluation,
		OrganizationID: result.OrganizationID,
		Payload:        result,
	})
	for _, alert := range outcome.Created {
		h.publish(Message{
			Type:           MessageTypeAlert,
			OrganizationID: alert.OrganizationID,
			Payload:        alert,
		})
	}
}

func (h *Hub) publish(message Message) {
	message.Timestamp = time.Now().UTC()
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug("Stream broadcast buffer full, dropping message", "type", message.Type)
	}
}

// HandleWebSocket upgrades the request and registers the client under the
// caller's organization.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, orgID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade stream connection", "error", err)
		return
	}

	client := &Client{
		id:    fmt.Sprintf("client_%d", time.Now().UnixNano()),
		orgID: orgID,
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the connection so pings and close frames are processed.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Stream read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump pushes hub messages and periodic pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
