package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
)

// Message represents a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a change pushed to subscribers of a file
type Event struct {
	Type    string `json:"type"`
	FileKey string `json:"fileKey"`
	Payload any    `json:"payload"`
}

// SessionValidator resolves a bearer session token. Sessions end MaxAge after creation.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*models.PluginSession, error)
	MaxAge() time.Duration
}

// FileAuthorizer decides whether a user may watch a file
type FileAuthorizer func(ctx context.Context, userID, fileKey string) error

// Client represents a WebSocket client
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Hub    *Hub
	Send   chan []byte

	// Expires is when the session behind the connection ends
	Expires time.Time

	closed bool
	expiry  *time.Timer
}

type subscription struct {
	client  *Client
	fileKey string
	active  bool
}

type envelope struct {
	fileKey string
	data    []byte
}

// Hub maintains active clients and fans file events out to their subscribers
type Hub struct {
	clients        map[*Client]bool
	files          map[string]map[*Client]bool
	broadcast      chan envelope
	register       chan *Client
	unregister     chan *Client
	subscriptions  chan subscription
	done           chan struct{}
	mu             sync.RWMutex
	sessions       SessionValidator
	authorize      FileAuthorizer
	allowedOrigins []string
	log            logging.Logger
}

// NewHub creates a new Hub
func NewHub(sessions SessionValidator, authorize FileAuthorizer, allowedOrigins []string, log logging.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		files:          make(map[string]map[*Client]bool),
		broadcast:      make(chan envelope, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		subscriptions:  make(chan subscription),
		done:           make(chan struct{}),
		sessions:       sessions,
		authorize:      authorize,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
}

// Run starts the hub and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug(ctx, "WebSocket client connected", "client", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.log.Debug(ctx, "WebSocket client disconnected", "client", client.ID)
			}
			h.mu.Unlock()

		case sub := <-h.subscriptions:
			h.mu.Lock()
			if _, ok := h.clients[sub.client]; ok {
				if sub.active {
					if h.files[sub.fileKey] == nil {
						h.files[sub.fileKey] = make(map[*Client]bool)
					}
					h.files[sub.fileKey][sub.client] = true
				} else {
					h.forget(sub.client, sub.fileKey)
				}
				sub.client.queue(sub.ack())
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.files[msg.fileKey] {
				select {
				case client.Send <- msg.data:
				default:
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a client everywhere. Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	for fileKey := range h.files {
		h.forget(client, fileKey)
	}
	delete(h.clients, client)
	client.closed = true
	close(client.Send)
}

func (h *Hub) forget(client *Client, fileKey string) {
	subs := h.files[fileKey]
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.files, fileKey)
	}
}

// Subscribers returns how many clients watch fileKey
func (h *Hub) Subscribers(fileKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.files[fileKey])
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for subscribers of fileKey. Events are dropped when the queue is full.
func (h *Hub) Publish(fileKey, eventType string, payload any) {
	data, err := json.Marshal(Event{Type: eventType, FileKey: fileKey, Payload: payload})
	if err != nil {
		h.log.Error(context.Background(), "Failed to encode WebSocket event", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- envelope{fileKey: fileKey, data: data}:
	default:
		h.log.Warn(context.Background(), "WebSocket broadcast queue full, event dropped", "type", eventType, "file_key", fileKey)
	}
}

// HandleWebSocket handles WebSocket connections authenticated by a plugin session token
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		h.log.Info(r.Context(), "WebSocket connection rejected", "remote", r.RemoteAddr, "token", logging.TokenPrefix(token))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins}
	// Plugin iframes send the opaque origin "null"; the session token is the credential.
	if r.Header.Get("Origin") == "null" {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Warn(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:      "user:" + sess.UserID + "@" + r.RemoteAddr,
		UserID:  sess.UserID,
		Conn:    conn,
		Hub:     h,
		Send:    make(chan []byte, 256),
		Expires: sess.CreatedAt.Add(h.sessions.MaxAge()),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	client.expiry = time.AfterFunc(time.Until(client.Expires), func() {
		h.log.Debug(context.Background(), "WebSocket session expired", "client", client.ID)
		conn.Close(websocket.StatusPolicyViolation, "session expired")
	})

	ctx := context.WithoutCancel(r.Context())
	go client.writePump(ctx)
	go client.readPump(ctx)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.expiry != nil {
			c.expiry.Stop()
		}
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != websocket.StatusNoStatusRcvd {
				c.Hub.log.Debug(ctx, "WebSocket read ended", "client", c.ID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.log.Debug(ctx, "Failed to parse WebSocket message", "client", c.ID, "error", err)
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	for message := range c.Send {
		if err := c.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != websocket.StatusNoStatusRcvd {
				c.Hub.log.Debug(ctx, "WebSocket write failed", "client", c.ID, "error", err)
			}
			return
		}
	}
}

// handleMessage handles incoming WebSocket messages
func (c *Client) handleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case "subscribe", "unsubscribe":
		var body struct {
			FileKey string `json:"fileKey"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil || body.FileKey == "" {
			c.reply("error", map[string]string{"error": "fileKey is required"})
			return
		}

		active := msg.Type == "subscribe"
		if active && c.Hub.authorize != nil {
			if err := c.Hub.authorize(ctx, c.UserID, body.FileKey); err != nil {
				c.reply("error", map[string]string{"error": "not allowed to watch this file", "fileKey": body.FileKey})
				return
			}
		}
		select {
		case c.Hub.subscriptions <- subscription{client: c, fileKey: body.FileKey, active: active}:
		case <-c.Hub.done:
		}
	case "ping":
		c.reply("pong", struct{}{})
	default:
		c.Hub.log.Debug(ctx, "Unknown WebSocket message type", "type", msg.Type)
	}
}

// reply queues a direct response. The hub may have closed Send already.
func (c *Client) reply(msgType string, payload any) {
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if !c.closed {
		c.queue(encode(msgType, payload))
	}
}

// queue sends without blocking. Callers hold the hub lock and know Send is open.
func (c *Client) queue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (s subscription) ack() []byte {
	msgType := "unsubscribed"
	if s.active {
		msgType = "subscribed"
	}
	return encode(msgType, map[string]string{"fileKey": s.fileKey})
}

func encode(msgType string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	msg, err := json.Marshal(Message{Type: msgType, Payload: data})
	if err != nil {
		return nil
	}
	return msg
}
