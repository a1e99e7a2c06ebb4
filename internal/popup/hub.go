package popup

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	clientBuffer   = 64
)

// Message types exchanged with display clients.
const (
	MessageShow   = "popup.show"
	MessageClose  = "popup.close"
	MessageClosed = "popup.closed"
)

// Message is the JSON frame sent to and received from display clients.
type Message struct {
	Type      string           `json:"type"`
	PopupID   string           `json:"popup_id,omitempty"`
	Product   *catalog.Product `json:"product,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Hub is a Surface that renders popups on every connected websocket display.
// Displays report shopper dismissals with a popup.closed frame.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu        sync.RWMutex
	clients   map[*client]struct{}
	current   []byte
	currentID string
	dismissed map[string]bool
	done      chan struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log.With(slog.String("component", "popup_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*client]struct{}),
		dismissed:  make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Run fans out broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			current := h.current
			count := len(h.clients)
			h.mu.Unlock()
			if current != nil {
				c.send <- current
			}
			h.log.Info("display connected", slog.Int("clients", count))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("display disconnected", slog.Int("clients", count))
		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
					h.log.Warn("dropped slow display")
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the request and attaches a display client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// ClientCount returns the number of connected displays.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Open implements Surface.
func (h *Hub) Open(id string, p catalog.Product) (Window, error) {
	product := p
	data, err := json.Marshal(Message{Type: MessageShow, PopupID: id, Product: &product, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.current = data
	h.currentID = id
	h.mu.Unlock()
	h.send(data)
	return &hubWindow{hub: h, id: id}, nil
}

func (h *Hub) send(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast channel full, dropping message")
	}
}

func (h *Hub) closeWindow(id string) error {
	data, err := json.Marshal(Message{Type: MessageClose, PopupID: id, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.currentID == id {
		h.current = nil
		h.currentID = ""
	}
	delete(h.dismissed, id)
	h.mu.Unlock()
	h.send(data)
	return nil
}

func (h *Hub) markDismissed(id string) {
	h.mu.Lock()
	if h.currentID != id {
		h.mu.Unlock()
		return
	}
	h.dismissed[id] = true
	h.current = nil
	h.currentID = ""
	h.mu.Unlock()
	h.log.Info("popup dismissed by shopper", slog.String("popup_id", id))
}

// takeDismissed reports whether the shopper closed id and forgets the entry.
func (h *Hub) takeDismissed(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dismissed[id] {
		return false
	}
	delete(h.dismissed, id)
	return true
}

type hubWindow struct {
	hub    *Hub
	id     string
	closed atomic.Bool
}

func (w *hubWindow) ID() string { return w.id }

func (w *hubWindow) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.hub.closeWindow(w.id)
}

func (w *hubWindow) Closed() bool {
	if w.closed.Load() {
		return true
	}
	if w.hub.takeDismissed(w.id) {
		w.closed.Store(true)
		return true
	}
	return false
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == MessageClosed && msg.PopupID != "" {
			c.hub.markDismissed(msg.PopupID)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
