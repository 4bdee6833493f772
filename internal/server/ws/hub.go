// Package ws pushes account snapshots to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is the frame format sent to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// InitialFunc renders the frame a client receives on connect.
type InitialFunc func(ctx context.Context) (any, error)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub relays bus channels to every connected client.
type Hub struct {
	bus        domain.SignalBus
	channels   []string
	initial    InitialFunc
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	clients    map[*client]struct{}
	logger     *slog.Logger
}

// NewHub relays channels (domain.ChannelAccount when none given).
func NewHub(bus domain.SignalBus, initial InitialFunc, logger *slog.Logger, channels ...string) *Hub {
	if len(channels) == 0 {
		channels = []string{domain.ChannelAccount}
	}
	return &Hub{
		bus:        bus,
		channels:   channels,
		initial:    initial,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range h.channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			clear(h.clients)
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("client connected", slog.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case frame := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping frame for slow client")
				}
			}
		}
	}
}

func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			frame, err := json.Marshal(Envelope{Type: "snapshot", Channel: channel, Payload: payload})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS serves GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	if frame, ok := h.initialFrame(r.Context()); ok {
		c.send <- frame
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) initialFrame(ctx context.Context) ([]byte, bool) {
	if h.initial == nil {
		return nil, false
	}
	v, err := h.initial(ctx)
	if err != nil {
		h.logger.Warn("initial frame failed", slog.String("error", err.Error()))
		return nil, false
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	frame, err := json.Marshal(Envelope{Type: "account", Payload: payload})
	return frame, err == nil
}

// readPump only services control frames; client messages are ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("client closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
