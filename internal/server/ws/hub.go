// Package ws pushes execution and price events to WebSocket clients.
// Clients join rooms: user:{id} (their own fills, joined on connect),
// coin:{id} (price updates) and executions (every fill).
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/server/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	replayLimit    = 100
)

// Watcher is told which instruments have live subscribers.
// *service.PriceWatcher satisfies it.
type Watcher interface {
	Watch(instrumentID string)
	Unwatch(instrumentID string)
}

// Replayer reads recorded execution events. *broadcast.Broadcaster
// satisfies it.
type Replayer interface {
	Recent(ctx context.Context, lastID string, count int) ([]domain.ExecutionEvent, string, error)
}

// Config holds optional hub collaborators.
type Config struct {
	Watcher        Watcher
	Replayer       Replayer
	AllowedOrigins []string
}

// Hub fans bus events out to the clients in the matching rooms.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	cfg        Config
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// envelope is one outgoing message and the room it belongs to.
type envelope struct {
	room string
	data []byte
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  map[string]bool
	mu     sync.RWMutex
}

// controlMsg is what clients send to manage rooms:
//
//	{"action":"subscribe","channels":["coin:bitcoin"]}
type controlMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to the bus and drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range []string{domain.ChannelExecutions, domain.ChannelPrices} {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.pump(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.String("user_id", c.userID), slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.String("user_id", c.userID), slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.in(msg.room) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("user_id", c.userID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop removes c and releases its coin watches. Caller holds h.mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	c.mu.Lock()
	for room := range c.rooms {
		h.left(room)
	}
	c.rooms = nil
	c.mu.Unlock()
}

// pump forwards one bus channel into the hub, tagging each message with
// its room(s).
func (h *Hub) pump(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			for _, room := range rooms(channel, data) {
				select {
				case h.broadcast <- envelope{room: room, data: data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// rooms returns the rooms a bus message is delivered to.
func rooms(channel string, data []byte) []string {
	switch channel {
	case domain.ChannelExecutions:
		var ev struct {
			UserID string `json:"userId"`
		}
		if json.Unmarshal(data, &ev) != nil || ev.UserID == "" {
			return []string{domain.ChannelExecutions}
		}
		return []string{domain.ChannelExecutions, domain.UserChannel(ev.UserID)}
	case domain.ChannelPrices:
		var upd struct {
			InstrumentID string `json:"coinId"`
		}
		if json.Unmarshal(data, &upd) != nil || upd.InstrumentID == "" {
			return nil
		}
		return []string{domain.CoinChannel(upd.InstrumentID)}
	}
	return nil
}

// HandleWS upgrades the request and joins the caller to their user room.
// Browsers cannot set headers on WebSocket requests, so the user id may
// also come from the userId query parameter. since=<stream id> replays the
// caller's recorded executions after that id.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := middleware.UserID(r.Context())
	if uid == "" {
		uid = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if uid == "" {
		http.Error(w, `{"error":"missing user id"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: uid,
		rooms:  map[string]bool{domain.UserChannel(uid): true},
	}
	if since := r.URL.Query().Get("since"); since != "" {
		c.replay(r.Context(), since)
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// joined and left keep the price watcher in step with coin rooms.
func (h *Hub) joined(room string) {
	if id, ok := strings.CutPrefix(room, "coin:"); ok && h.cfg.Watcher != nil {
		h.cfg.Watcher.Watch(id)
	}
}

func (h *Hub) left(room string) {
	if id, ok := strings.CutPrefix(room, "coin:"); ok && h.cfg.Watcher != nil {
		h.cfg.Watcher.Unwatch(id)
	}
}

// allowed reports whether c may join room. User rooms are private.
func (c *client) allowed(room string) bool {
	switch {
	case room == domain.ChannelExecutions:
		return true
	case strings.HasPrefix(room, "coin:"):
		return len(room) > len("coin:")
	case strings.HasPrefix(room, "user:"):
		return room == domain.UserChannel(c.userID)
	}
	return false
}

func (c *client) in(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

func (c *client) handleControl(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms == nil {
		return
	}
	for _, room := range msg.Channels {
		switch msg.Action {
		case "subscribe":
			if !c.allowed(room) || c.rooms[room] {
				continue
			}
			c.rooms[room] = true
			c.hub.joined(room)
		case "unsubscribe":
			if !c.rooms[room] || room == domain.UserChannel(c.userID) {
				continue
			}
			delete(c.rooms, room)
			c.hub.left(room)
		}
	}
}

func (c *client) replay(ctx context.Context, since string) {
	if c.hub.cfg.Replayer == nil {
		return
	}
	events, _, err := c.hub.cfg.Replayer.Recent(ctx, since, replayLimit)
	if err != nil {
		c.hub.logger.Warn("ws: replay failed", slog.String("user_id", c.userID), slog.String("error", err.Error()))
		return
	}
	for _, ev := range events {
		if ev.UserID != c.userID {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.handleControl(msg)
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
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
