// Package stream pushes engine events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/logger"
	"github.com/polyflip/tradestate/internal/metrics"
	"github.com/polyflip/tradestate/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is one event as sent to clients.
type Message struct {
	Type   string                 `json:"type"`
	Asset  fanout.Asset           `json:"asset"`
	Status *engine.Status         `json:"status,omitempty"`
	Trade  *model.Trade           `json:"trade,omitempty"`
	Config *engine.StrategyConfig `json:"config,omitempty"`
	Market *engine.MarketData     `json:"market,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to every connected client. It implements
// fanout.Listener; broadcasts never block the engine.
type Hub struct {
	log        *zap.Logger
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
}

// NewHub creates a hub. Call Run before serving.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        logger.Component(log, "stream"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run owns the client set until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.log.Info("ws client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	h.log.Info("ws client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
}

// Publish queues msg for every client, dropping it if the hub is backed up.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode stream message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

func (h *Hub) OnStatus(a fanout.Asset, st engine.Status) {
	h.Publish(Message{Type: "status", Asset: a, Status: &st})
}

func (h *Hub) OnTrade(a fanout.Asset, t model.Trade) {
	h.Publish(Message{Type: "trade", Asset: a, Trade: &t})
}

func (h *Hub) OnConfig(a fanout.Asset, cfg engine.StrategyConfig) {
	h.Publish(Message{Type: "config", Asset: a, Config: &cfg})
}

func (h *Hub) OnMarketData(a fanout.Asset, md engine.MarketData) {
	h.Publish(Message{Type: "market", Asset: a, Market: &md})
}

// ServeHTTP upgrades GET /api/stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
