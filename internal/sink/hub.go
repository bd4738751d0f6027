package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"quizscan/internal/scanner"
)

const (
	hubSendBuffer   = 16
	hubPingInterval = 25 * time.Second
	hubReadTimeout  = 60 * time.Second
	hubWriteTimeout = 5 * time.Second
)

// Message はWebSocketで配信するメッセージ
type Message struct {
	Type   string                `json:"type"` // "decode" または "status"
	Decode *scanner.DecodeEvent  `json:"decode,omitempty"`
	Status *scanner.StatusReport `json:"status,omitempty"`
	At     time.Time             `json:"at"`
}

// Hub は接続中のUIクライアントへデコード結果と状態を配信する
type Hub struct {
	upgrader websocket.Upgrader
	log      logr.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub は新しいHubを作成する
func NewHub(log logr.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		log:     log.WithName("hub"),
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver はデコード結果を全クライアントへ配信する
func (h *Hub) Deliver(_ context.Context, event scanner.DecodeEvent) error {
	h.broadcast(Message{Type: "decode", Decode: &event})
	return nil
}

// BroadcastStatus は状態の変化を全クライアントへ配信する
func (h *Hub) BroadcastStatus(report scanner.StatusReport) {
	h.broadcast(Message{Type: "status", Status: &report})
}

// Clients は接続中のクライアント数を返す
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	c := &client{conn: conn, send: make(chan []byte, hubSendBuffer)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// Close は全クライアントを切断する
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) broadcast(msg Message) {
	msg.At = time.Now().UTC()
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error(err, "failed to encode message", "type", msg.Type)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// 受信が遅いクライアントは切断する
			h.log.Info("dropping slow websocket client")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
