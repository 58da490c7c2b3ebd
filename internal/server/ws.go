package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 8
)

const (
	messageStatus = "status"
	messageReport = "report"
	messageError  = "error"
)

// message is pushed to websocket clients: the status on connect, then one report or
// error per analyzed pair.
type message struct {
	Type   string              `json:"type"`
	Status *statusResponse     `json:"status,omitempty"`
	Report *diagnostics.Report `json:"report,omitempty"`
	Text   string              `json:"text,omitempty"`
	Error  *apiError           `json:"error,omitempty"`
}

func newRunMessage(report *diagnostics.Report, err error) message {
	if err != nil {
		_, e := runError(err)
		return message{Type: messageError, Error: &e}
	}
	return message{Type: messageReport, Report: report, Text: report.Text()}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// hub fans messages out to websocket clients. A client that cannot keep up loses
// messages instead of slowing the others down.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	metrics Metrics
	logger  *slog.Logger
}

func newHub(logger *slog.Logger, metrics Metrics) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WebsocketConnected(1)
	}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	if h.metrics != nil {
		h.metrics.WebsocketConnected(-1)
	}
}

func (h *hub) broadcast(m message) {
	p, err := json.Marshal(m)
	if err != nil {
		h.logger.Error(fmt.Sprintf("encoding websocket message: %s", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- p:
		default:
			h.logger.Warn("websocket client is too slow, message dropped")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("websocket upgrade: %s", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	status := s.status()
	p, err := json.Marshal(message{Type: messageStatus, Status: &status})
	if err == nil {
		c.send <- p
	}

	s.hub.register(c)
	go s.writePump(c)
	s.readPump(c)
}

// readPump discards client messages and detects closed connections.
func (s *Server) readPump(c *client) {
	defer s.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug(fmt.Sprintf("websocket read: %s", err.Error()))
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case p, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				s.hub.unregister(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}
}
