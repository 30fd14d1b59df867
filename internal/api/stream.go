package api

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability/metrics"
)

// Constants for WebSocket connections
const (
	// Time allowed to write a message to the client
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client
	pongWait = 60 * time.Second

	// Send pings to client with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from client
	maxMessageSize = 512

	// Records buffered per client before it is dropped as too slow
	clientBuffer = 64
)

// StreamMessage is one live feed frame
type StreamMessage struct {
	Type   string            `json:"type"`
	Record *detection.Record `json:"record,omitempty"`
}

// streamClient is one connected websocket
type streamClient struct {
	conn      *websocket.Conn
	send      chan *detection.Record
	done      chan struct{}
	closeOnce sync.Once
	remote    string
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// streamHub fans new records out to every connected client
type streamHub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	metrics *metrics.HTTPMetrics
}

func newStreamHub(m *metrics.HTTPMetrics) *streamHub {
	return &streamHub{clients: make(map[*streamClient]struct{}), metrics: m}
}

func (h *streamHub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.StreamClientConnected()
	return true
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.StreamClientDisconnected()
	}
	c.close()
}

// broadcast never blocks: a client whose buffer is full is disconnected
func (h *streamHub) broadcast(rec *detection.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- rec:
		default:
			GetLogger().Warn("dropping slow live feed client", logger.String("remote", c.remote))
			delete(h.clients, c)
			h.metrics.StreamClientDisconnected()
			c.close()
		}
	}
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		h.metrics.StreamClientDisconnected()
		c.close()
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") ||
				slices.Contains(s.cfg.AllowedOrigins, origin)
		},
	}
}

// stream handles GET /api/stream, a websocket feed of newly created records
func (s *Server) stream(c echo.Context) error {
	conn, err := s.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		GetLogger().Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}

	client := &streamClient{
		conn:   conn,
		send:   make(chan *detection.Record, clientBuffer),
		done:   make(chan struct{}),
		remote: c.RealIP(),
	}
	if !s.hub.add(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	GetLogger().Debug("live feed client connected", logger.String("remote", client.remote))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
	s.writePump(client)
	return nil
}

// writePump sends records and pings until the client goes away
func (s *Server) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.remove(client)
		_ = client.conn.Close()
		GetLogger().Debug("live feed client disconnected", logger.String("remote", client.remote))
	}()

	if err := s.writeFrame(client, StreamMessage{Type: "connected"}); err != nil {
		return
	}

	for {
		select {
		case rec := <-client.send:
			if err := s.writeFrame(client, StreamMessage{Type: "record", Record: rec}); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) writeFrame(client *streamClient, msg StreamMessage) error {
	_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return client.conn.WriteJSON(msg)
}

// readPump discards client messages and notices disconnects
func (s *Server) readPump(client *streamClient) {
	defer client.close()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				GetLogger().Debug("live feed read error", logger.Error(err))
			}
			return
		}
	}
}
