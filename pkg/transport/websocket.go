package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// sendQueueSize bounds per-client outbound buffering; packets beyond
	// it are dropped, matching the lossy audio path.
	sendQueueSize = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PacketHandler receives every inbound binary packet from a client
type PacketHandler func(playerID uuid.UUID, packet []byte) error

// Hub manages WebSocket voice clients keyed by player id and implements
// PacketSink for outbound delivery.
type Hub struct {
	logger *logrus.Logger

	handler      PacketHandler
	onConnect    func(playerID uuid.UUID, name string)
	onDisconnect func(playerID uuid.UUID)

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

type client struct {
	hub      *Hub
	playerID uuid.UUID
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewHub creates a hub. onConnect and onDisconnect may be nil.
func NewHub(logger *logrus.Logger, handler PacketHandler, onConnect func(uuid.UUID, string), onDisconnect func(uuid.UUID)) *Hub {
	return &Hub{
		logger:       logger,
		handler:      handler,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		clients:      make(map[uuid.UUID]*client),
	}
}

// ServeHTTP upgrades a client connection. The player identity comes from the
// "player" query parameter; a second connection for the same player replaces
// the first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID, err := uuid.Parse(r.URL.Query().Get("player"))
	if err != nil {
		http.Error(w, "missing or invalid player id", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = playerID.String()[:8]
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		hub:      h,
		playerID: playerID,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.clients[playerID]; ok {
		prev.close()
	}
	h.clients[playerID] = c
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"player_id": playerID,
		"remote":    r.RemoteAddr,
	}).Info("Voice client connected")

	if h.onConnect != nil {
		h.onConnect(playerID, name)
	}

	go c.writePump()
	go c.readPump()
}

// Send implements PacketSink. Unknown players and full send queues drop the
// packet silently.
func (h *Hub) Send(playerID uuid.UUID, packet []byte) error {
	h.mu.RLock()
	c, ok := h.clients[playerID]
	h.mu.RUnlock()

	if !ok {
		return nil
	}

	select {
	case c.send <- packet:
	case <-c.done:
	default:
		// Slow client; drop rather than block the audio path.
	}
	return nil
}

// ConnectedCount returns the number of attached clients
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.playerID]
	if ok && current == c {
		delete(h.clients, c.playerID)
	}
	h.mu.Unlock()

	if ok && current == c && h.onDisconnect != nil {
		h.onDisconnect(c.playerID)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).WithField("player_id", c.playerID).Debug("WebSocket read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if err := c.hub.handler(c.playerID, data); err != nil {
			c.hub.logger.WithError(err).WithField("player_id", c.playerID).Debug("Packet rejected")
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
		case packet := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
