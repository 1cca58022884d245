package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event types pushed over the live feed.
const (
	EventEntryCreated     = "entry_created"
	EventEntryExited      = "entry_exited"
	EventAlertRaised      = "alert_raised"
	EventApprovalResolved = "approval_resolved"
	EventCameraOffline    = "camera_offline"
	EventCameraOnline     = "camera_online"
)

// wsMessage is one event on the live feed.
type wsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// wsConnection is one subscribed client.
type wsConnection struct {
	id   string
	conn *websocket.Conn
	send chan wsMessage
}

// Hub fans events out to websocket subscribers. Slow clients get dropped
// rather than blocking the broadcast path.
type Hub struct {
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*wsConnection

	broadcast  chan wsMessage
	register   chan *wsConnection
	unregister chan *wsConnection
	done       chan struct{}
	stopped    chan struct{}

	pingInterval   time.Duration
	writeTimeout   time.Duration
	readTimeout    time.Duration
	maxConnections int
}

// NewHub creates the event hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger.WithField("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Operator tooling connects with a bearer token; origin
				// checks add nothing for non-browser clients.
				return true
			},
		},
		connections:    make(map[string]*wsConnection),
		broadcast:      make(chan wsMessage, 256),
		register:       make(chan *wsConnection),
		unregister:     make(chan *wsConnection),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		pingInterval:   30 * time.Second,
		writeTimeout:   10 * time.Second,
		readTimeout:    60 * time.Second,
		maxConnections: 100,
	}
}

// Start launches the hub loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop shuts the hub down and closes all connections.
func (h *Hub) Stop() {
	close(h.done)
	<-h.stopped
}

// Publish queues an event for broadcast. Drops the event when the hub
// buffer is full; the feed is best-effort, the store is the record.
func (h *Hub) Publish(eventType string, data interface{}) {
	msg := wsMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("event_type", eventType).Warn("Event feed buffer full, event dropped")
	}
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case conn := <-h.register:
			h.add(conn)
		case conn := <-h.unregister:
			h.remove(conn)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(conn *wsConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.connections) >= h.maxConnections {
		h.logger.WithField("connection_id", conn.id).Warn("Connection limit reached, rejecting subscriber")
		conn.conn.Close()
		return
	}

	h.connections[conn.id] = conn
	h.logger.WithFields(logrus.Fields{
		"connection_id": conn.id,
		"total":         len(h.connections),
	}).Info("Event feed subscriber connected")
}

func (h *Hub) remove(conn *wsConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.id]; ok {
		delete(h.connections, conn.id)
		close(conn.send)
		h.logger.WithFields(logrus.Fields{
			"connection_id": conn.id,
			"total":         len(h.connections),
		}).Info("Event feed subscriber disconnected")
	}
}

func (h *Hub) fanOut(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections {
		select {
		case conn.send <- msg:
		default:
			h.logger.WithField("connection_id", conn.id).Warn("Subscriber buffer full, dropping connection")
			go h.drop(conn)
		}
	}
}

// drop hands a dead connection to the hub loop without blocking forever
// when the hub is already shutting down.
func (h *Hub) drop(conn *wsConnection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.connections {
		conn.conn.Close()
		close(conn.send)
		delete(h.connections, id)
	}
}

// ServeHTTP upgrades the request and subscribes the client to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := &wsConnection{
		id:   uuid.NewString(),
		conn: wsConn,
		send: make(chan wsMessage, 64),
	}

	h.register <- conn

	go h.writePump(conn)
	go h.readPump(conn)
}

// writePump drains the send channel onto the wire. It is the only goroutine
// that writes to the connection, so pings go through here too.
func (h *Hub) writePump(conn *wsConnection) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.send:
			if !ok {
				conn.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
				conn.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			conn.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.conn.WriteJSON(msg); err != nil {
				h.drop(conn)
				return
			}
		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(conn)
				return
			}
		}
	}
}

// readPump consumes and discards client frames to keep pong handling alive.
func (h *Hub) readPump(conn *wsConnection) {
	conn.conn.SetReadLimit(512)
	conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
