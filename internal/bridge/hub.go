// Package bridge rebroadcasts read-model snapshots and stream events to local
// UI websocket clients.
package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/events"
	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"github.com/marcus-qen/rmsync/internal/readmodel"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local UI pages are served from arbitrary dev origins; the optional
	// bearer token is the access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MessageType discriminates bridge messages.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
)

// Message is one frame sent to a UI client.
type Message struct {
	Type     MessageType        `json:"type"`
	ID       string             `json:"id,omitempty"`
	Snapshot *readmodel.Value   `json:"snapshot,omitempty"`
	Event    *protocol.Envelope `json:"event,omitempty"`
	Time     time.Time          `json:"time"`
}

// Models is the part of the store the hub reads.
type Models interface {
	Get(id string) (*readmodel.Value, bool)
	Subscribe(id string, cb readmodel.Callback) (readmodel.Handle, error)
	Unsubscribe(h readmodel.Handle) bool
}

// Events is the part of the broker the hub reads.
type Events interface {
	Subscribe(f events.Filter, cb events.Callback) (events.Handle, error)
	Unsubscribe(h events.Handle) bool
}

// Conn is one connected UI client.
type Conn struct {
	ID        string
	Models    []string
	Prefixes  []string
	Connected time.Time

	ws   *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	dropped int
}

func (c *Conn) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Hub manages all connected UI clients.
type Hub struct {
	models  Models
	events  Events
	logger  *zap.Logger
	metrics *metrics.Metrics
	token   string

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates a hub reading from models and events. m may be nil.
func NewHub(models Models, evs Events, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		models:  models,
		events:  evs,
		logger:  logger,
		metrics: m,
		conns:   make(map[string]*Conn),
	}
}

// SetToken requires clients to present "Authorization: Bearer <token>" or a
// token query parameter. Empty disables the check.
func (h *Hub) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

// HandleWS upgrades a UI connection. Query parameters: model (repeatable)
// selects snapshots, prefix (repeatable, "*" for everything) selects raw
// events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	models, prefixes := q["model"], q["prefix"]
	if len(models) == 0 && len(prefixes) == 0 {
		http.Error(w, "missing model or prefix", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	if token != "" {
		got := extractBearerToken(r)
		if got == "" {
			got = q.Get("token")
		}
		if got != token {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			h.logger.Warn("bridge connection rejected", zap.String("remote_addr", r.RemoteAddr))
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		ID:        uuid.NewString(),
		Models:    models,
		Prefixes:  prefixes,
		Connected: time.Now().UTC(),
		ws:        ws,
		send:      make(chan Message, sendBuffer),
		done:      make(chan struct{}),
	}
	h.add(c)
	log := h.logger.With(zap.String("conn_id", c.ID))
	log.Info("bridge client connected",
		zap.Strings("models", models),
		zap.Strings("prefixes", prefixes),
	)

	unsubscribe := h.subscribe(c, log)
	defer func() {
		unsubscribe()
		c.close()
		h.remove(c)
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		log.Info("bridge client disconnected", zap.Int("dropped", dropped))
	}()

	go h.writeLoop(c, log)

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	// Clients never send anything meaningful; reading drives pong handling
	// and notices the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// subscribe sends the current snapshot of every requested model, then
// forwards updates. It returns a function that removes every subscription.
func (h *Hub) subscribe(c *Conn, log *zap.Logger) func() {
	var modelHandles []readmodel.Handle
	var eventHandles []events.Handle

	// Subscribe before reading the current snapshot so no update falls
	// between the two; a duplicate snapshot is harmless.
	for _, id := range c.Models {
		hd, err := h.models.Subscribe(id, func(id string, snap *readmodel.Value) {
			c.enqueue(Message{Type: MsgSnapshot, ID: id, Snapshot: snap, Time: time.Now().UTC()})
		})
		if err != nil {
			log.Warn("subscribe model failed", zap.String("read_model", id), zap.Error(err))
			continue
		}
		modelHandles = append(modelHandles, hd)
		if snap, ok := h.models.Get(id); ok {
			c.enqueue(Message{Type: MsgSnapshot, ID: id, Snapshot: snap, Time: time.Now().UTC()})
		}
	}

	for _, p := range c.Prefixes {
		filter := events.Prefix(p)
		if p == "*" {
			filter = events.All()
		}
		hd, err := h.events.Subscribe(filter, func(env protocol.Envelope) {
			c.enqueue(Message{Type: MsgEvent, Event: &env, Time: time.Now().UTC()})
		})
		if err != nil {
			log.Warn("subscribe events failed", zap.String("prefix", p), zap.Error(err))
			continue
		}
		eventHandles = append(eventHandles, hd)
	}

	return func() {
		for _, hd := range modelHandles {
			h.models.Unsubscribe(hd)
		}
		for _, hd := range eventHandles {
			h.events.Unsubscribe(hd)
		}
	}
}

func (h *Hub) writeLoop(c *Conn, log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn("marshal bridge message", zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetBridgeClients(n)
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetBridgeClients(n)
}

// Connected returns the ids of connected clients.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID        string    `json:"id"`
	Models    []string  `json:"models,omitempty"`
	Prefixes  []string  `json:"prefixes,omitempty"`
	Connected time.Time `json:"connected"`
	Dropped   int       `json:"dropped"`
}

// List returns info about every connected client.
func (h *Hub) List() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.conns))
	for _, c := range h.conns {
		c.mu.Lock()
		out = append(out, ClientInfo{
			ID:        c.ID,
			Models:    c.Models,
			Prefixes:  c.Prefixes,
			Connected: c.Connected,
			Dropped:   c.dropped,
		})
		c.mu.Unlock()
	}
	return out
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// ServeMux returns a mux with the websocket endpoint at /ws and a client
// listing at /clients.
func (h *Hub) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.List())
	})
	return mux
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
