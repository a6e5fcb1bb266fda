// Package dashboard implements the live dashboard channel: per-connection
// widget subscriptions over a duplex socket, pull-queries against a
// pipeline's table environment, and push notifications on tick completion.
package dashboard

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/publish"
)

const sendBufferSize = 32

const (
	defaultPage     = 0
	defaultPageSize = 50
)

// WidgetSubscription is one connection's view onto a named table.
type WidgetSubscription struct {
	Table    string      `json:"table"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Sort     interface{} `json:"sort,omitempty"`
	Filters  interface{} `json:"filters,omitempty"`
}

// Conn is one dashboard connection: a socket plus its widget subscriptions.
// Outbound writes go through a bounded channel drained by a dedicated
// goroutine so a slow reader never blocks the tick that triggered a push.
type Conn struct {
	ws  *websocket.Conn
	key string

	mu   sync.Mutex
	subs map[string]WidgetSubscription

	send chan []byte
	done chan struct{}
}

func newConn(ws *websocket.Conn, key string) *Conn {
	return &Conn{
		ws:   ws,
		key:  key,
		subs: make(map[string]WidgetSubscription),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Conn) sendLoop() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue drops the message rather than blocking if the connection's
// buffer is full.
func (c *Conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		log.Printf("dashboard: dropping message to a slow connection on %s", c.key)
	}
}

// Hub fans out "data changed" pushes and serves widget subscribe/fetch
// requests, resolving tables through the publish registry.
type Hub struct {
	registry *publish.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]map[*Conn]struct{}
}

// NewHub returns a Hub that resolves pipeline table environments via
// registry. m may be nil, in which case no metrics are recorded.
func NewHub(registry *publish.Registry, m *metrics.Metrics) *Hub {
	return &Hub{registry: registry, metrics: m, conns: make(map[string]map[*Conn]struct{})}
}

// Register attaches a new connection under pipeline key and starts its
// outbound sender goroutine.
func (h *Hub) Register(key string, ws *websocket.Conn) *Conn {
	c := newConn(ws, key)

	h.mu.Lock()
	if h.conns[key] == nil {
		h.conns[key] = make(map[*Conn]struct{})
	}
	h.conns[key][c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.DashboardConns.Inc()
	}

	go c.sendLoop()
	return c
}

// Unregister detaches a connection, dropping its widget subscriptions. A
// pipeline unpublish does not call this — only the connection's own
// disconnect does.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.key)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.DashboardConns.Dec()
	}
	close(c.done)
}

type clientMessage struct {
	Action   string      `json:"action"`
	WidgetID string      `json:"widget_id"`
	Table    string      `json:"table"`
	Page     *int        `json:"page,omitempty"`
	PageSize *int        `json:"page_size,omitempty"`
	Sort     interface{} `json:"sort,omitempty"`
	Filters  interface{} `json:"filters,omitempty"`
}

// HandleMessage parses one client frame and enqueues the corresponding
// reply on c. Malformed input and resolution failures reply with an error
// event; the connection is never closed by this method.
func (h *Hub) HandleMessage(c *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(errorEvent("malformed message: " + err.Error()))
		return
	}

	switch msg.Action {
	case "subscribe":
		h.handleSubscribe(c, msg)
	case "fetch":
		h.handleFetch(c, msg)
	default:
		c.enqueue(errorEvent("unknown action: " + msg.Action))
	}
}

func (h *Hub) handleSubscribe(c *Conn, msg clientMessage) {
	sub := WidgetSubscription{
		Table:    msg.Table,
		Page:     defaultPage,
		PageSize: defaultPageSize,
		Sort:     msg.Sort,
		Filters:  msg.Filters,
	}
	if msg.Page != nil {
		sub.Page = *msg.Page
	}
	if msg.PageSize != nil {
		sub.PageSize = *msg.PageSize
	}

	c.mu.Lock()
	c.subs[msg.WidgetID] = sub
	c.mu.Unlock()

	c.enqueue(mustJSON(map[string]interface{}{
		"event":     "subscribed",
		"widget_id": msg.WidgetID,
	}))
}

func (h *Hub) handleFetch(c *Conn, msg clientMessage) {
	c.mu.Lock()
	sub, ok := c.subs[msg.WidgetID]
	c.mu.Unlock()
	if !ok {
		c.enqueue(errorEvent("unknown widget: " + msg.WidgetID))
		return
	}

	entry, ok := h.registry.Get(c.key)
	if !ok {
		c.enqueue(errorEvent(errs.NotFound("pipeline", c.key).Error()))
		return
	}

	value, err := entry.Env.Get(sub.Table)
	if err != nil {
		c.enqueue(errorEvent(err.Error()))
		return
	}

	page := paginate(value, sub.Page, sub.PageSize)
	c.enqueue(mustJSON(map[string]interface{}{
		"event":     "page",
		"widget_id": msg.WidgetID,
		"rows":      page.Rows,
		"columns":   page.Columns,
		"total":     page.Total,
	}))
}

// NotifyDataChanged pushes a "data_changed" event to every connection
// subscribed under key. Called by the streaming executor's on_tick_complete
// hook, wired at publish time. Silently no-ops if no connections exist.
func (h *Hub) NotifyDataChanged(key string, tables []string, rowCounts map[string]int) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns[key]))
	for c := range h.conns[key] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	payload := map[string]interface{}{
		"event":  "data_changed",
		"tables": tables,
	}
	if rowCounts != nil {
		payload["row_counts"] = rowCounts
	}
	msg := mustJSON(payload)

	for _, c := range conns {
		c.enqueue(msg)
	}
}

func errorEvent(message string) []byte {
	return mustJSON(map[string]interface{}{"event": "error", "error": message})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"event":"error","error":"internal encoding failure"}`)
	}
	return b
}
