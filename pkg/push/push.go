// Package push hosts the bidirectional /debug/ws endpoint: on
// connect it sends a full state snapshot, subscribes the connection to
// every event bus kind, relays events live, answers a small set of pull
// requests, and pushes a metrics update every 5 seconds.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/metrics"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/selfheal"
)

// MetricsPushInterval is how often each connected client receives an
// unsolicited metrics update.
const MetricsPushInterval = 5 * time.Second

// BreakerSet exposes the breakers the snapshot reports on.
type BreakerSet interface {
	Breakers() []*resilience.Breaker
}

// Hub tracks connected clients and fans out events to them.
type Hub struct {
	upgrader websocket.Upgrader
	bus      *eventbus.Bus
	metrics  *metrics.Registry
	healing  *selfheal.Controller
	breakers BreakerSet
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Hub.
func New(bus *eventbus.Bus, reg *metrics.Registry, healing *selfheal.Controller, breakers BreakerSet, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bus:      bus,
		metrics:  reg,
		healing:  healing,
		breakers: breakers,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("push: upgrade failed", "err", err)
		}
		return
	}

	c := &client{conn: conn, hub: h}
	h.add(c)
	defer h.remove(c)

	c.send(h.snapshotMessage())

	events, unsubscribe := h.bus.Subscribe(eventbus.KindAll)
	defer unsubscribe()

	done := make(chan struct{})
	go c.readLoop(done)

	ticker := time.NewTicker(MetricsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt := <-events:
			c.send(map[string]any{"type": "event", "kind": evt.Kind, "payload": evt.Payload, "at": evt.Timestamp})
		case <-ticker.C:
			c.send(h.metricsMessage())
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	_ = c.conn.Close()
}

// ClientCount reports how many sockets are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) snapshotMessage() map[string]any {
	snap := h.metrics.Snapshot()
	return map[string]any{
		"type":            "snapshot",
		"metrics":         snap.Latest,
		"metrics_history": snap.History,
		"requests":        snap.Requests,
		"errors":          snap.Errors,
		"healing_status":  h.healingActions(),
		"breakers":        h.breakerStates(),
	}
}

func (h *Hub) metricsMessage() map[string]any {
	snap := h.metrics.Snapshot()
	return map[string]any{"type": "metrics", "metrics": snap.Latest}
}

func (h *Hub) healingActions() []selfheal.Action {
	if h.healing == nil {
		return nil
	}
	return h.healing.Actions()
}

// breakerState is the wire shape for one dependency's breaker.
type breakerState struct {
	Dependency string `json:"dependency"`
	State      string `json:"state"`
}

func (h *Hub) breakerStates() []breakerState {
	if h.breakers == nil {
		return nil
	}
	out := make([]breakerState, 0, len(h.breakers.Breakers()))
	for _, b := range h.breakers.Breakers() {
		out = append(out, breakerState{Dependency: b.Name(), State: b.State().String()})
	}
	return out
}

// clientRequest is an inbound pull-style request from a client.
type clientRequest struct {
	Type string `json:"type"`
}

func (h *Hub) handleRequest(c *client, raw []byte) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	switch req.Type {
	case "get_metrics":
		c.send(h.metricsMessage())
	case "get_metrics_history":
		c.send(map[string]any{"type": "metrics_history", "history": h.metrics.Snapshot().History})
	case "get_requests":
		c.send(map[string]any{"type": "requests", "requests": h.metrics.Snapshot().Requests})
	case "get_errors":
		c.send(map[string]any{"type": "errors", "errors": h.metrics.Snapshot().Errors})
	case "get_health":
		c.send(map[string]any{"type": "health", "breakers": h.breakerStates()})
	case "get_healing_status":
		c.send(map[string]any{"type": "healing_status", "actions": h.healingActions()})
	case "ping":
		c.send(map[string]any{"type": "pong", "server_time": time.Now()})
	}
}
