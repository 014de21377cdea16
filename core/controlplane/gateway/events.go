package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/fimgate/core/infra/bus"
	"github.com/cordum/fimgate/core/infra/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types published on the bus and streamed to websocket clients.
const (
	EventCacheInvalidated   = "cache.invalidated"
	EventMutationDispatched = "mutation.dispatched"
	EventMutationFailed     = "mutation.failed"
)

const (
	eventBuffer  = 512
	clientBuffer = 100
)

// Event describes something that changed a resource group.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Group    string    `json:"group"`
	Function string    `json:"function,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Origin   string    `json:"origin"`
	Time     time.Time `json:"time"`
}

// MessageID lets JetStream drop duplicate publishes.
func (e Event) MessageID() string { return e.ID }

func newEvent(typ string, rt resourceRoute, origin, agentID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     typ,
		Group:    rt.Group,
		Function: rt.Function,
		AgentID:  agentID,
		Origin:   origin,
		Time:     time.Now().UTC(),
	}
}

func (e Event) withStatus(status string) Event {
	e.Status = status
	return e
}

// EventBus is the part of the message bus the gateway publishes and listens on.
type EventBus interface {
	Publish(subject string, payload any) error
	Subscribe(subject, queue string, handler func([]byte) error) error
}

// Invalidator clears a cache group.
type Invalidator interface {
	Invalidate(ctx context.Context, group string) error
}

// eventHub fans events out to websocket clients and, when a bus is present,
// to other gateway instances.
type eventHub struct {
	origin string
	bus    EventBus

	clients   map[*websocket.Conn]chan Event
	clientsMu sync.RWMutex
	eventsCh  chan Event

	done     chan struct{}
	stopOnce sync.Once
}

func newEventHub(origin string, b EventBus) *eventHub {
	return &eventHub{
		origin:   origin,
		bus:      b,
		clients:  make(map[*websocket.Conn]chan Event),
		eventsCh: make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// emit publishes a local event. Delivery is best effort; a full buffer drops it.
func (h *eventHub) emit(evt Event) {
	if h == nil {
		return
	}
	if h.bus != nil {
		if err := h.bus.Publish(bus.EventSubject(evt.Group), evt); err != nil {
			logging.Warn("api-gateway", "event publish failed", "type", evt.Type, "group", evt.Group, "error", err)
		}
	}
	h.deliver(evt)
}

func (h *eventHub) deliver(evt Event) {
	select {
	case h.eventsCh <- evt:
	default:
		logging.Debug("api-gateway", "event dropped", "type", evt.Type)
	}
}

// listen consumes events from other instances. Every instance must see every
// event, so the subscription has no queue group. A remote eviction is applied
// to the local cache before it is forwarded to clients.
func (h *eventHub) listen(cache Invalidator) error {
	if h == nil || h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(bus.EventSubjectPrefix+">", "", func(data []byte) error {
		return h.handleRemote(cache, data)
	})
}

func (h *eventHub) handleRemote(cache Invalidator, data []byte) error {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if evt.Origin == h.origin {
		return nil
	}
	if evt.Type == EventCacheInvalidated && cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cache.Invalidate(ctx, evt.Group); err != nil {
			return bus.RetryAfter(err, time.Second)
		}
	}
	h.deliver(evt)
	return nil
}

// run broadcasts to websocket clients until stop is called. Clients that
// cannot keep up are disconnected.
func (h *eventHub) run() {
	for {
		var evt Event
		select {
		case <-h.done:
			return
		case evt = <-h.eventsCh:
		}
		var slowClients []*websocket.Conn
		h.clientsMu.RLock()
		for conn, ch := range h.clients {
			select {
			case ch <- evt:
			default:
				slowClients = append(slowClients, conn)
			}
		}
		h.clientsMu.RUnlock()

		if len(slowClients) > 0 {
			h.clientsMu.Lock()
			for _, conn := range slowClients {
				delete(h.clients, conn)
			}
			h.clientsMu.Unlock()
			for _, conn := range slowClients {
				if err := conn.Close(); err != nil {
					logging.Error("api-gateway", "ws client close failed", "error", err)
				}
			}
		}
	}
}

func (h *eventHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *eventHub) register(conn *websocket.Conn) chan Event {
	ch := make(chan Event, clientBuffer)
	h.clientsMu.Lock()
	h.clients[conn] = ch
	h.clientsMu.Unlock()
	return ch
}

func (h *eventHub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	delete(h.clients, conn)
	h.clientsMu.Unlock()
}

func (h *eventHub) clientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	logging.Info("api-gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	clientCh := s.events.register(ws)
	defer s.events.unregister(ws)

	// Reads only surface the close frame; clients never send anything useful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-clientCh:
			if err := ws.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
