package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"gosession/conversation"
)

const hubEventBuffer = 256

// Subscriber is the event source the hub streams from. conversation.EventBus
// satisfies it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan conversation.Event, func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback; any local origin may listen.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub maintains the set of active websocket clients and pushes every bus
// event to them.
type Hub struct {
	events Subscriber
	log    *logrus.Entry

	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub reading from events.
func NewHub(events Subscriber, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.WithField("component", "api_hub")
	}
	return &Hub{
		events:     events,
		log:        log,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns when ctx is done, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.events.Subscribe(hubEventBuffer)
	defer cancel()
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.WithField("client_id", client.ID).Debug("websocket client connected")

		case client := <-h.unregister:
			h.drop(client)

		case event, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(event)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// ClientCount reports the connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(event conversation.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).WithField("event", event.Kind).Error("marshal event")
		return
	}

	h.mu.RLock()
	var slow []*Client
	for _, client := range h.clients {
		if !client.wants(event.ConversationID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.WithField("client_id", client.ID).Warn("websocket client too slow, disconnecting")
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[client.ID]; ok && current == client {
		delete(h.clients, client.ID)
		close(client.send)
		h.log.WithField("client_id", client.ID).Debug("websocket client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:   "ws_" + uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, hubEventBuffer),
	}
	if id := r.URL.Query().Get("conversation_id"); id != "" {
		client.filter(id)
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
