package ws

import "sync"

// AllEnvs is the topic that receives events for every environment.
const AllEnvs = ""

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deploy events out to subscribers keyed by environment ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	envID   string
	payload []byte
}

type subscription struct {
	envID  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.envID]; !ok {
				h.clients[sub.envID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.envID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.envID, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.envID, msg.payload)
			if msg.envID != AllEnvs {
				h.deliver(AllEnvs, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(envID string, payload []byte) {
	for c := range h.clients[envID] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.remove(envID, c)
		}
	}
}

func (h *Hub) remove(envID string, c Subscriber) {
	clients, ok := h.clients[envID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, envID)
	}
}

// Register subscribes a client to an environment, or to every
// environment when envID is AllEnvs.
func (h *Hub) Register(envID string, client Subscriber) {
	select {
	case h.register <- subscription{envID: envID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(envID string, client Subscriber) {
	select {
	case h.unreg <- subscription{envID: envID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the environment's subscribers.
func (h *Hub) Broadcast(envID string, payload []byte) {
	select {
	case h.broadcast <- message{envID: envID, payload: payload}:
	case <-h.done:
	}
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
