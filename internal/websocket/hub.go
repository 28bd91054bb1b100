package websocket

import (
	"log/slog"
	"sync"

	"github.com/dom/credential-service/internal/domain"
	"github.com/google/uuid"
)

// Hub fans session events out to the connected clients of each account.
type Hub struct {
	accounts   map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	events     chan domain.SessionEvent
	stop       chan struct{}
	done       chan struct{} // closed when Run() exits
	stopped    bool
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		accounts:   make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan domain.SessionEvent, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			h.stopped = true
			for _, clients := range h.accounts {
				for client := range clients {
					client.Close()
				}
			}
			h.accounts = make(map[uuid.UUID]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			clients, ok := h.accounts[client.accountID]
			if !ok {
				clients = make(map[*Client]bool)
				h.accounts[client.accountID] = clients
			}
			clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.accounts[client.accountID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.Close()
				}
				if len(clients) == 0 {
					delete(h.accounts, client.accountID)
				}
			}
			h.mu.Unlock()

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event domain.SessionEvent) {
	msg, err := NewMessage(MessageType(event.Kind), SessionsPayload{SessionIDs: event.SessionIDs})
	if err != nil {
		slog.Error("failed to build session event", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.accounts[event.AccountID] {
		if !client.Send(msg) {
			slog.Warn("dropped session event for slow client", "account_id", event.AccountID)
		}
	}
}

// NotifySessionEvent queues event for delivery. It never blocks the caller;
// events are dropped when the hub is stopped or its queue is full.
func (h *Hub) NotifySessionEvent(event domain.SessionEvent) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case h.events <- event:
	default:
		slog.Warn("session event queue full", "account_id", event.AccountID, "kind", event.Kind)
	}
}

// Stop gracefully shuts down the hub and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister safely unregisters a client, handling the case where the hub may be stopped.
func (h *Hub) Unregister(client *Client) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount reports how many clients are connected for an account.
func (h *Hub) ClientCount(accountID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}
