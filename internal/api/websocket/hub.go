package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// StatusProvider supplies the snapshot a client gets on connect and on
// request.
type StatusProvider interface {
	Status() machine.Status
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger

	status StatusProvider
}

// NewHub creates a new Hub instance. status may be nil.
func NewHub(logger *zap.Logger, status StatusProvider) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage, 16),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		status:     status,
	}
}

// Run starts the hub's main event loop. All clients are closed when ctx
// ends.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.String("role", client.role),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.conn.RemoteAddr().String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case d := <-h.direct:
			h.mu.Lock()
			if _, ok := h.clients[d.client]; ok {
				select {
				case d.client.send <- d.data:
				default:
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// langsamer Client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.conn.RemoteAddr().String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

type directMessage struct {
	client *Client
	data   []byte
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// BroadcastStatus sends the current snapshot when anyone is listening.
func (h *Hub) BroadcastStatus() {
	if h.status == nil || h.GetClientCount() == 0 {
		return
	}
	h.Broadcast(NewStatusMessage(h.status.Status()))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendTo queues data for a single registered client.
func (h *Hub) sendTo(c *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: c, data: data}:
	case <-h.done:
	default:
		h.logger.Debug("Hub direct channel full, message dropped")
	}
}

func (h *Hub) snapshot() ([]byte, bool) {
	if h.status == nil {
		return nil, false
	}
	data, err := json.Marshal(NewStatusMessage(h.status.Status()))
	if err != nil {
		h.logger.Error("Failed to marshal status snapshot", zap.Error(err))
		return nil, false
	}
	return data, true
}
