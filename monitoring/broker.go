package monitoring

import (
	"context"
	"encoding/json"
	"sync"

	"serialhub/output"
)

// allPorts subscribes an SSE client to every port
const allPorts = "all"

// SSEClient represents a connected SSE client
type SSEClient struct {
	port string
	send chan string
	done chan struct{}
}

// SSEBroker fans ingested records out to SSE clients. It implements
// output.Sink so the connection manager can feed it directly.
type SSEBroker struct {
	clients    map[*SSEClient]bool
	register   chan *SSEClient
	unregister chan *SSEClient
	broadcast  chan BroadcastMessage
	mu         sync.RWMutex
}

// BroadcastMessage contains an encoded record and the port it came from
type BroadcastMessage struct {
	Port string
	Data string
}

// NewSSEBroker creates a new SSE broker
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:    make(map[*SSEClient]bool),
		register:   make(chan *SSEClient),
		unregister: make(chan *SSEClient),
		broadcast:  make(chan BroadcastMessage, 256),
	}
}

// Run starts the broker's main loop
func (b *SSEBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for client := range b.clients {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()

		case msg := <-b.broadcast:
			b.mu.RLock()
			for client := range b.clients {
				if client.port == msg.Port || client.port == allPorts {
					select {
					case client.send <- msg.Data:
					default:
						// Client buffer full, skip this message
					}
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Broadcast queues data for every client subscribed to port
func (b *SSEBroker) Broadcast(port, data string) {
	select {
	case b.broadcast <- BroadcastMessage{Port: port, Data: data}:
	default:
		// Broadcast buffer full, drop message
	}
}

// WriteRecord implements output.Sink
func (b *SSEBroker) WriteRecord(rec output.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.Broadcast(rec.PortID, string(data))
	return nil
}

// ClientCount returns the number of connected clients
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
