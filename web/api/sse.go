package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SSEHub manages SSE connections. It doubles as a registry observer that
// forwards run events to every client.
type SSEHub struct {
	clients    map[chan SSEEvent]bool
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
	done       chan struct{}
	mu         sync.RWMutex
}

var _ registry.Observer = (*SSEHub)(nil)

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]bool),
		broadcast:  make(chan SSEEvent, 256),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
		done:       make(chan struct{}),
	}
}

// Run starts the SSE hub and closes every client when ctx is done
func (h *SSEHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// slow client, drop it
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients. Events are dropped when the
// queue is full so callers never block.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnRunEvent implements registry.Observer
func (h *SSEHub) OnRunEvent(ev registry.Event) {
	data := map[string]interface{}{"run": runToResponse(ev.Run)}
	if ev.Type == registry.EventStatus {
		data["from"] = ev.From
	}
	if len(ev.Patch.AppendLogs) > 0 {
		data["logs"] = ev.Patch.AppendLogs
	}
	h.Broadcast(SSEEvent{Type: string(ev.Type), Data: data})
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		client := make(chan SSEEvent, 64)
		select {
		case s.sseHub.register <- client:
		case <-s.sseHub.done:
			return
		case <-r.Context().Done():
			return
		}

		// greet with the current state so clients start consistent
		writeSSE(w, SSEEvent{Type: "snapshot", Data: s.runResponses()})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				select {
				case s.sseHub.unregister <- client:
				case <-s.sseHub.done:
				}
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				writeSSE(w, event)
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event SSEEvent) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
