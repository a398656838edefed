package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

const subscriberBuffer = 16

// Subscription is one connected stream client.
type Subscription struct {
	environment string
	ch          chan []byte
}

// Broker fans out transition batches to connected SSE clients.
// Slow clients miss batches instead of blocking publishers.
type Broker struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

// NewBroker constructs a broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[*Subscription]struct{})}
}

// Publish implements Publisher.
func (b *Broker) Publish(_ context.Context, batch Batch) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	b.broadcast(batch.Environment, payload)
	return nil
}

// Subscribe registers client; empty environment receives every batch.
func (b *Broker) Subscribe(environment string) *Subscription {
	if b == nil {
		return nil
	}
	sub := &Subscription{environment: environment, ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	b.clients[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes client and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[sub]; ok {
		delete(b.clients, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Close disconnects every client; stream handlers return once their channel closes.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.clients {
		delete(b.clients, sub)
		close(sub.ch)
	}
}

// Clients returns number of connected clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) broadcast(environment string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.clients {
		if sub.environment != "" && sub.environment != environment {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

// ServeHTTP streams transition batches; optional ?environment= narrows the stream.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := b.Subscribe(r.URL.Query().Get("environment"))
	defer b.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case payload, ok := <-sub.ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: transitions\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

// C returns channel of encoded batches.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}
