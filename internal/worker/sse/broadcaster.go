// Package sse streams clustering job progress to browsers as Server-Sent Events.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single write so a stalled client cannot hold up a broadcast.
const WriteTimeout = 2 * time.Second

// Event names.
const (
	EventConnected = "connected"
	EventStatus    = "status"
)

// ErrStreamingUnsupported is returned for response writers that cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

var errClientClosed = errors.New("client closed")

// Client is one connected event stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	// writes to one client are serialized
	writeMu  sync.Mutex
	doneOnce sync.Once
}

func (c *Client) close() {
	c.doneOnce.Do(func() { close(c.Done) })
}

// Broadcaster fans events out to every connected client.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers w as a new stream.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a client and closes its Done channel.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	count := len(b.clients)
	b.mu.Unlock()

	client.close()
	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends one event to all clients and drops those that fail or
// time out.
func (b *Broadcaster) Broadcast(event string, data any) {
	message, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal SSE data")
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		dead sync.Map
	)
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.write(c, message) {
				dead.Store(c.ID, c)
			}
		}()
	}
	wg.Wait()

	dead.Range(func(_, v any) bool {
		b.RemoveClient(v.(*Client))
		return true
	})
}

func encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event, payload), nil
}

// write reports whether message reached the client in time.
func (b *Broadcaster) write(c *Client, message []byte) bool {
	result := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		// the handler may already have returned
		select {
		case <-c.Done:
			result <- errClientClosed
			return
		default:
		}
		if _, err := c.Writer.Write(message); err != nil {
			result <- err
			return
		}
		c.Flusher.Flush()
		result <- nil
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Str("clientId", c.ID).Err(err).Msg("Failed to write to SSE client, removing")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", c.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, removing client")
		return false
	case <-c.Done:
		return true
	}
}

// Handler returns an http.HandlerFunc that streams events. When snapshot is
// non-nil its value is sent as the first status event.
func (b *Broadcaster) Handler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		client, err := b.AddClient(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			b.RemoveClient(client)
			// wait out a write still in flight; later ones see Done and skip
			client.writeMu.Lock()
			client.writeMu.Unlock()
		}()

		hello, _ := encode(EventConnected, map[string]string{"clientId": client.ID})
		b.write(client, hello)
		if snapshot != nil {
			if msg, err := encode(EventStatus, snapshot()); err == nil {
				b.write(client, msg)
			}
		}

		select {
		case <-r.Context().Done():
		case <-client.Done:
		}
	}
}
