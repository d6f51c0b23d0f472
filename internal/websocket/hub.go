package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/pkg/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProgressChannel is the Redis channel fanning progress out to every instance.
const ProgressChannel = "progress_events"

// Hub pushes the progress of a note to the capture UIs watching it.
type Hub struct {
	// NoteUUID -> clients watching it (several tabs or devices)
	clients map[string][]*Client

	register   chan *Client
	unregister chan *Client

	// closed once Run returned, so late clients never block on it
	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex

	// Redis connection for cross-instance communication, nil on a single instance
	rdb *redis.Client

	// Marks our own Redis messages so they are not delivered twice
	instanceID string

	logger logger.ILogger
}

type clusterMessage struct {
	Origin  string                `json:"origin"`
	Message store.ProgressMessage `json:"message"`
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string][]*Client),
		rdb:        rdb,
		instanceID: uuid.New().String(),
		logger:     log,
	}
}

// Run serves registrations until ctx is done. On the way out it waits for
// the Redis subscriber and closes every client, which ends their pumps.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if h.rdb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.subscribeToRedis(ctx)
		}()
	}
	defer func() {
		wg.Wait()
		h.stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.NoteUUID] = append(h.clients[client.NoteUUID], client)
			h.mu.Unlock()
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"note_uuid": client.NoteUUID})

		case client := <-h.unregister:
			h.mu.Lock()
			clients := h.clients[client.NoteUUID]
			for i, c := range clients {
				if c == client {
					h.clients[client.NoteUUID] = append(clients[:i], clients[i+1:]...)
					close(client.Send)
					break
				}
			}
			if len(h.clients[client.NoteUUID]) == 0 {
				delete(h.clients, client.NoteUUID)
				h.logger.Info("Hub", "No client left for note", map[string]interface{}{"note_uuid": client.NoteUUID})
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		for note, clients := range h.clients {
			for _, c := range clients {
				close(c.Send)
			}
			delete(h.clients, note)
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// Register attaches a client. It is false once the hub stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister detaches a client; after shutdown the hub already closed it.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Send pushes a progress message to the note's watchers on every instance.
func (h *Hub) Send(noteUUID, message, section string) {
	msg := store.ProgressMessage{
		NoteUUID: noteUUID,
		Time:     time.Now().UTC(),
		Message:  message,
		Section:  section,
	}
	h.deliver(msg)

	if h.rdb != nil {
		payload, _ := json.Marshal(clusterMessage{Origin: h.instanceID, Message: msg})
		if err := h.rdb.Publish(context.Background(), ProgressChannel, payload).Err(); err != nil {
			h.logger.Warn("Hub", "Redis publish failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// deliver writes to local clients only. A client with a full buffer misses
// the message rather than blocking the render loop.
func (h *Hub) deliver(msg store.ProgressMessage) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "progress",
		"data": msg,
	})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients[msg.NoteUUID] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("Hub", "Client Send buffer full, dropping message", map[string]interface{}{"note_uuid": msg.NoteUUID})
		}
	}
}

// Watchers is the number of local clients of a note.
func (h *Hub) Watchers(noteUUID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[noteUUID])
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, ProgressChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload clusterMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				h.logger.Error("Hub", "Undecodable progress message", map[string]interface{}{"error": err.Error()})
				continue
			}
			if payload.Origin == h.instanceID {
				continue
			}
			h.deliver(payload.Message)
		}
	}
}
