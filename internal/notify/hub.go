package notify

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Message is one SSE event: a channel name and its batched items.
type Message struct {
	Channel string
	Items   []any
}

// Hub fans batched notifications out to SSE clients grouped in rooms.
// Slow clients lose messages instead of blocking the buffer.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[chan Message]struct{}
	buffer int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: map[string]map[chan Message]struct{}{}, buffer: 64}
}

// Subscribe registers a client in room. The returned func unsubscribes it
// and closes the channel.
func (h *Hub) Subscribe(room string) (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	clients := h.rooms[room]
	if clients == nil {
		clients = map[chan Message]struct{}{}
		h.rooms[room] = clients
	}
	clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.rooms[room], ch)
			if len(h.rooms[room]) == 0 {
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dispatch sends items on channel to every client of room. RoomAll reaches
// every client. It returns the number of clients that got the message.
func (h *Hub) Dispatch(room, channel string, items []any) int {
	msg := Message{Channel: channel, Items: items}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	deliver := func(clients map[chan Message]struct{}) {
		for ch := range clients {
			select {
			case ch <- msg:
				sent++
			default:
				slog.Debug("SSE client full, message dropped", "room", room, "channel", channel)
			}
		}
	}
	if room == RoomAll {
		for _, clients := range h.rooms {
			deliver(clients)
		}
		return sent
	}
	deliver(h.rooms[room])
	return sent
}

// Clients returns the number of clients subscribed to room.
func (h *Hub) Clients(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeSSE streams the messages of the room named by the :room parameter
// until the client goes away.
func (h *Hub) ServeSSE(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room required"})
		return
	}
	ch, unsubscribe := h.Subscribe(room)
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("subscribed", gin.H{"room": room})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(msg.Channel, msg.Items)
			return true
		}
	})
}
