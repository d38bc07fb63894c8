package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/requestdata"
)

const (
	subscriberBuffer  = 16
	heartbeatInterval = 25 * time.Second
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans server-side events out to per-user subscribers. Delivery is best
// effort: a subscriber that cannot keep up loses events rather than stalling
// the publisher.
type Hub struct {
	log *logger.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan Event]struct{}
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:         baseLog.With("component", "SSEHub"),
		subscribers: make(map[uuid.UUID]map[chan Event]struct{}),
	}
}

func (h *Hub) Subscribe(userID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan Event]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[userID], ch)
			if len(h.subscribers[userID]) == 0 {
				delete(h.subscribers, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(userID uuid.UUID, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[userID] {
		select {
		case ch <- event:
		default:
			// Slow consumer; drop.
		}
	}
}

// Stream is the GET /api/events/stream handler. The connection stays open
// until the client goes away.
func (h *Hub) Stream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requestdata.UserID(c.Request.Context())
		if userID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		events, unsubscribe := h.Subscribe(userID)
		defer unsubscribe()
		h.log.Debug("SSE subscriber connected", "user_id", userID)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		clientGone := c.Request.Context().Done()
		flusher, _ := c.Writer.(http.Flusher)
		for {
			select {
			case <-clientGone:
				h.log.Debug("SSE subscriber disconnected", "user_id", userID)
				return
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				if flusher != nil {
					flusher.Flush()
				}
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event.Data)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload)
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}
}
