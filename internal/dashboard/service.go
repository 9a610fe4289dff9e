package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/workflow"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// Service relays execution and metrics events from Redis pub/sub to
// connected WebSocket clients.
type Service struct {
	redisClient *redis.Client
	hub         *hub
}

// NewService creates a dashboard service. The Redis client may be nil; the
// relay then only serves connections and pushes nothing.
func NewService(redisClient *redis.Client) *Service {
	return &Service{
		redisClient: redisClient,
		hub:         newHub(),
	}
}

// Start runs the hub and the pub/sub relay until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.hub.run()
	if s.redisClient != nil {
		go s.relayUpdates(ctx)
	}
	logging.Info("dashboard", "Dashboard services started", nil)
}

// HandleWebSocket upgrades the request and registers the client with the hub.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &streamClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// relayUpdates subscribes to execution and metrics channels and fans every
// message out to connected clients, tagged with its channel.
func (s *Service) relayUpdates(ctx context.Context) {
	pubsub := s.redisClient.Subscribe(ctx, workflow.UpdatesChannel, "metrics:events")
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

			data, err := json.Marshal(map[string]interface{}{
				"type":      channelEventType(msg.Channel),
				"timestamp": time.Now(),
				"data":      json.RawMessage(msg.Payload),
			})
			if err != nil {
				continue
			}
			s.hub.broadcast <- data
		}
	}
}

func channelEventType(channel string) string {
	if channel == workflow.UpdatesChannel {
		return "execution_update"
	}
	return "metrics_update"
}
