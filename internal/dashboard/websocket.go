package dashboard

import (
	"github.com/gorilla/websocket"

	"github.com/flowforge/flowforge/internal/logging"
)

// hub tracks connected stream clients and fans broadcast payloads out to
// them. Slow clients are dropped rather than allowed to stall the relay.
type hub struct {
	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
	}
}

func (h *hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			logging.Debug("dashboard", "Stream client connected", map[string]interface{}{
				"clients": len(h.clients),
			})

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; the client is not keeping up.
					h.drop(client)
				}
			}
		}
	}
}

func (h *hub) drop(client *streamClient) {
	delete(h.clients, client)
	close(client.send)
	logging.Debug("dashboard", "Stream client disconnected", map[string]interface{}{
		"clients": len(h.clients),
	})
}

// streamClient is one WebSocket subscriber to the event stream.
type streamClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// readPump drains the connection until it closes. The stream is one-way;
// inbound frames are discarded, but the read loop is what detects the peer
// going away.
func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("dashboard", "Stream read failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
	}
}

// writePump writes queued payloads until the hub closes the send channel.
func (c *streamClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
