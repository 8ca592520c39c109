package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection. Its ID doubles as the
// channel token handed to the registry when an agent registers over it.
type Client struct {
	ID      string
	conn    *websocket.Conn
	gateway *Gateway
	send    chan []byte
	logger  *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, gw *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		gateway: gw,
		send:    make(chan []byte, 256),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// envelope is the minimal frame read from every inbound message; the
// remaining fields are decoded per message type.
type envelope struct {
	Type string `json:"type"`
}

// ReadPump pumps messages from the WebSocket connection to the gateway
// dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.Send(map[string]interface{}{
				"type":  "error",
				"error": "invalid message format",
			})
			continue
		}

		c.gateway.dispatch(ctx, c, env.Type, message)
	}
}

// Send marshals v and queues it for delivery. The send never blocks; a
// full buffer drops the message and the write pump cleans up the client.
func (c *Client) Send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping message")
	}
}

// WritePump pumps queued messages to the WebSocket connection and keeps
// the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Gateway closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
