// Package sse exposes the coordination event stream to read-only
// observers over Server-Sent Events.
package sse

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/hub"
)

// Handler streams hub events to SSE clients.
type Handler struct {
	hub    *hub.Hub
	logger *logger.Logger
}

// NewHandler creates a new SSE handler.
func NewHandler(eventHub *hub.Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    eventHub,
		logger: log.WithFields(zap.String("component", "sse_handler")),
	}
}

// Stream subscribes the request to the event hub and pushes every event
// until the client disconnects or the subscription is dropped. An optional
// replay=n query parameter first delivers the n most recent events from
// the history ring.
func (h *Handler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Flush the headers immediately so the SSE handshake completes even
	// when no replay or live event is written right away.
	c.Writer.Flush()

	replay := 0
	if v := c.Query("replay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			replay = n
		}
	}

	// Snapshot and subscription happen in one hub operation so an event
	// emitted around connect is neither replayed and re-sent nor skipped.
	sub, history := h.hub.SubscribeWithReplay(replay)
	defer sub.Close()

	h.logger.Debug("Observer connected",
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.Int("replay", replay))

	if replay > 0 {
		for _, e := range history {
			c.SSEvent(e.Type, e)
		}
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-sub.C:
			if !ok {
				// Dropped by the hub, usually for falling behind.
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		}
	})

	h.logger.Debug("Observer disconnected", zap.String("remote_addr", c.Request.RemoteAddr))
}
