// Package websocket is the bidirectional channel for agents and task
// producers. Inbound messages are flat JSON frames dispatched on their
// type field; every coordination event published to the hub is broadcast
// to all connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/conflict"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/events"
	"github.com/coordhub/coordhub/internal/hub"
	"github.com/coordhub/coordhub/internal/registry"
)

// Gateway owns the WebSocket client table and routes inbound protocol
// messages to the coordination services.
type Gateway struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	detector    *conflict.Detector
	hub         *hub.Hub

	mu      sync.RWMutex
	clients map[string]*Client

	logger *logger.Logger
}

// NewGateway creates a gateway over the given coordination services.
func NewGateway(reg *registry.Registry, coord *coordinator.Coordinator, det *conflict.Detector, eventHub *hub.Hub, log *logger.Logger) *Gateway {
	return &Gateway{
		registry:    reg,
		coordinator: coord,
		detector:    det,
		hub:         eventHub,
		clients:     make(map[string]*Client),
		logger:      log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// gatewayEventBuffer sizes the gateway's hub subscription. The gateway
// is the broadcast path for every connected client, so it gets a much
// deeper buffer than an external observer.
const gatewayEventBuffer = 1024

// Run subscribes to the event hub and broadcasts every event to all
// connected clients until the context is cancelled. Losing the hub
// subscription does not tear down client connections; the gateway
// reattaches and keeps broadcasting.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.hub.SubscribeBuffered(gatewayEventBuffer)
	defer func() { sub.Close() }()

	g.logger.Info("WebSocket gateway started")
	defer g.logger.Info("WebSocket gateway stopped")

	for {
		select {
		case <-ctx.Done():
			g.closeAllClients()
			return
		case e, ok := <-sub.C:
			if !ok {
				if g.hub.Closed() {
					g.closeAllClients()
					return
				}
				g.logger.Error("Gateway fell behind event fan-out, resubscribing")
				sub = g.hub.SubscribeBuffered(gatewayEventBuffer)
				continue
			}
			g.broadcastEvent(e)
		}
	}
}

// broadcastEvent fans one coordination event out to every client.
func (g *Gateway) broadcastEvent(e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		g.logger.Error("Failed to marshal broadcast event", zap.Error(err))
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, client := range g.clients {
		client.sendRaw(data)
	}
}

// relay sends a raw frame to every client except the originator.
func (g *Gateway) relay(from *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("Failed to marshal relay message", zap.Error(err))
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, client := range g.clients {
		if id == from.ID {
			continue
		}
		client.sendRaw(data)
	}
}

// addClient registers a connection in the client table.
func (g *Gateway) addClient(client *Client) {
	g.mu.Lock()
	g.clients[client.ID] = client
	g.mu.Unlock()

	g.logger.Debug("Client connected", zap.String("client_id", client.ID))
}

// disconnect removes a client and tells the registry its channel closed.
// The bound agent, if any, goes offline; its in-flight assignment is left
// untouched.
func (g *Gateway) disconnect(client *Client) {
	g.mu.Lock()
	if _, ok := g.clients[client.ID]; ok {
		delete(g.clients, client.ID)
		close(client.send)
	}
	g.mu.Unlock()

	if agentID := g.registry.HandleChannelClosed(client.ID); agentID != "" {
		g.logger.Info("Agent disconnected",
			zap.String("client_id", client.ID),
			zap.String("agent_id", agentID))
	} else {
		g.logger.Debug("Client disconnected", zap.String("client_id", client.ID))
	}
}

func (g *Gateway) closeAllClients() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, client := range g.clients {
		delete(g.clients, id)
		close(client.send)
	}
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
