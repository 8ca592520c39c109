// Package hub is the in-process event fabric: a bounded history ring plus
// best-effort fan-out to connected observers. Every coordination event
// produced by the registry, coordinator, and conflict detector flows
// through here, and is mirrored onto the event bus for external consumers.
package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/events"
	"github.com/coordhub/coordhub/internal/events/bus"
)

// Subscription is one observer's handle. Events arrive on C; the channel
// is closed when the observer is dropped, either by Close or because it
// fell too far behind.
type Subscription struct {
	id  string
	C   <-chan *events.Event
	hub *Hub
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub buffers recent events and fans them out to subscribers. Emit never
// blocks: a subscriber whose buffer is full is disconnected rather than
// allowed to stall the emitting critical section.
type Hub struct {
	mu          sync.Mutex
	ring        []*events.Event
	next        int
	full        bool
	subscribers map[string]chan *events.Event
	bufferSize  int
	closed      bool

	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a hub retaining historySize events, handing each subscriber
// a buffer of bufferSize.
func New(eventBus bus.EventBus, historySize, bufferSize int, log *logger.Logger) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		ring:        make([]*events.Event, historySize),
		subscribers: make(map[string]chan *events.Event),
		bufferSize:  bufferSize,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "hub")),
	}
}

// Emit records the event and fans it out. Implements events.Emitter.
func (h *Hub) Emit(e *events.Event) {
	if e == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			// Slow observer; drop it so the emitter never blocks.
			delete(h.subscribers, id)
			close(ch)
			h.logger.Warn("Dropped slow event subscriber", zap.String("subscriber_id", id))
		}
	}
	h.mu.Unlock()

	if h.bus != nil {
		if err := h.bus.Publish(context.Background(), events.Subject(e.Type), e); err != nil {
			h.logger.Debug("Event bus mirror failed",
				zap.String("event_type", e.Type),
				zap.Error(err))
		}
	}
}

// Subscribe attaches a new observer with the hub's default buffer.
func (h *Hub) Subscribe() *Subscription {
	return h.SubscribeBuffered(h.bufferSize)
}

// SubscribeBuffered attaches an observer with its own buffer size. The
// transport fan-out subscribes with a deeper buffer than external
// observers so a mutation burst cannot sever the broadcast path.
func (h *Hub) SubscribeBuffered(size int) *Subscription {
	if size <= 0 {
		size = h.bufferSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(size)
}

// SubscribeWithReplay snapshots up to n recent events and attaches a
// subscription in one step. An event emitted around the call lands in
// exactly one of the two: the snapshot or the live channel, never both.
// n <= 0 attaches without a snapshot.
func (h *Hub) SubscribeWithReplay(n int) (*Subscription, []*events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []*events.Event
	if n > 0 {
		history := h.historyLocked()
		if n < len(history) {
			history = history[len(history)-n:]
		}
		replay = make([]*events.Event, len(history))
		copy(replay, history)
	}

	return h.subscribeLocked(h.bufferSize), replay
}

// subscribeLocked attaches an observer. Caller holds mu.
func (h *Hub) subscribeLocked(size int) *Subscription {
	ch := make(chan *events.Event, size)
	id := uuid.New().String()
	if h.closed {
		close(ch)
	} else {
		h.subscribers[id] = ch
	}
	return &Subscription{id: id, C: ch, hub: h}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns the full retained history.
func (h *Hub) Recent(n int) []*events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	history := h.historyLocked()
	if n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	out := make([]*events.Event, len(history))
	copy(out, history)
	return out
}

// ByType returns up to n of the most recent events of the given type,
// oldest first.
func (h *Hub) ByType(eventType string, n int) []*events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var matched []*events.Event
	for _, e := range h.historyLocked() {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	if n > 0 && n < len(matched) {
		matched = matched[len(matched)-n:]
	}
	return matched
}

// historyLocked returns the retained events oldest first. Caller holds mu.
func (h *Hub) historyLocked() []*events.Event {
	if !h.full {
		return h.ring[:h.next]
	}
	ordered := make([]*events.Event, 0, len(h.ring))
	ordered = append(ordered, h.ring[h.next:]...)
	ordered = append(ordered, h.ring[:h.next]...)
	return ordered
}

// Closed reports whether the hub has shut down.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SubscriberCount returns the number of attached observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close drops all subscribers and rejects further events.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
