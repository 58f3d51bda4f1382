// Package broadcast maps an order identity to at most one live subscriber
// channel and delivers ordered, best-effort status events.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"order_engine/internal/core"
	"order_engine/pkg/telemetry"

	"github.com/google/uuid"
)

// Event envelope types
const (
	TypeStatus     = "status"
	TypeError      = "error"
	TypeConnection = "connection"
)

// Event is a single message pushed to a subscriber. Fields are flattened next
// to the envelope keys when serialized, matching the wire shape
// {"type":"status","status":...,"timestamp":...,<fields>}.
type Event struct {
	Type      string
	Status    string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// MarshalJSON flattens Fields into the top-level object
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = e.Type
	if e.Status != "" {
		m["status"] = e.Status
	}
	if !e.Timestamp.IsZero() {
		m["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(m)
}

// StatusEvent builds a status event for the given state
func StatusEvent(status core.Status, fields map[string]interface{}) Event {
	return Event{Type: TypeStatus, Status: string(status), Timestamp: time.Now().UTC(), Fields: fields}
}

// ErrorEvent builds an error event with a message
func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Fields: map[string]interface{}{"message": message}}
}

// Link is one subscriber channel bound to an order. Events are buffered; a
// slow subscriber drops events rather than stalling the worker.
type Link struct {
	ID      string
	OrderID string

	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newLink(orderID string) *Link {
	return &Link{
		ID:      uuid.NewString(),
		OrderID: orderID,
		ch:      make(chan Event, 64),
	}
}

// Events returns the channel the subscriber reads from. It closes when the
// link is detached.
func (l *Link) Events() <-chan Event {
	return l.ch
}

// send is non-blocking; it reports whether the event was buffered
func (l *Link) send(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- ev:
		return true
	default:
		return false
	}
}

func (l *Link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// Broadcaster owns the subscriber-link table. It is an explicit component
// instance owned by the pipeline facade, never ambient global state.
type Broadcaster struct {
	store  core.IStore
	logger core.ILogger

	mu      sync.Mutex
	byOrder map[string]*Link
	byID    map[string]*Link
}

// NewBroadcaster creates a broadcaster backed by the given store for link
// records
func NewBroadcaster(store core.IStore, logger core.ILogger) *Broadcaster {
	return &Broadcaster{
		store:   store,
		logger:  logger.WithField("component", "broadcaster"),
		byOrder: make(map[string]*Link),
		byID:    make(map[string]*Link),
	}
}

// Attach creates a new link for the order. If an active link already exists
// it is deactivated first (last-writer-wins); the deactivate-then-create pair
// is atomic with respect to the order identity.
func (b *Broadcaster) Attach(ctx context.Context, orderID string) (*Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prior, ok := b.byOrder[orderID]; ok {
		if err := b.store.DeactivateLink(ctx, prior.ID); err != nil {
			return nil, err
		}
		prior.close()
		delete(b.byID, prior.ID)
		delete(b.byOrder, orderID)
		b.logger.Info("superseded prior subscriber link", "order_id", orderID, "link_id", prior.ID)
	}

	link := newLink(orderID)
	rec := &core.SubscriberLink{
		ID:          link.ID,
		OrderID:     orderID,
		Active:      true,
		ConnectedAt: time.Now().UTC(),
	}
	if err := b.store.SaveLink(ctx, rec); err != nil {
		link.close()
		return nil, err
	}

	b.byOrder[orderID] = link
	b.byID[link.ID] = link
	b.logger.Info("subscriber attached", "order_id", orderID, "link_id", link.ID)
	return link, nil
}

// Send delivers an event to the channel, fire-and-forget. Unknown or closed
// channels make it a silent no-op: a missing subscriber never stalls or fails
// order processing.
func (b *Broadcaster) Send(channelID string, ev Event) {
	b.mu.Lock()
	link, ok := b.byID[channelID]
	b.mu.Unlock()

	if !ok || !link.send(ev) {
		telemetry.GetGlobalMetrics().IncStatusEventsDropped(context.Background())
	}
}

// Detach deactivates the link and closes its channel. Idempotent: detaching a
// channel twice never errors and never double-closes.
func (b *Broadcaster) Detach(ctx context.Context, channelID string) {
	b.mu.Lock()
	link, ok := b.byID[channelID]
	if ok {
		delete(b.byID, channelID)
		if cur, curOK := b.byOrder[link.OrderID]; curOK && cur.ID == channelID {
			delete(b.byOrder, link.OrderID)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := b.store.DeactivateLink(ctx, channelID); err != nil {
		b.logger.Warn("failed to deactivate link record", "link_id", channelID, "error", err)
	}
	link.close()
	b.logger.Info("subscriber detached", "order_id", link.OrderID, "link_id", channelID)
}

// ActiveChannel returns the live channel id for an order, if any
func (b *Broadcaster) ActiveChannel(orderID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	link, ok := b.byOrder[orderID]
	if !ok {
		return "", false
	}
	return link.ID, true
}

// Shutdown closes every live link
func (b *Broadcaster) Shutdown(ctx context.Context) {
	b.mu.Lock()
	links := make([]*Link, 0, len(b.byID))
	for _, l := range b.byID {
		links = append(links, l)
	}
	b.byID = make(map[string]*Link)
	b.byOrder = make(map[string]*Link)
	b.mu.Unlock()

	for _, l := range links {
		if err := b.store.DeactivateLink(ctx, l.ID); err != nil {
			b.logger.Warn("failed to deactivate link record", "link_id", l.ID, "error", err)
		}
		l.close()
	}
}
