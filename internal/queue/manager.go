package queue

import (
	"fmt"
	"time"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
)

// Manager owns one queue per registered order kind plus the shared event
// stream the quarantine path consumes.
type Manager struct {
	policy Policy
	queues map[core.OrderKind]*Queue
	order  []core.OrderKind
	events chan Event
	logger core.ILogger
}

// NewManager creates a manager with the given retry policy
func NewManager(policy Policy, logger core.ILogger) *Manager {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}
	return &Manager{
		policy: policy,
		queues: make(map[core.OrderKind]*Queue),
		events: make(chan Event, 256),
		logger: logger.WithField("component", "queue_manager"),
	}
}

// Register creates the queue for an order kind. Must be called before Enqueue
// or workers start consuming; registration is not safe concurrently with use.
func (m *Manager) Register(kind core.OrderKind) *Queue {
	if q, ok := m.queues[kind]; ok {
		return q
	}
	q := newQueue(kind, m.policy, m.emit)
	m.queues[kind] = q
	m.order = append(m.order, kind)
	m.emit(Event{Type: EventReady, Kind: kind, At: time.Now().UTC()})
	m.logger.Info("queue registered", "kind", kind, "max_attempts", m.policy.MaxAttempts)
	return q
}

// Queue returns the queue for a kind
func (m *Manager) Queue(kind core.OrderKind) (*Queue, bool) {
	q, ok := m.queues[kind]
	return q, ok
}

// Kinds returns registered kinds in registration order
func (m *Manager) Kinds() []core.OrderKind {
	return m.order
}

// Enqueue routes an order to its typed queue
func (m *Manager) Enqueue(order *core.Order) error {
	q, ok := m.queues[order.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownOrderKind, order.Kind)
	}
	return q.Enqueue(order)
}

// Events returns the shared event stream. The channel closes when the
// manager closes, after all queues have stopped emitting.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emit publishes a queue event. Exhausted events block until consumed: they
// are the only trigger for quarantine records and must not be lost. All other
// event types are best-effort.
func (m *Manager) emit(ev Event) {
	if ev.Type == EventExhausted {
		m.events <- ev
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event stream full, dropping event", "type", ev.Type.String(), "kind", ev.Kind)
	}
}

// Stats returns occupancy snapshots for every queue
func (m *Manager) Stats() map[core.OrderKind]Stats {
	out := make(map[core.OrderKind]Stats, len(m.queues))
	for kind, q := range m.queues {
		out[kind] = q.Snapshot()
	}
	return out
}

// ClearExhausted drops retry-exhausted residue across all queues
func (m *Manager) ClearExhausted() int {
	n := 0
	for _, q := range m.queues {
		n += q.ClearExhausted()
	}
	return n
}

// Close stops all queues and closes the event stream. Callers must have
// stopped the worker pools first so no delivery outcome is still in flight.
func (m *Manager) Close() {
	for _, kind := range m.order {
		m.queues[kind].close()
	}
	close(m.events)
}
