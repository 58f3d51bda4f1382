// Package queue implements typed, retryable work queues for order processing.
//
// Each queue owns the retry budget and backoff schedule for its order kind.
// Redelivery is queue-managed: a failed item is parked on a timer and workers
// stay free to process other items. An item handed to a worker holds an
// in-flight lease and cannot be delivered again until it is acked or failed.
package queue

import (
	"fmt"
	"sync"
	"time"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
)

// Policy controls the retry budget and backoff schedule of a queue
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultPolicy matches the production budget: 3 attempts, exponential backoff
// starting at 2 seconds
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseBackoff: 2 * time.Second,
}

// Delay returns the redelivery delay after the given number of attempts made.
// Exponential, doubling per attempt: base, 2*base, 4*base, ...
func (p Policy) Delay(attemptsMade int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}

// EventType classifies queue lifecycle events
type EventType int

const (
	EventReady EventType = iota
	EventCompleted
	EventFailed
	EventExhausted
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is emitted on the manager's event stream for every queue outcome.
// Exhaustion detection happens only here; the quarantine consumer subscribes
// to this stream.
type Event struct {
	Type EventType
	Kind core.OrderKind
	Item *Item
	Err  error
	At   time.Time
}

// Item is a unit of queued work plus its delivery bookkeeping
type Item struct {
	Order      *core.Order
	Attempts   int // delivery attempts made so far
	LastErr    error
	EnqueuedAt time.Time
}

// Delivery leases an item to exactly one worker. The worker must call Ack or
// Fail exactly once; both are idempotent after the first call.
type Delivery struct {
	Item *Item
	q    *Queue
	done bool
}

// Ack marks the item completed and releases the lease
func (d *Delivery) Ack() {
	d.q.complete(d)
}

// Fail records a failed attempt. The queue either schedules a redelivery
// after the backoff delay or, when the attempt budget is spent, emits an
// exhausted event and parks the item for the quarantine path.
func (d *Delivery) Fail(err error) {
	d.q.fail(d, err)
}

// completedRetention bounds how many completed items a queue keeps around for
// the stats endpoint
const completedRetention = 10

// Queue is a single-kind work queue with scheduled redelivery
type Queue struct {
	kind   core.OrderKind
	policy Policy
	ready  chan *Delivery
	emit   func(Event)

	mu        sync.Mutex
	inflight  map[string]*Item
	timers    map[string]*time.Timer
	completed []*Item
	exhausted []*Item
	closed    bool
}

func newQueue(kind core.OrderKind, policy Policy, emit func(Event)) *Queue {
	return &Queue{
		kind:     kind,
		policy:   policy,
		ready:    make(chan *Delivery, 1024),
		emit:     emit,
		inflight: make(map[string]*Item),
		timers:   make(map[string]*time.Timer),
	}
}

// Kind returns the order kind this queue serves
func (q *Queue) Kind() core.OrderKind {
	return q.kind
}

// Deliveries returns the channel workers consume from. The channel closes
// when the queue closes.
func (q *Queue) Deliveries() <-chan *Delivery {
	return q.ready
}

// Enqueue adds an order as a fresh item with zero attempts made
func (q *Queue) Enqueue(order *core.Order) error {
	return q.dispatch(&Item{Order: order, EnqueuedAt: time.Now().UTC()})
}

// dispatch makes an item available to workers and starts its in-flight lease.
// An order already leased to a worker or parked for redelivery cannot be
// dispatched again; the lease covers the whole retry cycle.
func (q *Queue) dispatch(item *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return apperrors.ErrQueueClosed
	}
	id := item.Order.ID
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return fmt.Errorf("%w: order %s is being processed", apperrors.ErrOrderAlreadyProcessed, id)
	}
	if _, parked := q.timers[id]; parked {
		q.mu.Unlock()
		return fmt.Errorf("%w: order %s is awaiting redelivery", apperrors.ErrOrderAlreadyProcessed, id)
	}
	item.Attempts++
	q.inflight[item.Order.ID] = item
	d := &Delivery{Item: item, q: q}

	select {
	case q.ready <- d:
		q.mu.Unlock()
		return nil
	default:
		item.Attempts--
		delete(q.inflight, item.Order.ID)
		q.mu.Unlock()
		return apperrors.ErrQueueFull
	}
}

func (q *Queue) complete(d *Delivery) {
	q.mu.Lock()
	if d.done {
		q.mu.Unlock()
		return
	}
	d.done = true
	delete(q.inflight, d.Item.Order.ID)
	q.completed = append(q.completed, d.Item)
	if len(q.completed) > completedRetention {
		q.completed = q.completed[len(q.completed)-completedRetention:]
	}
	q.mu.Unlock()

	q.emit(Event{Type: EventCompleted, Kind: q.kind, Item: d.Item, At: time.Now().UTC()})
}

func (q *Queue) fail(d *Delivery, err error) {
	q.mu.Lock()
	if d.done {
		q.mu.Unlock()
		return
	}
	d.done = true
	item := d.Item
	item.LastErr = err
	delete(q.inflight, item.Order.ID)

	if item.Attempts >= q.policy.MaxAttempts {
		q.exhausted = append(q.exhausted, item)
		q.mu.Unlock()
		q.emit(Event{Type: EventExhausted, Kind: q.kind, Item: item, Err: err, At: time.Now().UTC()})
		return
	}

	if !q.closed {
		delay := q.policy.Delay(item.Attempts)
		q.timers[item.Order.ID] = time.AfterFunc(delay, func() { q.redeliver(item) })
	}
	q.mu.Unlock()

	q.emit(Event{Type: EventFailed, Kind: q.kind, Item: item, Err: err, At: time.Now().UTC()})
}

func (q *Queue) redeliver(item *Item) {
	q.mu.Lock()
	delete(q.timers, item.Order.ID)
	if q.closed {
		q.mu.Unlock()
		return
	}
	item.Attempts++
	q.inflight[item.Order.ID] = item
	d := &Delivery{Item: item, q: q}

	select {
	case q.ready <- d:
		q.mu.Unlock()
	default:
		// Ready buffer full, park and try again shortly
		item.Attempts--
		delete(q.inflight, item.Order.ID)
		q.timers[item.Order.ID] = time.AfterFunc(100*time.Millisecond, func() { q.redeliver(item) })
		q.mu.Unlock()
	}
}

// ClearExhausted drops items that exhausted their budget but were not yet
// cleared, returning how many were removed
func (q *Queue) ClearExhausted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.exhausted)
	q.exhausted = nil
	return n
}

// Stats is a point-in-time snapshot of queue occupancy
type Stats struct {
	Waiting   int `json:"waiting"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Exhausted int `json:"exhausted"`
}

// Snapshot returns queue occupancy counts
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   len(q.timers),
		InFlight:  len(q.inflight),
		Completed: len(q.completed),
		Exhausted: len(q.exhausted),
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.ready)
	q.mu.Unlock()
}
