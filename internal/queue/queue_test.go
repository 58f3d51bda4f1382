package queue

import (
	"errors"
	"testing"
	"time"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
	"order_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(kind core.OrderKind) *core.Order {
	pair := core.TradingPair{TokenIn: "SOL", TokenOut: "USDC"}
	return core.NewOrder(pair, decimal.NewFromInt(10), kind, 0.01)
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseBackoff: 2 * time.Second}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestQueueAckCompletes(t *testing.T) {
	events := make(chan Event, 16)
	q := newQueue(core.KindMarket, fastPolicy(), func(ev Event) { events <- ev })
	defer q.close()

	require.NoError(t, q.Enqueue(newTestOrder(core.KindMarket)))

	d := <-q.Deliveries()
	assert.Equal(t, 1, d.Item.Attempts)
	d.Ack()

	ev := <-events
	assert.Equal(t, EventCompleted, ev.Type)
	assert.Equal(t, core.KindMarket, ev.Kind)

	stats := q.Snapshot()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.Completed)
}

func TestQueueRetryThenExhaust(t *testing.T) {
	events := make(chan Event, 16)
	q := newQueue(core.KindMarket, fastPolicy(), func(ev Event) { events <- ev })
	defer q.close()

	require.NoError(t, q.Enqueue(newTestOrder(core.KindMarket)))
	cause := errors.New("network congestion")

	// First two failures schedule redeliveries with growing attempt counts.
	for want := 1; want <= 2; want++ {
		d := <-q.Deliveries()
		assert.Equal(t, want, d.Item.Attempts)
		d.Fail(cause)

		ev := <-events
		assert.Equal(t, EventFailed, ev.Type)
		assert.Equal(t, cause, ev.Err)
	}

	// Third failure spends the budget.
	d := <-q.Deliveries()
	assert.Equal(t, 3, d.Item.Attempts)
	d.Fail(cause)

	ev := <-events
	assert.Equal(t, EventExhausted, ev.Type)
	assert.Equal(t, 3, ev.Item.Attempts)
	assert.Equal(t, cause, ev.Err)

	stats := q.Snapshot()
	assert.Equal(t, 1, stats.Exhausted)
	assert.Equal(t, 0, stats.InFlight)

	// No further redelivery after exhaustion.
	select {
	case d := <-q.Deliveries():
		t.Fatalf("unexpected redelivery after exhaustion: attempts=%d", d.Item.Attempts)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestQueueBackoffDelaysRedelivery(t *testing.T) {
	events := make(chan Event, 16)
	q := newQueue(core.KindMarket, Policy{MaxAttempts: 3, BaseBackoff: 80 * time.Millisecond},
		func(ev Event) { events <- ev })
	defer q.close()

	require.NoError(t, q.Enqueue(newTestOrder(core.KindMarket)))

	d := <-q.Deliveries()
	start := time.Now()
	d.Fail(errors.New("boom"))

	d = <-q.Deliveries()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	d.Ack()
}

func TestDeliveryAckFailIdempotent(t *testing.T) {
	events := make(chan Event, 16)
	q := newQueue(core.KindMarket, fastPolicy(), func(ev Event) { events <- ev })
	defer q.close()

	require.NoError(t, q.Enqueue(newTestOrder(core.KindMarket)))

	d := <-q.Deliveries()
	d.Ack()
	d.Ack()
	d.Fail(errors.New("late failure"))

	ev := <-events
	assert.Equal(t, EventCompleted, ev.Type)

	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueRejectsDuplicateEnqueue(t *testing.T) {
	events := make(chan Event, 16)
	q := newQueue(core.KindMarket, fastPolicy(), func(ev Event) { events <- ev })
	defer q.close()

	order := newTestOrder(core.KindMarket)
	require.NoError(t, q.Enqueue(order))

	// Leased to a worker: a second enqueue of the same order must not create
	// a competing delivery.
	err := q.Enqueue(order)
	assert.ErrorIs(t, err, apperrors.ErrOrderAlreadyProcessed)

	// Parked for redelivery after a failure: still busy.
	d := <-q.Deliveries()
	d.Fail(errors.New("transient"))
	err = q.Enqueue(order)
	assert.ErrorIs(t, err, apperrors.ErrOrderAlreadyProcessed)

	// The redelivery itself still happens.
	d = <-q.Deliveries()
	assert.Equal(t, 2, d.Item.Attempts)
	d.Ack()

	// Acked and released: the order may be enqueued again.
	assert.NoError(t, q.Enqueue(order))
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q := newQueue(core.KindMarket, fastPolicy(), func(Event) {})
	q.close()

	err := q.Enqueue(newTestOrder(core.KindMarket))
	assert.ErrorIs(t, err, apperrors.ErrQueueClosed)
}

func TestManagerRoutesByKind(t *testing.T) {
	m := NewManager(fastPolicy(), logging.NewNop())
	defer m.Close()

	mq := m.Register(core.KindMarket)
	lq := m.Register(core.KindLimit)

	require.NoError(t, m.Enqueue(newTestOrder(core.KindMarket)))
	require.NoError(t, m.Enqueue(newTestOrder(core.KindLimit)))

	d := <-mq.Deliveries()
	assert.Equal(t, core.KindMarket, d.Item.Order.Kind)
	d.Ack()

	d = <-lq.Deliveries()
	assert.Equal(t, core.KindLimit, d.Item.Order.Kind)
	d.Ack()
}

func TestManagerEnqueueUnknownKind(t *testing.T) {
	m := NewManager(fastPolicy(), logging.NewNop())
	defer m.Close()

	err := m.Enqueue(newTestOrder(core.KindSniper))
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrderKind)
}

func TestManagerEmitsExhaustedEvent(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 1, BaseBackoff: 10 * time.Millisecond}, logging.NewNop())
	q := m.Register(core.KindMarket)

	require.NoError(t, m.Enqueue(newTestOrder(core.KindMarket)))
	d := <-q.Deliveries()
	d.Fail(errors.New("unrecoverable"))

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventExhausted {
				assert.Equal(t, 1, ev.Item.Attempts)
				m.Close()
				return
			}
		case <-deadline:
			t.Fatal("exhausted event never arrived")
		}
	}
}

func TestManagerClearExhausted(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 1, BaseBackoff: 10 * time.Millisecond}, logging.NewNop())
	defer m.Close()

	q := m.Register(core.KindMarket)
	require.NoError(t, m.Enqueue(newTestOrder(core.KindMarket)))
	d := <-q.Deliveries()
	d.Fail(errors.New("unrecoverable"))

	assert.Equal(t, 1, m.ClearExhausted())
	assert.Equal(t, 0, m.ClearExhausted())
}
