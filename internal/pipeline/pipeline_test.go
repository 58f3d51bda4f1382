package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"order_engine/internal/broadcast"
	"order_engine/internal/core"
	"order_engine/internal/provider"
	"order_engine/internal/queue"
	"order_engine/internal/store"
	apperrors "order_engine/pkg/errors"
	"order_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig shrinks retry and settle delays so exhaustion happens quickly
func fastConfig() Config {
	return Config{
		Queue:          queue.Policy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond},
		MarketWorkers:  10,
		DefaultWorkers: 1,
		SettleDelay:    time.Millisecond,
	}
}

func fastSources(failAt int64) []core.ISource {
	var at decimal.Decimal
	if failAt > 0 {
		at = decimal.NewFromInt(failAt)
	}
	return []core.ISource{
		provider.NewMockSource(provider.MockConfig{
			Name: "Raydium", Fee: 0.003, VarianceLow: 0.98, VarianceHigh: 1.02,
			FailAtAmount: at, Seed: 1,
		}),
		provider.NewMockSource(provider.MockConfig{
			Name: "Meteora", Fee: 0.002, VarianceLow: 0.97, VarianceHigh: 1.02,
			FailAtAmount: at, Seed: 2,
		}),
	}
}

type runningPipeline struct {
	*Pipeline
	store  *store.MemoryStore
	cancel context.CancelFunc
	done   chan error
}

func startPipeline(t *testing.T, failAt int64) *runningPipeline {
	t.Helper()
	st := store.NewMemoryStore()
	p := New(st, fastSources(failAt), fastConfig(), logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	rp := &runningPipeline{Pipeline: p, store: st, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	return rp
}

func validRequest(amount int64) CreateRequest {
	return CreateRequest{
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   decimal.NewFromInt(amount),
		Slippage: 0.01,
		Kind:     core.KindMarket,
	}
}

func TestCreateOrderValidation(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*CreateRequest)
	}{
		{"missing token in", func(r *CreateRequest) { r.TokenIn = "" }},
		{"missing token out", func(r *CreateRequest) { r.TokenOut = " " }},
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *CreateRequest) { r.Amount = decimal.NewFromInt(-1) }},
		{"slippage below zero", func(r *CreateRequest) { r.Slippage = -0.1 }},
		{"slippage above one", func(r *CreateRequest) { r.Slippage = 1.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(10)
			tc.mut(&req)
			_, err := p.CreateOrder(ctx, req)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestCreateOrderUnknownKind(t *testing.T) {
	p := startPipeline(t, 0)

	req := validRequest(10)
	req.Kind = core.OrderKind("weird")
	_, err := p.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrderKind)
}

func TestCreateOrderDoesNotStartProcessing(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, validRequest(10))
	require.NoError(t, err)
	assert.Equal(t, core.StatusCreated, order.Status)

	// No subscriber attached: the order must stay put.
	time.Sleep(100 * time.Millisecond)
	stored, err := p.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCreated, stored.Status)
}

func TestAttachSubscriberGuards(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	_, err := p.AttachSubscriber(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestAttachSubscriberRefusesSecondEnqueue(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, validRequest(10))
	require.NoError(t, err)

	link, err := p.AttachSubscriber(ctx, order.ID)
	require.NoError(t, err)

	// A second attach races the first worker: either the persisted status
	// already moved past pending, or the queue still holds the in-flight
	// lease. Both refuse with the same error. The order must be processed
	// exactly once.
	_, err = p.AttachSubscriber(ctx, order.ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderAlreadyProcessed)

	for range link.Events() {
	}

	stored, err := p.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusConfirmed, stored.Status)
}

func TestHappyPathEndToEnd(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, validRequest(10))
	require.NoError(t, err)

	link, err := p.AttachSubscriber(ctx, order.ID)
	require.NoError(t, err)

	var statuses []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-link.Events():
			if !ok {
				goto drained
			}
			if ev.Type == broadcast.TypeStatus {
				statuses = append(statuses, ev.Status)
			}
		case <-deadline:
			t.Fatalf("timed out, statuses so far: %v", statuses)
		}
	}
drained:
	assert.Equal(t, []string{"pending", "routing", "building", "submitted", "confirmed"}, statuses)

	stored, err := p.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusConfirmed, stored.Status)
	assert.NotEmpty(t, stored.TxRef)
	assert.NotEmpty(t, stored.Source)

	// A confirmed order refuses re-attachment.
	_, err = p.AttachSubscriber(ctx, order.ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderAlreadyProcessed)
}

func TestRetryExhaustionQuarantinesOrder(t *testing.T) {
	p := startPipeline(t, 999)
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, validRequest(999))
	require.NoError(t, err)

	link, err := p.AttachSubscriber(ctx, order.ID)
	require.NoError(t, err)

	// The first failed attempt notifies and releases the subscriber.
	sawFailure := false
	deadline := time.After(5 * time.Second)
	for !sawFailure {
		select {
		case ev, ok := <-link.Events():
			if !ok {
				sawFailure = true
				break
			}
			if ev.Type == broadcast.TypeStatus && ev.Status == "failed" {
				sawFailure = true
			}
		case <-deadline:
			t.Fatal("never saw a failure event")
		}
	}

	// All three attempts burn down, then the order lands in quarantine.
	var recs []*core.QuarantinedOrder
	require.Eventually(t, func() bool {
		recs, err = p.Quarantine().List(ctx, 10, 0)
		require.NoError(t, err)
		return len(recs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec := recs[0]
	assert.Equal(t, order.ID, rec.OrderID)
	assert.Equal(t, 3, rec.AttemptsMade)
	assert.Contains(t, rec.FailureReason, "temporarily unavailable")
	assert.NotContains(t, rec.FailureReason, "routing failed")
	assert.NotEmpty(t, rec.OriginalOrder)

	stored, err := p.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)

	stats, err := p.Quarantine().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantined)

	cleared, err := p.Quarantine().ClearAll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cleared, 1)
}

func TestUnimplementedKindFlowsToQuarantine(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, CreateRequest{
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   decimal.NewFromInt(5),
		Slippage: 0.01,
		Kind:     core.KindLimit,
	})
	require.NoError(t, err)

	_, err = p.AttachSubscriber(ctx, order.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, lerr := p.Quarantine().ListByReason(ctx, "not implemented")
		require.NoError(t, lerr)
		return len(recs) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConcurrentMarketOrders(t *testing.T) {
	p := startPipeline(t, 0)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		order, err := p.CreateOrder(ctx, validRequest(10))
		require.NoError(t, err)
		ids[i] = order.ID

		link, err := p.AttachSubscriber(ctx, order.ID)
		require.NoError(t, err)

		wg.Add(1)
		go func(l *broadcast.Link) {
			defer wg.Done()
			for range l.Events() {
			}
		}(link)
	}
	wg.Wait()

	for _, id := range ids {
		stored, err := p.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusConfirmed, stored.Status)
	}
}
