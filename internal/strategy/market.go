package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_engine/internal/broadcast"
	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
	"order_engine/pkg/telemetry"
)

// MarketConfig configures the market strategy
type MarketConfig struct {
	// SettleDelay models transaction assembly time during the building step
	SettleDelay time.Duration
}

// MarketStrategy executes an order at the best currently available price.
// It drives the order state machine pending -> routing -> building ->
// submitted -> confirmed, persisting each transition before broadcasting it.
type MarketStrategy struct {
	store   core.IStore
	bus     *broadcast.Broadcaster
	sources []core.ISource // registration order is the quote tie-break order
	cfg     MarketConfig
	logger  core.ILogger
}

// NewMarketStrategy creates the market strategy over the given liquidity
// sources
func NewMarketStrategy(store core.IStore, bus *broadcast.Broadcaster, sources []core.ISource, cfg MarketConfig, logger core.ILogger) *MarketStrategy {
	return &MarketStrategy{
		store:   store,
		bus:     bus,
		sources: sources,
		cfg:     cfg,
		logger:  logger.WithField("strategy", "market"),
	}
}

func (s *MarketStrategy) Kind() core.OrderKind {
	return core.KindMarket
}

func (s *MarketStrategy) Process(ctx context.Context, order *core.Order) error {
	start := time.Now()

	// Resolve the live subscriber channel, if any. Sends to a missing
	// channel are silent no-ops.
	channelID := ""
	if link, err := s.store.GetActiveLink(ctx, order.ID); err != nil {
		s.logger.Warn("failed to look up subscriber link", "order_id", order.ID, "error", err)
	} else if link != nil {
		channelID = link.ID
	}

	step := func(status core.Status, fields map[string]interface{}) error {
		if err := s.store.UpdateOrderStatus(ctx, order.ID, status); err != nil {
			return err
		}
		if fields == nil {
			fields = make(map[string]interface{}, 1)
		}
		fields["order_id"] = order.ID
		s.bus.Send(channelID, broadcast.StatusEvent(status, fields))
		return nil
	}

	fail := func(cause string, err error) error {
		s.logger.Warn("market order failed", "order_id", order.ID, "cause", cause, "error", err)
		if perr := s.store.FailOrder(ctx, order.ID, err.Error()); perr != nil {
			s.logger.Error("failed to persist failure", "order_id", order.ID, "error", perr)
		}
		s.bus.Send(channelID, broadcast.StatusEvent(core.StatusFailed, map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
			"message":  "order execution failed",
		}))
		s.bus.Detach(ctx, channelID)
		telemetry.GetGlobalMetrics().IncOrdersFailed(ctx, string(order.Kind))
		if apperrors.IsStrategyError(err) {
			return err
		}
		return apperrors.NewStrategyError(cause, err)
	}

	// 1. Order picked up
	if err := step(core.StatusPending, nil); err != nil {
		return fail("failed to mark order pending", err)
	}

	// 2. Route: quote every source concurrently, pick the best net price
	if err := step(core.StatusRouting, map[string]interface{}{
		"message": "comparing liquidity source prices",
	}); err != nil {
		return fail("failed to mark order routing", err)
	}

	best, err := s.bestQuote(ctx, order)
	if err != nil {
		return fail("routing failed", err)
	}

	// 3. Build the transaction on the winning source
	if err := step(core.StatusBuilding, map[string]interface{}{
		"selected_source": best.Source,
		"estimated_price": best.Price,
		"message":         fmt.Sprintf("building transaction on %s", best.Source),
	}); err != nil {
		return fail("failed to mark order building", err)
	}
	if s.cfg.SettleDelay > 0 {
		t := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fail("build interrupted", ctx.Err())
		case <-t.C:
		}
	}

	// 4. Submit
	if err := step(core.StatusSubmitted, map[string]interface{}{
		"source":  best.Source,
		"message": "transaction submitted",
	}); err != nil {
		return fail("failed to mark order submitted", err)
	}

	// 5. Execute on the winning source
	src := s.sourceByName(best.Source)
	if src == nil {
		return fail("execution failed", fmt.Errorf("source %s no longer configured", best.Source))
	}
	result, err := src.Execute(ctx, order, best)
	if err != nil {
		return fail("execution failed", err)
	}

	// 6. Confirm and release the subscriber
	if err := s.store.ConfirmOrder(ctx, order.ID, result); err != nil {
		return fail("failed to persist confirmation", err)
	}
	s.bus.Send(channelID, broadcast.StatusEvent(core.StatusConfirmed, map[string]interface{}{
		"order_id":       order.ID,
		"tx_ref":         result.TxRef,
		"executed_price": result.ExecutedPrice,
		"source":         result.Source,
		"token_in":       order.Pair.TokenIn,
		"token_out":      order.Pair.TokenOut,
		"amount":         order.Amount,
		"message":        fmt.Sprintf("swap completed on %s", result.Source),
	}))
	s.bus.Detach(ctx, channelID)

	metrics := telemetry.GetGlobalMetrics()
	metrics.IncOrdersConfirmed(ctx, string(order.Kind))
	metrics.ObserveProcessingLatency(ctx, string(order.Kind), time.Since(start).Seconds())

	s.logger.Info("market order confirmed",
		"order_id", order.ID,
		"source", result.Source,
		"executed_price", result.ExecutedPrice,
		"tx_ref", result.TxRef)
	return nil
}

// bestQuote fans out to every source concurrently and selects the highest
// net price (price after fees). Ties go to the source registered first. If
// every source fails the first source's error propagates.
func (s *MarketStrategy) bestQuote(ctx context.Context, order *core.Order) (*core.Quote, error) {
	type result struct {
		quote *core.Quote
		err   error
	}
	results := make([]result, len(s.sources))

	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src core.ISource) {
			defer wg.Done()
			q, err := src.Quote(ctx, order.Pair, order.Amount)
			results[i] = result{quote: q, err: err}
		}(i, src)
	}
	wg.Wait()

	var best *core.Quote
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if best == nil || r.quote.NetPrice().GreaterThan(best.NetPrice()) {
			best = r.quote
		}
	}

	if best == nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("no liquidity sources configured")
		}
		return nil, firstErr
	}
	return best, nil
}

func (s *MarketStrategy) sourceByName(name string) core.ISource {
	for _, src := range s.sources {
		if src.Name() == name {
			return src
		}
	}
	return nil
}
