// Package pipeline is the order processing facade: the only entry point the
// outer surfaces use to create orders and to start processing by attaching a
// subscriber.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"order_engine/internal/broadcast"
	"order_engine/internal/core"
	"order_engine/internal/quarantine"
	"order_engine/internal/queue"
	"order_engine/internal/strategy"
	"order_engine/internal/worker"
	apperrors "order_engine/pkg/errors"
	"order_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config holds pipeline tuning knobs
type Config struct {
	Queue          queue.Policy
	MarketWorkers  int
	DefaultWorkers int
	SettleDelay    time.Duration
}

// DefaultConfig matches the production pipeline: 10 market workers, 1 worker
// for every other kind, 800ms settle delay.
func DefaultConfig() Config {
	return Config{
		Queue:          queue.DefaultPolicy,
		MarketWorkers:  10,
		DefaultWorkers: 1,
		SettleDelay:    800 * time.Millisecond,
	}
}

// CreateRequest is the validated input for a new order
type CreateRequest struct {
	TokenIn  string
	TokenOut string
	Amount   decimal.Decimal
	Slippage float64
	Kind     core.OrderKind
}

// Pipeline wires queues, workers, strategies, the broadcaster and the
// quarantine keeper into one facade
type Pipeline struct {
	store    core.IStore
	bus      *broadcast.Broadcaster
	queues   *queue.Manager
	registry *strategy.Registry
	keeper   *quarantine.Keeper
	pools    []*worker.Pool
	logger   core.ILogger
}

// New constructs the pipeline over a store and a set of liquidity sources.
// The market strategy is fully wired; limit and sniper are registered
// extension points that fail into quarantine.
func New(store core.IStore, sources []core.ISource, cfg Config, logger core.ILogger) *Pipeline {
	if cfg.MarketWorkers <= 0 {
		cfg.MarketWorkers = 10
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 1
	}

	bus := broadcast.NewBroadcaster(store, logger)

	registry := strategy.NewRegistry()
	registry.Register(strategy.NewMarketStrategy(store, bus, sources,
		strategy.MarketConfig{SettleDelay: cfg.SettleDelay}, logger))
	registry.Register(strategy.NewUnimplemented(core.KindLimit,
		"limit orders require price monitoring"))
	registry.Register(strategy.NewUnimplemented(core.KindSniper,
		"sniper orders require launch detection"))

	queues := queue.NewManager(cfg.Queue, logger)
	var pools []*worker.Pool
	for _, kind := range registry.Kinds() {
		q := queues.Register(kind)
		n := cfg.DefaultWorkers
		if kind == core.KindMarket {
			n = cfg.MarketWorkers
		}
		pools = append(pools, worker.NewPool(q, registry, n, logger))
	}

	return &Pipeline{
		store:    store,
		bus:      bus,
		queues:   queues,
		registry: registry,
		keeper:   quarantine.NewKeeper(store, queues, logger),
		pools:    pools,
		logger:   logger.WithField("component", "pipeline"),
	}
}

// Run starts the worker pools and the quarantine consumer and blocks until
// the context is cancelled and all in-flight work has drained.
func (p *Pipeline) Run(ctx context.Context) error {
	keeperDone := make(chan error, 1)
	go func() { keeperDone <- p.keeper.Run(ctx) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, pl := range p.pools {
		pool := pl
		g.Go(func() error { return pool.Run(gctx) })
	}
	err := g.Wait()

	// Workers are stopped; closing the queues ends the event stream and
	// lets the keeper drain the tail.
	p.queues.Close()
	kerr := <-keeperDone

	p.bus.Shutdown(context.Background())
	p.logger.Info("pipeline stopped")

	if err != nil {
		return err
	}
	return kerr
}

// CreateOrder validates and persists a new order in the created status. It
// never enqueues; processing starts when a subscriber attaches.
func (p *Pipeline) CreateOrder(ctx context.Context, req CreateRequest) (*core.Order, error) {
	if strings.TrimSpace(req.TokenIn) == "" || strings.TrimSpace(req.TokenOut) == "" {
		return nil, fmt.Errorf("%w: token pair is required", apperrors.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", apperrors.ErrValidation)
	}
	if req.Slippage < 0 || req.Slippage > 1 {
		return nil, fmt.Errorf("%w: slippage must be within [0,1]", apperrors.ErrValidation)
	}
	kind := req.Kind
	if kind == "" {
		kind = core.KindMarket
	}
	if _, err := p.registry.Resolve(kind); err != nil {
		return nil, err
	}

	order := core.NewOrder(core.TradingPair{TokenIn: req.TokenIn, TokenOut: req.TokenOut},
		req.Amount, kind, req.Slippage)
	if err := p.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	telemetry.GetGlobalMetrics().IncOrdersCreated(ctx, string(kind))
	p.logger.Info("order created", "order_id", order.ID, "kind", kind, "pair", order.Pair.String())
	return order, nil
}

// AttachSubscriber binds a new status channel to the order and enqueues it
// for processing. Attaching is the only path that enqueues. The re-entry
// guard refuses orders whose persisted status shows processing already
// started or finished.
func (p *Pipeline) AttachSubscriber(ctx context.Context, orderID string) (*broadcast.Link, error) {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != core.StatusCreated && order.Status != core.StatusPending {
		return nil, fmt.Errorf("%w: status %s", apperrors.ErrOrderAlreadyProcessed, order.Status)
	}

	link, err := p.bus.Attach(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach subscriber: %w", err)
	}

	if err := p.queues.Enqueue(order); err != nil {
		p.bus.Detach(ctx, link.ID)
		return nil, err
	}

	p.logger.Info("subscriber attached, order enqueued", "order_id", orderID, "link_id", link.ID)
	return link, nil
}

// Order loads an order by ID
func (p *Pipeline) Order(ctx context.Context, orderID string) (*core.Order, error) {
	return p.store.GetOrder(ctx, orderID)
}

// DetachSubscriber closes the channel; idempotent
func (p *Pipeline) DetachSubscriber(ctx context.Context, channelID string) {
	p.bus.Detach(ctx, channelID)
}

// Connections returns the order's subscriber link history, newest first
func (p *Pipeline) Connections(ctx context.Context, orderID string) ([]*core.SubscriberLink, error) {
	if _, err := p.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return p.store.ListLinks(ctx, orderID)
}

// Quarantine exposes the inspection and maintenance API
func (p *Pipeline) Quarantine() *quarantine.Keeper {
	return p.keeper
}
