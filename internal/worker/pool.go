// Package worker consumes typed work queues and dispatches orders to their
// registered strategies.
package worker

import (
	"context"

	"order_engine/internal/core"
	"order_engine/internal/queue"
	"order_engine/internal/strategy"
	"order_engine/pkg/concurrency"
)

// Pool runs N concurrent workers against one queue. Each delivery is
// processed by exactly one worker end to end; the queue's in-flight lease
// excludes redelivery while an item is owned here.
type Pool struct {
	queue    *queue.Queue
	registry *strategy.Registry
	workers  *concurrency.WorkerPool
	logger   core.ILogger
}

// NewPool creates a pool of `workers` consumers for the queue's kind
func NewPool(q *queue.Queue, registry *strategy.Registry, workers int, logger core.ILogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:    q,
		registry: registry,
		workers: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "orders-" + string(q.Kind()),
			MaxWorkers:  workers,
			MaxCapacity: workers * 4,
		}, logger),
		logger: logger.WithField("component", "worker_pool").WithField("kind", q.Kind()),
	}
}

// Run consumes deliveries until the context is cancelled or the queue
// closes, then drains in-flight work.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool ready")
	defer p.workers.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-p.queue.Deliveries():
			if !ok {
				return nil
			}
			delivery := d
			if err := p.workers.Submit(func() { p.process(ctx, delivery) }); err != nil {
				delivery.Fail(err)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	order := d.Item.Order
	log := p.logger.WithField("order_id", order.ID)

	st, err := p.registry.Resolve(order.Kind)
	if err != nil {
		log.Error("no strategy for queued order", "error", err)
		d.Fail(err)
		return
	}

	log.Info("processing order", "attempt", d.Item.Attempts)
	if err := st.Process(ctx, order); err != nil {
		log.Warn("processing attempt failed", "attempt", d.Item.Attempts, "error", err)
		d.Fail(err)
		return
	}
	d.Ack()
}
