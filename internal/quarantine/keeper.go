// Package quarantine consumes queue events and records orders that exhausted
// their retry budget, plus the operational inspection API over those records.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"

	"order_engine/internal/core"
	"order_engine/internal/queue"
	apperrors "order_engine/pkg/errors"
	"order_engine/pkg/telemetry"
)

// Keeper is the dead-letter consumer. It subscribes to the queue event
// stream; exhaustion detection happens only there, never by polling.
type Keeper struct {
	store  core.IStore
	queues *queue.Manager
	logger core.ILogger
}

// NewKeeper creates a quarantine keeper over the manager's event stream
func NewKeeper(store core.IStore, queues *queue.Manager, logger core.ILogger) *Keeper {
	return &Keeper{
		store:  store,
		queues: queues,
		logger: logger.WithField("component", "quarantine"),
	}
}

// Run consumes queue events until the event stream closes. It keeps draining
// after context cancellation so no exhausted event emitted during shutdown is
// lost; the queue manager closes the stream once workers have stopped.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("quarantine consumer ready")
	for ev := range k.queues.Events() {
		switch ev.Type {
		case queue.EventExhausted:
			k.quarantine(ev)
		case queue.EventFailed:
			telemetry.GetGlobalMetrics().IncRetryAttempts(context.Background(), string(ev.Kind))
			k.logger.Info("order scheduled for redelivery",
				"order_id", ev.Item.Order.ID,
				"kind", ev.Kind,
				"attempts", ev.Item.Attempts,
				"error", ev.Err)
		case queue.EventCompleted:
			k.logger.Debug("order completed", "order_id", ev.Item.Order.ID, "kind", ev.Kind)
		case queue.EventReady:
			k.logger.Debug("queue ready", "kind", ev.Kind)
		}
	}
	return nil
}

// failureText strips the strategy wrapper so records carry the raw upstream
// message, matching what FailOrder persisted on the order itself
func failureText(err error) string {
	if err == nil {
		return ""
	}
	var se *apperrors.StrategyError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}

func (k *Keeper) quarantine(ev queue.Event) {
	item := ev.Item
	reason := failureText(ev.Err)
	lastErr := reason
	if item.LastErr != nil {
		lastErr = failureText(item.LastErr)
	}

	payload, err := json.Marshal(item.Order)
	if err != nil {
		k.logger.Error("failed to serialize order payload", "order_id", item.Order.ID, "error", err)
		payload = []byte("{}")
	}

	rec := &core.QuarantinedOrder{
		OrderID:       item.Order.ID,
		OriginalOrder: string(payload),
		FailureReason: reason,
		AttemptsMade:  item.Attempts,
		FailedAt:      ev.At,
		LastError:     lastErr,
	}

	// Shutdown must not lose the record; detached context on purpose.
	if err := k.store.SaveQuarantined(context.Background(), rec); err != nil {
		k.logger.Error("failed to store quarantine record",
			"order_id", item.Order.ID, "error", err)
		return
	}

	telemetry.GetGlobalMetrics().IncOrdersQuarantined(context.Background(), string(ev.Kind))
	k.logger.Warn("order quarantined",
		"order_id", item.Order.ID,
		"kind", ev.Kind,
		"attempts", item.Attempts,
		"reason", reason)
}

// List returns quarantined orders, newest first
func (k *Keeper) List(ctx context.Context, limit, offset int) ([]*core.QuarantinedOrder, error) {
	return k.store.ListQuarantined(ctx, limit, offset)
}

// ListByReason returns quarantined orders whose failure reason contains the
// given substring, newest first
func (k *Keeper) ListByReason(ctx context.Context, reason string) ([]*core.QuarantinedOrder, error) {
	return k.store.ListQuarantinedByReason(ctx, reason)
}

// Stats summarizes quarantine records and live queue occupancy
type Stats struct {
	Quarantined int                        `json:"quarantined"`
	Queues      map[core.OrderKind]queue.Stats `json:"queues"`
}

// Stats reports quarantine record count plus per-queue occupancy
func (k *Keeper) Stats(ctx context.Context) (*Stats, error) {
	n, err := k.store.CountQuarantined(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Quarantined: n, Queues: k.queues.Stats()}, nil
}

// ClearAll removes every stored quarantine record and any retry-exhausted
// queue residue
func (k *Keeper) ClearAll(ctx context.Context) (int, error) {
	cleared, err := k.store.ClearQuarantined(ctx)
	if err != nil {
		return 0, err
	}
	cleared += k.queues.ClearExhausted()
	return cleared, nil
}

// ClearExhausted removes only retry-exhausted queue residue, keeping stored
// quarantine records
func (k *Keeper) ClearExhausted(ctx context.Context) int {
	return k.queues.ClearExhausted()
}
