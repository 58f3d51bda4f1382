// Package strategy contains the order processing strategies and their registry.
package strategy

import (
	"context"
	"fmt"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
)

// Strategy is polymorphic over one capability: processing an order end to
// end. A failed Process returns a StrategyError and the worker pool's retry
// policy applies.
type Strategy interface {
	Kind() core.OrderKind
	Process(ctx context.Context, order *core.Order) error
}

// Registry maps order kinds to strategies. Registration order is preserved
// so queue and pool construction is deterministic.
type Registry struct {
	strategies map[core.OrderKind]Strategy
	order      []core.OrderKind
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[core.OrderKind]Strategy)}
}

// Register adds a strategy; registering a kind twice replaces the previous
// entry but keeps its position
func (r *Registry) Register(s Strategy) {
	if _, ok := r.strategies[s.Kind()]; !ok {
		r.order = append(r.order, s.Kind())
	}
	r.strategies[s.Kind()] = s
}

// Resolve returns the strategy for a kind
func (r *Registry) Resolve(kind core.OrderKind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownOrderKind, kind)
	}
	return s, nil
}

// Kinds returns registered kinds in registration order
func (r *Registry) Kinds() []core.OrderKind {
	return r.order
}

// Unimplemented is a deliberately unsupported strategy; a registered
// extension point, not a defect. Processing always fails so unsupported
// kinds flow through the normal retry and quarantine path instead of
// looping forever.
type Unimplemented struct {
	kind   core.OrderKind
	reason string
}

// NewUnimplemented creates a placeholder strategy for a kind
func NewUnimplemented(kind core.OrderKind, reason string) *Unimplemented {
	return &Unimplemented{kind: kind, reason: reason}
}

func (u *Unimplemented) Kind() core.OrderKind {
	return u.kind
}

func (u *Unimplemented) Process(ctx context.Context, order *core.Order) error {
	return apperrors.NewStrategyError("unsupported order kind",
		fmt.Errorf("%w: %s", apperrors.ErrNotImplemented, u.reason))
}
