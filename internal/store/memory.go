package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"
)

// MemoryStore implements core.IStore in memory. Used in tests and as a
// stand-in when no database path is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*core.Order
	links       map[string]*core.SubscriberLink
	quarantined []*core.QuarantinedOrder
	nextQID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*core.Order),
		links:   make(map[string]*core.SubscriberLink),
		nextQID: 1,
	}
}

func (s *MemoryStore) SaveOrder(ctx context.Context, order *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID string, status core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !o.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, o.Status, status)
	}
	o.Status = status
	return nil
}

func (s *MemoryStore) ConfirmOrder(ctx context.Context, orderID string, result *core.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !o.Status.CanTransition(core.StatusConfirmed) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, o.Status, core.StatusConfirmed)
	}
	o.Status = core.StatusConfirmed
	o.ExecutedPrice = result.ExecutedPrice
	o.TxRef = result.TxRef
	o.Source = result.Source
	o.LastError = ""
	return nil
}

func (s *MemoryStore) FailOrder(ctx context.Context, orderID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !o.Status.CanTransition(core.StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, o.Status, core.StatusFailed)
	}
	o.Status = core.StatusFailed
	o.LastError = reason
	return nil
}

func (s *MemoryStore) SaveLink(ctx context.Context, link *core.SubscriberLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *link
	s.links[link.ID] = &cp
	return nil
}

func (s *MemoryStore) DeactivateLink(ctx context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok || !l.Active {
		return nil
	}
	now := time.Now().UTC()
	l.Active = false
	l.DisconnectedAt = &now
	return nil
}

func (s *MemoryStore) GetActiveLink(ctx context.Context, orderID string) (*core.SubscriberLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.OrderID == orderID && l.Active {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListLinks(ctx context.Context, orderID string) ([]*core.SubscriberLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.SubscriberLink
	for _, l := range s.links {
		if l.OrderID == orderID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ConnectedAt.After(out[j].ConnectedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveQuarantined(ctx context.Context, rec *core.QuarantinedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ID = s.nextQID
	s.nextQID++
	s.quarantined = append(s.quarantined, &cp)
	return nil
}

func (s *MemoryStore) listQuarantinedLocked() []*core.QuarantinedOrder {
	out := make([]*core.QuarantinedOrder, len(s.quarantined))
	copy(out, s.quarantined)
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out
}

func (s *MemoryStore) ListQuarantined(ctx context.Context, limit, offset int) ([]*core.QuarantinedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	all := s.listQuarantinedLocked()
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ListQuarantinedByReason(ctx context.Context, reason string) ([]*core.QuarantinedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.QuarantinedOrder
	for _, rec := range s.listQuarantinedLocked() {
		if strings.Contains(rec.FailureReason, reason) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountQuarantined(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quarantined), nil
}

func (s *MemoryStore) ClearQuarantined(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.quarantined)
	s.quarantined = nil
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
