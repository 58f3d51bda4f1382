// Package provider implements liquidity sources that quote and execute orders.
package provider

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"order_engine/internal/core"

	"github.com/shopspring/decimal"
)

// DefaultBasePrices returns the simulated base price table keyed by "IN-OUT"
func DefaultBasePrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"SOL-USDC": decimal.NewFromFloat(95.50),
		"USDC-SOL": decimal.NewFromFloat(0.0105),
		"SOL-USDT": decimal.NewFromFloat(95.30),
		"USDT-SOL": decimal.NewFromFloat(0.0105),
	}
}

// MockConfig configures a simulated liquidity source
type MockConfig struct {
	Name         string
	Fee          float64 // fee fraction, e.g. 0.003
	VarianceLow  float64 // lower bound of the price variance band, e.g. 0.98
	VarianceHigh float64 // upper bound, e.g. 1.02
	QuoteLatency time.Duration
	ExecLatency  time.Duration
	// FailAtAmount makes Quote and Execute fail for amounts at or above the
	// threshold. Zero disables the knob.
	FailAtAmount decimal.Decimal
	BasePrices   map[string]decimal.Decimal
	Seed         int64
}

// MockSource simulates a DEX liquidity source with configurable fees,
// variance and a deterministic failure knob. All randomness comes from the
// seeded generator so executions are reproducible in tests.
type MockSource struct {
	cfg MockConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockSource creates a simulated source
func NewMockSource(cfg MockConfig) *MockSource {
	if cfg.BasePrices == nil {
		cfg.BasePrices = DefaultBasePrices()
	}
	if cfg.VarianceLow == 0 && cfg.VarianceHigh == 0 {
		cfg.VarianceLow, cfg.VarianceHigh = 0.98, 1.02
	}
	return &MockSource{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// NewDefaultSources returns the two stock simulated sources in registration
// order: Raydium (0.3% fee, 98-102% variance) then Meteora (0.2% fee,
// 97-102% variance).
func NewDefaultSources(failAt decimal.Decimal, seed int64) []core.ISource {
	return []core.ISource{
		NewMockSource(MockConfig{
			Name:         "Raydium",
			Fee:          0.003,
			VarianceLow:  0.98,
			VarianceHigh: 1.02,
			QuoteLatency: 200 * time.Millisecond,
			ExecLatency:  2 * time.Second,
			FailAtAmount: failAt,
			Seed:         seed,
		}),
		NewMockSource(MockConfig{
			Name:         "Meteora",
			Fee:          0.002,
			VarianceLow:  0.97,
			VarianceHigh: 1.02,
			QuoteLatency: 200 * time.Millisecond,
			ExecLatency:  2 * time.Second,
			FailAtAmount: failAt,
			Seed:         seed + 1,
		}),
	}
}

func (m *MockSource) Name() string {
	return m.cfg.Name
}

func (m *MockSource) float() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *MockSource) shouldFail(amount decimal.Decimal) bool {
	return !m.cfg.FailAtAmount.IsZero() && amount.GreaterThanOrEqual(m.cfg.FailAtAmount)
}

func (m *MockSource) Quote(ctx context.Context, pair core.TradingPair, amount decimal.Decimal) (*core.Quote, error) {
	if err := sleep(ctx, m.cfg.QuoteLatency); err != nil {
		return nil, err
	}

	if m.shouldFail(amount) {
		return nil, fmt.Errorf("%s API temporarily unavailable", m.cfg.Name)
	}

	base, ok := m.cfg.BasePrices[pair.String()]
	if !ok {
		base = decimal.NewFromInt(1)
	}

	variance := m.cfg.VarianceLow + m.float()*(m.cfg.VarianceHigh-m.cfg.VarianceLow)
	price := base.Mul(decimal.NewFromFloat(variance)).Mul(amount)

	return &core.Quote{
		Price:  price,
		Fee:    m.cfg.Fee,
		Source: m.cfg.Name,
	}, nil
}

func (m *MockSource) Execute(ctx context.Context, order *core.Order, quote *core.Quote) (*core.ExecutionResult, error) {
	if m.shouldFail(order.Amount) {
		return nil, fmt.Errorf("network congestion, transaction failed on %s", m.cfg.Name)
	}

	if err := sleep(ctx, m.cfg.ExecLatency); err != nil {
		return nil, err
	}

	// Adverse execution: perturb the quoted price within +/- order.Slippage
	slip := (m.float() - 0.5) * 2 * order.Slippage
	executed := quote.Price.Mul(decimal.NewFromFloat(1 + slip))

	return &core.ExecutionResult{
		TxRef:         m.txRef(),
		ExecutedPrice: executed,
		Source:        m.cfg.Name,
	}, nil
}

func (m *MockSource) txRef() string {
	buf := make([]byte, 32)
	m.mu.Lock()
	m.rng.Read(buf)
	m.mu.Unlock()
	return "0x" + hex.EncodeToString(buf)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
