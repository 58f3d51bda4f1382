package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order_engine/internal/core"
	httpclient "order_engine/pkg/http"

	"github.com/shopspring/decimal"
)

// HTTPSource talks to a real liquidity provider over its REST API. Transient
// upstream hiccups (5xx, timeouts) are absorbed by the client's retry and
// circuit-breaker pipeline; errors that survive it propagate to the queue's
// attempt budget.
type HTTPSource struct {
	name   string
	client *httpclient.Client
	fee    float64
}

// NewHTTPSource creates a source backed by the quote/execute endpoints at
// baseURL
func NewHTTPSource(name, baseURL string, fee float64, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:   name,
		client: httpclient.NewClient(baseURL, timeout),
		fee:    fee,
	}
}

func (h *HTTPSource) Name() string {
	return h.name
}

type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
	Fee   *float64        `json:"fee,omitempty"`
}

func (h *HTTPSource) Quote(ctx context.Context, pair core.TradingPair, amount decimal.Decimal) (*core.Quote, error) {
	body, err := h.client.Get(ctx, "/v1/quote", map[string]string{
		"token_in":  pair.TokenIn,
		"token_out": pair.TokenOut,
		"amount":    amount.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("quote from %s: %w", h.name, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed quote from %s: %w", h.name, err)
	}

	fee := h.fee
	if resp.Fee != nil {
		fee = *resp.Fee
	}
	return &core.Quote{Price: resp.Price, Fee: fee, Source: h.name}, nil
}

type executeRequest struct {
	OrderID  string          `json:"order_id"`
	TokenIn  string          `json:"token_in"`
	TokenOut string          `json:"token_out"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Slippage float64         `json:"slippage"`
}

type executeResponse struct {
	TxHash        string          `json:"tx_hash"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
}

func (h *HTTPSource) Execute(ctx context.Context, order *core.Order, quote *core.Quote) (*core.ExecutionResult, error) {
	body, err := h.client.Post(ctx, "/v1/execute", executeRequest{
		OrderID:  order.ID,
		TokenIn:  order.Pair.TokenIn,
		TokenOut: order.Pair.TokenOut,
		Amount:   order.Amount,
		Price:    quote.Price,
		Slippage: order.Slippage,
	})
	if err != nil {
		return nil, fmt.Errorf("execute on %s: %w", h.name, err)
	}

	var resp executeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed execution result from %s: %w", h.name, err)
	}

	return &core.ExecutionResult{
		TxRef:         resp.TxHash,
		ExecutedPrice: resp.ExecutedPrice,
		Source:        h.name,
	}, nil
}
