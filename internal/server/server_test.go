package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"order_engine/internal/core"
	"order_engine/internal/pipeline"
	"order_engine/internal/provider"
	"order_engine/internal/queue"
	"order_engine/internal/store"
	"order_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	sources := []core.ISource{
		provider.NewMockSource(provider.MockConfig{Name: "Raydium", Fee: 0.003, Seed: 1}),
	}
	pipe := pipeline.New(st, sources, pipeline.Config{
		Queue:          queue.Policy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond},
		MarketWorkers:  2,
		DefaultWorkers: 1,
	}, logging.NewNop())

	return NewServer(pipe, logging.NewNop(), Options{
		Addr:           ":0",
		AllowedOrigins: []string{"*"},
		MaxConnections: 10,
	})
}

func TestHandleCreateOrder(t *testing.T) {
	s := newTestServer(t)

	body := `{"token_in":"SOL","token_out":"USDC","amount":10,"slippage":0.01,"kind":"market"}`
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateOrder(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["order_id"])
	assert.Equal(t, "created", resp["status"])
	assert.Equal(t, "/ws/order/"+resp["order_id"].(string), resp["ws_url"])
}

func TestHandleCreateOrderDefaultsToMarket(t *testing.T) {
	s := newTestServer(t)

	body := `{"token_in":"SOL","token_out":"USDC","amount":10}`
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateOrder(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleCreateOrderRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing tokens", `{"amount":10}`},
		{"zero amount", `{"token_in":"SOL","token_out":"USDC","amount":0}`},
		{"bad slippage", `{"token_in":"SOL","token_out":"USDC","amount":10,"slippage":2}`},
		{"unknown kind", `{"token_in":"SOL","token_out":"USDC","amount":10,"kind":"weird"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.handleCreateOrder(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleGetOrder(t *testing.T) {
	s := newTestServer(t)

	order, err := s.pipe.CreateOrder(context.Background(), pipeline.CreateRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(10), Slippage: 0.01,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/"+order.ID, nil)
	req.SetPathValue("id", order.ID)
	rec := httptest.NewRecorder()
	s.handleGetOrder(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got core.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, order.ID, got.ID)
}

func TestHandleGetOrderNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	s.handleGetOrder(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOrderConnections(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	order, err := s.pipe.CreateOrder(ctx, pipeline.CreateRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(10), Slippage: 0.01,
	})
	require.NoError(t, err)

	link, err := s.pipe.AttachSubscriber(ctx, order.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/"+order.ID+"/connections", nil)
	req.SetPathValue("id", order.ID)
	rec := httptest.NewRecorder()
	s.handleOrderConnections(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count       int                    `json:"count"`
		Connections []*core.SubscriberLink `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, link.ID, resp.Connections[0].ID)
	assert.Equal(t, order.ID, resp.Connections[0].OrderID)
	assert.True(t, resp.Connections[0].Active)
}

func TestHandleOrderConnectionsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing/connections", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	s.handleOrderConnections(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConnectionInfo(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/connection/info", nil)
	rec := httptest.NewRecorder()
	s.handleConnectionInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["websocket_url"], "/ws/order/")
}

func TestHandleDLQEndpoints(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/dlq/stats", nil)
	rec := httptest.NewRecorder()
	s.handleDLQStats(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/dlq/failed-orders?limit=5", nil)
	rec = httptest.NewRecorder()
	s.handleDLQList(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["count"])

	req = httptest.NewRequest(http.MethodDelete, "/api/dlq/clear", nil)
	rec = httptest.NewRecorder()
	s.handleDLQClear(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckOrigin(t *testing.T) {
	s := newTestServer(t)
	s.allowedOrigins = []string{"https://app.example.com"}

	mkReq := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/order/x", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	// Non-browser clients carry no Origin header.
	assert.True(t, s.checkOrigin(mkReq("")))
	assert.True(t, s.checkOrigin(mkReq("https://app.example.com")))
	assert.False(t, s.checkOrigin(mkReq("https://evil.example.com")))

	s.allowedOrigins = []string{"*"}
	assert.True(t, s.checkOrigin(mkReq("https://anything.example.com")))

	s.production = true
	assert.False(t, s.checkOrigin(mkReq("https://anything.example.com")))
}

func TestParseIntParam(t *testing.T) {
	assert.Equal(t, 50, parseIntParam("", 50))
	assert.Equal(t, 7, parseIntParam("7", 50))
	assert.Equal(t, 50, parseIntParam("abc", 50))
	assert.Equal(t, 50, parseIntParam("-1", 50))
}
