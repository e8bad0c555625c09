package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, h http.HandlerFunc, timeout time.Duration) Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Gateway.BaseURL = srv.URL
	cfg.Gateway.KeyID = "key"
	cfg.Gateway.KeySecret = "secret"
	cfg.Gateway.Timeout = timeout
	return NewGateway(cfg)
}

func TestGatewayCreateOrder(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key", user)
		require.Equal(t, "secret", pass)

		var body OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{ID: "order_xyz", Amount: body.AmountMinor, Currency: body.Currency, Status: "created", Receipt: body.Receipt})
	}, time.Second)

	order, err := gw.CreateOrder(context.Background(), OrderRequest{AmountMinor: 32000, Currency: "INR", Receipt: "intent_1"})
	require.NoError(t, err)
	require.Equal(t, "order_xyz", order.ID)
	require.Equal(t, int64(32000), order.Amount)
	require.NotEmpty(t, order.Raw)
}

func TestGatewayErrors(t *testing.T) {
	t.Run("timeout is retryable", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}, 20*time.Millisecond)

		_, err := gw.CreateOrder(context.Background(), OrderRequest{AmountMinor: 100, Currency: "INR"})
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, errutil.StatusTimeout, be.Code)
		require.True(t, be.Retryable())
	})

	t.Run("server error is retryable", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, time.Second)

		_, err := gw.CreateOrder(context.Background(), OrderRequest{AmountMinor: 100, Currency: "INR"})
		require.True(t, errutil.IsRetryable(err))
	})

	t.Run("rejection is not retryable", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
		}, time.Second)

		_, err := gw.CreateOrder(context.Background(), OrderRequest{AmountMinor: 1, Currency: "INR"})
		require.False(t, errutil.IsRetryable(err))
		require.Equal(t, ReasonGatewayRejected, errutil.ReasonOf(err))
	})
}
