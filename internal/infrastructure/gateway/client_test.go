package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"paysettle/internal/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, timeout time.Duration) *Client {
	return NewClient(&config.GatewayConfig{
		BaseURL:   url,
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		Timeout:   timeout,
	})
}

func TestCreateOrder_Success(t *testing.T) {
	var got CreateOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Order{
			ID:       "order_ABCDEFGHIJKLMN",
			Entity:   "order",
			Amount:   got.Amount,
			Currency: got.Currency,
			Receipt:  got.Receipt,
			Status:   "created",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	order, err := c.CreateOrder(context.Background(), &CreateOrderRequest{
		Amount:   50000,
		Currency: "INR",
		Receipt:  "RCPT1",
		Notes:    map[string]string{"order_id": "o1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "order_ABCDEFGHIJKLMN", order.ID)
	assert.Equal(t, int64(50000), got.Amount)
	assert.Equal(t, "o1", got.Notes["order_id"])
}

func TestCreateOrder_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).CreateOrder(context.Background(), &CreateOrderRequest{Amount: 1, Currency: "INR"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Contains(t, err.Error(), "amount too small")
}

func TestCreateOrder_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entity":"order"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).CreateOrder(context.Background(), &CreateOrderRequest{Amount: 100, Currency: "INR"})
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestCreateOrder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(srv.URL, 50*time.Millisecond).CreateOrder(context.Background(), &CreateOrderRequest{Amount: 100, Currency: "INR"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}
