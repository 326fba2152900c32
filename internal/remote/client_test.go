package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/schema"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "secret"}, newTestLogger())
	require.NoError(t, err)
	return c
}

func testShift() *schema.Shift {
	return &schema.Shift{
		Meta:        schema.Meta{ID: "shift_1700000000000_abcdef12"},
		StoreID:     "store-1",
		Status:      schema.ShiftStatusOpen,
		OpenedAt:    time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		InitialCash: decimal.NewFromInt(100),
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "localhost:8080", "://bad"} {
		_, err := NewClient(Config{BaseURL: u}, newTestLogger())
		assert.Error(t, err, "base url %q", u)
	}
}

func TestClient_OpenShift_SendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	ackAt := time.Date(2025, 1, 1, 8, 0, 1, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/shifts/open", r.URL.Path)
		assert.Equal(t, "shift_1700000000000_abcdef12", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got schema.Shift
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "store-1", got.StoreID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "srv-1", "updated_at": ackAt})
	})

	s := testShift()
	ack, err := c.OpenShift(context.Background(), s.ID, s)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ack.ID)
	assert.True(t, ack.UpdatedAt.Equal(ackAt))
	assert.False(t, ack.Duplicate)
}

func TestClient_ConflictWithBodyIsDuplicateAck(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"srv-7","updated_at":"2025-01-01T08:00:00Z"}`))
	})

	o := schema.NewOrder("store-1")
	ack, err := c.CreateOrder(context.Background(), o.ID, o)
	require.NoError(t, err)
	assert.Equal(t, "srv-7", ack.ID)
	assert.True(t, ack.Duplicate)
}

func TestClient_ConflictWithoutBodyIsError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	s := testShift()
	_, err := c.OpenShift(context.Background(), s.ID, s)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.False(t, Retryable(err))
}

func TestClient_MissingKey(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})
	_, err := c.CreateOrder(context.Background(), "", schema.NewOrder("s"))
	assert.Error(t, err)
}

func TestClient_UpdateOrderPath(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/orders/srv 9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"srv 9","updated_at":"2025-01-01T08:00:00Z"}`))
	})

	o := schema.NewOrder("store-1")
	ack, err := c.UpdateOrder(context.Background(), o.ID+":2", "srv 9", o)
	require.NoError(t, err)
	assert.Equal(t, "srv 9", ack.ID)
}

func TestClient_GetOpenShift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantID  string
		wantErr bool
	}{
		{name: "found", status: 200, body: `{"id":"srv-1","store_id":"store-1","status":"open"}`, wantID: "srv-1"},
		{name: "not found", status: 404},
		{name: "empty body", status: 200, body: ``},
		{name: "null", status: 200, body: `null`},
		{name: "server error", status: 503, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "store-1", r.URL.Query().Get("store_id"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			s, err := c.GetOpenShift(context.Background(), "store-1")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, Retryable(err))
				return
			}
			require.NoError(t, err)
			if tt.wantID == "" {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.wantID, s.ID)
		})
	}
}

func TestClient_ListOrdersSince(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "store-1", r.URL.Query().Get("store_id"))
		assert.Equal(t, "2025-02-01T00:00:00Z", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`[{"id":"srv-1","store_id":"store-1","status":"paid"}]`))
	})

	orders, err := c.ListOrders(context.Background(), "store-1", since)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, schema.OrderStatusPaid, orders[0].Status)
}

func TestClient_ListProductsWithoutSince(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`[{"id":"p1","code":"A","name":"Coffee","price":"2.50"}]`))
	})

	products, err := c.ListProducts(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.True(t, products[0].Price.Equal(decimal.RequireFromString("2.50")))
}

func TestClient_TransportErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Timeout: time.Second}, newTestLogger())
	require.NoError(t, err)

	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{&StatusError{Code: 408}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 400}, false},
		{&StatusError{Code: 404}, false},
		{&StatusError{Code: 409}, false},
		{&StatusError{Code: 422}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), "%v", tt.err)
	}
}
