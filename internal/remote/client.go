// Package remote is the HTTP client of the central backend.
//
// Every mutating call carries an Idempotency-Key header so that the backend
// recognizes a replayed request. A 409 Conflict whose body echoes the stored
// record is such a recognition and is returned as a successful Ack with
// Duplicate set.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cashpoint/posync/internal/schema"
)

// Ack is the backend's acknowledgement of a mutation.
type Ack struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Duplicate bool      `json:"-"`
}

// Config holds connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a Client. BaseURL must be absolute.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With("adapter", "remote"),
	}, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

// OpenShift creates a shift. The local shift id is the idempotency key.
func (c *Client) OpenShift(ctx context.Context, key string, s *schema.Shift) (Ack, error) {
	return c.mutate(ctx, http.MethodPost, "/shifts/open", key, s)
}

// CloseShift sends a shift closure. closure.Shift.ID must be the server id.
func (c *Client) CloseShift(ctx context.Context, key string, closure *schema.ShiftClosure) (Ack, error) {
	return c.mutate(ctx, http.MethodPost, "/shifts/close", key, closure)
}

// GetOpenShift returns the open shift of the store, or nil when there is
// none.
func (c *Client) GetOpenShift(ctx context.Context, storeID string) (*schema.Shift, error) {
	var s schema.Shift
	q := url.Values{"store_id": {storeID}}
	err := c.do(ctx, http.MethodGet, "/shifts/open?"+q.Encode(), "", nil, &s)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, nil
	}
	return &s, nil
}

// CreateOrder creates an order with its items.
func (c *Client) CreateOrder(ctx context.Context, key string, o *schema.Order) (Ack, error) {
	return c.mutate(ctx, http.MethodPost, "/orders", key, o)
}

// UpdateOrder replaces the server copy of an order with the given snapshot.
func (c *Client) UpdateOrder(ctx context.Context, key, serverID string, o *schema.Order) (Ack, error) {
	return c.mutate(ctx, http.MethodPut, "/orders/"+url.PathEscape(serverID), key, o)
}

// ListOrders returns the store's orders changed at or after since.
func (c *Client) ListOrders(ctx context.Context, storeID string, since time.Time) ([]*schema.Order, error) {
	var out []*schema.Order
	q := sinceQuery(since)
	q.Set("store_id", storeID)
	err := c.do(ctx, http.MethodGet, "/orders?"+q.Encode(), "", nil, &out)
	return out, err
}

// ListProducts returns products changed at or after since.
func (c *Client) ListProducts(ctx context.Context, since time.Time) ([]*schema.Product, error) {
	var out []*schema.Product
	err := c.do(ctx, http.MethodGet, "/products?"+sinceQuery(since).Encode(), "", nil, &out)
	return out, err
}

// ListCategories returns categories changed at or after since.
func (c *Client) ListCategories(ctx context.Context, since time.Time) ([]*schema.Category, error) {
	var out []*schema.Category
	err := c.do(ctx, http.MethodGet, "/categories?"+sinceQuery(since).Encode(), "", nil, &out)
	return out, err
}

// ListCustomers returns customers changed at or after since.
func (c *Client) ListCustomers(ctx context.Context, since time.Time) ([]*schema.Customer, error) {
	var out []*schema.Customer
	err := c.do(ctx, http.MethodGet, "/customers?"+sinceQuery(since).Encode(), "", nil, &out)
	return out, err
}

func sinceQuery(since time.Time) url.Values {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	return q
}

func (c *Client) mutate(ctx context.Context, method, path, key string, body any) (Ack, error) {
	if key == "" {
		return Ack{}, errors.New("remote: idempotency key is required")
	}

	var ack Ack
	err := c.do(ctx, method, path, key, body, &ack)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		// The backend already holds a record for this key.
		if jerr := json.Unmarshal(se.Body, &ack); jerr == nil && ack.ID != "" {
			ack.Duplicate = true
			c.log.InfoContext(ctx, "remote recognized duplicate",
				slog.String("path", path),
				slog.String("key", key),
				slog.String("server_id", ack.ID),
			)
			return ack, nil
		}
		return Ack{}, err
	}
	if err != nil {
		return Ack{}, err
	}
	if ack.ID == "" {
		return Ack{}, fmt.Errorf("remote: %s %s: acknowledgement without id", method, path)
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, method, path, key string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.DebugContext(ctx, "remote request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote: read body: %w", err)
	}

	c.log.DebugContext(ctx, "remote response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: data}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: decode json: %w", err)
	}
	return nil
}
