// Package brokerlink is a Go client for the brokerlink status API.
package brokerlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/httpapi"
)

// ErrNotFound is returned for unknown orders and symbols.
var ErrNotFound = errors.New("brokerlink: not found")

// Client provides a Go SDK for interacting with the brokerlink status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new brokerlink API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brokerlink: HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	// The health endpoint reports an unhealthy session with a body.
	if resp.StatusCode >= 300 && !(resp.StatusCode == http.StatusServiceUnavailable && path == "/api/health") {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{Status: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Health retrieves the session health.
func (c *Client) Health(ctx context.Context) (httpapi.HealthJSON, error) {
	var h httpapi.HealthJSON
	err := c.get(ctx, "/api/health", nil, &h)
	return h, err
}

// Orders retrieves orders. status is "", "open", "closed" or a canonical
// order status; symbol may be empty.
func (c *Client) Orders(ctx context.Context, status, symbol string) ([]domain.Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var out []domain.Order
	err := c.get(ctx, "/api/orders", q, &out)
	return out, err
}

// Order retrieves one order by its canonical id.
func (c *Client) Order(ctx context.Context, id string) (domain.Order, error) {
	var out domain.Order
	err := c.get(ctx, "/api/orders/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Transactions retrieves all fills of the session.
func (c *Client) Transactions(ctx context.Context) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := c.get(ctx, "/api/transactions", nil, &out)
	return out, err
}

// Positions retrieves current positions keyed by symbol.
func (c *Client) Positions(ctx context.Context) (map[string]domain.Position, error) {
	var out map[string]domain.Position
	err := c.get(ctx, "/api/positions", nil, &out)
	return out, err
}

// Portfolio retrieves the portfolio snapshot.
func (c *Client) Portfolio(ctx context.Context) (domain.Portfolio, error) {
	var out domain.Portfolio
	err := c.get(ctx, "/api/portfolio", nil, &out)
	return out, err
}

// Account retrieves account information.
func (c *Client) Account(ctx context.Context) (domain.Account, error) {
	var out domain.Account
	err := c.get(ctx, "/api/account", nil, &out)
	return out, err
}

// Spot retrieves one market-data field of symbol.
func (c *Client) Spot(ctx context.Context, symbol, field string) (httpapi.SpotJSON, error) {
	q := url.Values{}
	if field != "" {
		q.Set("field", field)
	}
	var out httpapi.SpotJSON
	err := c.get(ctx, "/api/spot/"+url.PathEscape(symbol), q, &out)
	return out, err
}

// Bars retrieves the last window bars of symbol at freq ("1m" or "1d").
func (c *Client) Bars(ctx context.Context, symbol, freq string, window int) (httpapi.BarsJSON, error) {
	q := url.Values{}
	if freq != "" {
		q.Set("freq", freq)
	}
	if window > 0 {
		q.Set("window", fmt.Sprint(window))
	}
	var out httpapi.BarsJSON
	err := c.get(ctx, "/api/bars/"+url.PathEscape(symbol), q, &out)
	return out, err
}
