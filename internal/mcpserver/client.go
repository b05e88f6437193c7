package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/corebank/internal/circuitbreaker"
)

// Config holds the configuration for connecting to the corebank API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token, sent when the API sits behind an authenticating proxy
}

// The client talks to exactly one upstream, so the breaker uses a single key.
const (
	breakerKey       = "corebank-api"
	breakerThreshold = 5
	breakerCooldown  = 15 * time.Second
)

// CorebankClient is a pure HTTP client for the corebank query API.
type CorebankClient struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewCorebankClient creates a new client for the corebank API.
func NewCorebankClient(cfg Config) *CorebankClient {
	return &CorebankClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: circuitbreaker.New(breakerThreshold, breakerCooldown),
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes a GET request to the API and returns the response body.
// The tool surface is read only, so the client never issues writes.
func (c *CorebankClient) doRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("corebank API unavailable (circuit open after repeated failures)")
	}

	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("read response: %w", err)
	}

	// A 4xx means the API is up and answered; only transport errors and
	// 5xx count against the circuit.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(breakerKey)
	} else {
		c.breaker.RecordSuccess(breakerKey)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAccount returns the current view row for one account.
func (c *CorebankClient) GetAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/accounts/"+accountID, nil)
}

// ListAccounts lists account view rows, optionally filtered and sorted.
func (c *CorebankClient) ListAccounts(ctx context.Context, status, currency, sortBy, order string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if currency != "" {
		q.Set("currency", currency)
	}
	if sortBy != "" {
		q.Set("sortBy", sortBy)
	}
	if order != "" {
		q.Set("order", order)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, "/v1/accounts", q)
}

// OverdrawnAccounts returns accounts with negative balances, ranked by
// overdraft usage.
func (c *CorebankClient) OverdrawnAccounts(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, "/v1/reports/overdrawn", q)
}

// Summary returns bank-wide account statistics.
func (c *CorebankClient) Summary(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/reports/summary", nil)
}

// AccountEvents returns the recorded event history for one account.
func (c *CorebankClient) AccountEvents(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/accounts/"+accountID+"/events", nil)
}
