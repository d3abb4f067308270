// Package square provides read-only REST access to the Square catalog and
// orders APIs. Nothing is ever written back to Square.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/wattlefield/invoice-cli/internal/resilience"
)

const defaultBaseURL = "https://connect.squareup.com"

// Client defines the Square API operations the sync workflow uses.
type Client interface {
	ListCatalog(ctx context.Context) ([]CatalogObject, error)
	SearchOrders(ctx context.Context, start, end time.Time) ([]Order, error)
}

// ClientOption configures the Square client.
type ClientOption func(*restClient)

// WithRateLimit sets a per-second rate limit for Square API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *restClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithBaseURL overrides the API host, used for sandbox accounts and tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *restClient) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *restClient) {
		c.http = hc
	}
}

type restClient struct {
	token      string
	locationID string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	retryCfg   resilience.RetryConfig
}

// NewClient creates a Square Client.
func NewClient(token, locationID string, opts ...ClientOption) Client {
	c := &restClient{
		token:      token,
		locationID: locationID,
		baseURL:    defaultBaseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retryCfg:   resilience.DefaultRetryConfig(),
	}
	c.retryCfg.OnRetry = resilience.RetryLogger("square", "api")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *restClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// ListCatalog pages through all catalog ITEM objects.
func (c *restClient) ListCatalog(ctx context.Context) ([]CatalogObject, error) {
	var all []CatalogObject
	cursor := ""

	for {
		url := c.baseURL + "/v2/catalog/list?types=ITEM"
		if cursor != "" {
			url += "&cursor=" + cursor
		}

		var page listCatalogResponse
		if err := c.doJSON(ctx, http.MethodGet, url, nil, &page); err != nil {
			return nil, eris.Wrap(err, "square: list catalog")
		}

		all = append(all, page.Objects...)
		if page.Cursor == "" {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// SearchOrders pages through completed orders closed within [start, end).
func (c *restClient) SearchOrders(ctx context.Context, start, end time.Time) ([]Order, error) {
	var all []Order
	cursor := ""

	for {
		req := searchOrdersRequest{
			LocationIDs: []string{c.locationID},
			Query: searchOrdersQuery{
				Filter: searchOrdersFilter{
					StateFilter: stateFilter{States: []string{"COMPLETED"}},
					DateTimeFilter: dateTimeFilter{
						ClosedAt: timeRange{
							StartAt: start.UTC().Format(time.RFC3339),
							EndAt:   end.UTC().Format(time.RFC3339),
						},
					},
				},
			},
			Cursor: cursor,
			Limit:  500,
		}

		var page searchOrdersResponse
		if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/orders/search", req, &page); err != nil {
			return nil, eris.Wrap(err, "square: search orders")
		}

		all = append(all, page.Orders...)
		if page.Cursor == "" {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// doJSON performs one API call under the rate limiter, circuit breaker, and
// bounded retry. Only transient statuses (429, 5xx) are retried.
func (c *restClient) doJSON(ctx context.Context, method, url string, body, out any) error {
	return resilience.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.doOnce(ctx, method, url, body, out)
		})
	})
}

func (c *restClient) doOnce(ctx context.Context, method, url string, body, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "square: rate limit")
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "square: marshal request")
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return eris.Wrap(err, "square: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "square: do request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "square: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("square: %s %s returned %d: %s",
			method, req.URL.Path, resp.StatusCode, summarizeError(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return eris.Wrap(err, "square: unmarshal response")
		}
	}
	return nil
}

func summarizeError(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && len(ae.Errors) > 0 {
		return ae.Errors[0].Code + ": " + ae.Errors[0].Detail
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
