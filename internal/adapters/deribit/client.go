package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"deribitArchiver/internal/ports"
)

const (
	DefaultBaseURL       = "https://history.deribit.com/api/v2/public"
	DefaultVolatilityURL = "https://www.deribit.com/api/v2/public/get_volatility_index_data"

	tradesEndpoint     = "/get_last_trades_by_currency"
	currenciesEndpoint = "/get_currencies"

	// Deribit JSON-RPC error code for "too_many_requests".
	codeTooManyRequests = 10028
)

// Client implements ports.TradeSource, ports.VolatilitySource and ports.TradeCounter
// against the Deribit public REST API.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	volatilityURL   string
	logger          ports.Logger
	deadLetters     ports.DeadLetterSink
	limiter         *rate.Limiter
	backoff         backoff.Backoff
	maxRetries      int
	pageSize        int
	maxPages        int
	flushEveryPages int

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds configuration specific to the Deribit client adapter.
type Config struct {
	BaseURL         string
	VolatilityURL   string
	HTTPClient      *http.Client  // Optional, built from Timeout when nil
	Timeout         time.Duration // Per-request timeout (e.g., 30 * time.Second)
	MaxRetries      int           // Attempts per request before giving up
	RateLimitDelay  time.Duration // Minimum gap between outbound requests
	BackoffBase     float64       // Exponential factor, wait = BackoffUnit * base^n
	BackoffUnit     time.Duration // Defaults to one second
	MaxBackoff      time.Duration
	PageSize        int // Trades requested per page
	MaxPages        int // Safety ceiling on pages per stream
	FlushEveryPages int // Pages accumulated into one batch
	Logger          ports.Logger
	DeadLetters     ports.DeadLetterSink // Optional
}

// New creates a new Deribit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Deribit client")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	volURL := cfg.VolatilityURL
	if volURL == "" {
		volURL = DefaultVolatilityURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 10000
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20000
	}
	flushEvery := cfg.FlushEveryPages
	if flushEvery <= 0 {
		flushEvery = 100
	}
	base := cfg.BackoffBase
	if base < 1 {
		base = 2.0
	}
	unit := cfg.BackoffUnit
	if unit <= 0 {
		unit = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}

	limit := rate.Inf
	if cfg.RateLimitDelay > 0 {
		limit = rate.Every(cfg.RateLimitDelay)
	}

	cfg.Logger.Info(context.Background(), "Deribit client configured", map[string]interface{}{
		"baseURL":        baseURL,
		"pageSize":       pageSize,
		"maxRetries":     maxRetries,
		"rateLimitDelay": cfg.RateLimitDelay.String(),
		"deadLetters":    cfg.DeadLetters != nil,
	})

	return &Client{
		httpClient:      httpClient,
		baseURL:         baseURL,
		volatilityURL:   volURL,
		logger:          cfg.Logger,
		deadLetters:     cfg.DeadLetters,
		limiter:         rate.NewLimiter(limit, 1),
		backoff:         backoff.Backoff{Min: unit, Max: maxBackoff, Factor: base, Jitter: false},
		maxRetries:      maxRetries,
		pageSize:        pageSize,
		maxPages:        maxPages,
		flushEveryPages: flushEvery,
		sleep:           sleepContext,
	}, nil
}

// APIError is a non-2xx HTTP response or a JSON-RPC error object.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("deribit API error: status %d, code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("deribit API error: status %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the server asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == codeTooManyRequests
}

// ServerError reports whether the failure is on the server side.
func (e *APIError) ServerError() bool {
	return e.StatusCode >= 500
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleError translates API and transport errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var mappedErr error
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		fields["statusCode"] = apiErr.StatusCode
		fields["apiErrorCode"] = apiErr.Code
		switch {
		case apiErr.RateLimited():
			mappedErr = ports.ErrRateLimited
		case apiErr.ServerError():
			mappedErr = ports.ErrAPIUnavailable
		case apiErr.StatusCode == http.StatusNotFound:
			mappedErr = ports.ErrNotFound
		case apiErr.StatusCode >= 400:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		mappedErr = ports.ErrTimeout
	} else if errors.Is(err, context.Canceled) {
		mappedErr = ports.ErrContextCanceled
	} else if isConnectionError(err) {
		mappedErr = ports.ErrConnectionFailed
	} else {
		mappedErr = ports.ErrUnknown
	}

	finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	if errors.Is(mappedErr, ports.ErrContextCanceled) {
		c.logger.Info(ctx, operation+" canceled", fields)
	} else {
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	}
	return finalErr
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// getJSON performs a rate-limited GET and decodes the JSON-RPC result into out.
// Rate-limit responses wait base^(attempt+1) units, server and transport errors
// wait base^attempt units, other client errors are returned immediately.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.handleError(ctx, err, op)
		}

		err := c.doGet(ctx, endpoint, params, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return c.handleError(ctx, ctx.Err(), op)
		}
		lastErr = err

		var wait time.Duration
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.RateLimited():
			wait = c.backoff.ForAttempt(float64(attempt + 1))
		case errors.As(err, &apiErr) && apiErr.ServerError():
			wait = c.backoff.ForAttempt(float64(attempt))
		case errors.As(err, &apiErr):
			return c.handleError(ctx, err, op)
		default:
			wait = c.backoff.ForAttempt(float64(attempt))
		}

		if attempt == c.maxRetries-1 {
			break
		}
		c.logger.Warn(ctx, op+": request failed, retrying", map[string]interface{}{
			"attempt":     attempt + 1,
			"maxAttempts": c.maxRetries,
			"wait":        wait.String(),
			"error":       err.Error(),
		})
		if err := c.sleep(ctx, wait); err != nil {
			return c.handleError(ctx, err, op)
		}
	}

	return c.handleError(ctx, fmt.Errorf("%w after %d attempts: %w", ports.ErrRetriesExhausted, c.maxRetries, lastErr), op)
}

func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var rpc rpcResponse
	decodeErr := json.Unmarshal(body, &rpc)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && rpc.Error != nil {
			apiErr.Code = rpc.Error.Code
			apiErr.Message = rpc.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if rpc.Error != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: rpc.Error.Code, Message: rpc.Error.Message}
	}
	if out == nil || len(rpc.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetCurrencies lists the currencies Deribit offers.
func (c *Client) GetCurrencies(ctx context.Context) ([]string, error) {
	op := "GetCurrencies"
	var result []struct {
		Currency string `json:"currency"`
	}
	if err := c.getJSON(ctx, op, c.baseURL+currenciesEndpoint, nil, &result); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result))
	for _, r := range result {
		if r.Currency != "" {
			out = append(out, r.Currency)
		}
	}
	return out, nil
}
