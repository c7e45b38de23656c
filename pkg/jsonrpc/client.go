// Package jsonrpc implements a JSON-RPC 2.0 client over HTTP POST.
//
// Each call gets a fresh request id from a per-client counter. Responses are
// correlated by id and HTTP 429 answers are retried with exponential backoff
// up to a bounded number of attempts; every other failure surfaces as a
// *TransportError without being retried.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// Version is the protocol version tag sent with every request.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response represents a JSON-RPC 2.0 response. ID is kept raw because nodes
// may answer with a number or a string.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Observer receives per-request telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	// RequestDone is called once per HTTP exchange.
	RequestDone(method string, status int, elapsed time.Duration, err error)

	// RequestRetried is called before a rate-limited request is re-issued.
	RequestRetried(method string)
}

// Client issues JSON-RPC requests to a single endpoint. It is safe for
// concurrent use; the id counter is the only mutable state.
type Client struct {
	config Config
	http   *resty.Client
	log    *slog.Logger
	nextID atomic.Int64
}

// NewClient creates a client for the configured endpoint.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetHeaders(config.Headers).
		SetLogger(restyLogger{config.Logger})
	if config.Username != "" || config.Password != "" {
		httpClient.SetBasicAuth(config.Username, config.Password)
	}

	return &Client{
		config: config,
		http:   httpClient,
		log:    config.Logger.With("component", "jsonrpc", "url", config.URL),
	}, nil
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string {
	return c.config.URL
}

// Call issues method with params and returns the correlated response. A
// response carrying an error object is returned as-is; interpreting it is up
// to the caller.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	if params == nil {
		params = []any{}
	}

	delay := c.config.RetryDelay
	for attempt := 0; ; attempt++ {
		resp, retryAfter, err := c.send(ctx, method, params)
		if err == nil || !IsRateLimited(err) {
			return resp, err
		}

		if attempt >= max(c.config.MaxRetries, 0) {
			te := err.(*TransportError)
			te.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, ErrRateLimited)
			return nil, te
		}

		wait := delay
		if retryAfter > 0 {
			// The server hint replaces the backoff but never exceeds the cap.
			wait = min(retryAfter, c.config.MaxRetryDelay)
		}
		c.log.Warn("rate limited, retrying", "method", method, "attempt", attempt+1, "wait", wait)
		if c.config.Observer != nil {
			c.config.Observer.RequestRetried(method)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, c.config.MaxRetryDelay)
	}
}

// send performs one HTTP exchange with a freshly allocated id. The duration
// is the server's Retry-After hint for 429 answers, zero otherwise.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, time.Duration, error) {
	req := Request{
		JSONRPC: Version,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	fail := func(status int, respBody []byte, cause error) *TransportError {
		return &TransportError{
			Method:   method,
			URL:      c.config.URL,
			Status:   status,
			Request:  body,
			Response: respBody,
			Err:      cause,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	httpResp, err := c.http.R().
		SetContext(callCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.config.URL)
	elapsed := time.Since(start)

	status := 0
	var respBody []byte
	if httpResp != nil {
		status = httpResp.StatusCode()
		respBody = httpResp.Body()
	}

	var result *Response
	var retryAfter time.Duration
	switch {
	case err != nil:
		err = fail(status, respBody, err)
	case status == http.StatusTooManyRequests:
		retryAfter = parseRetryAfter(httpResp.Header().Get("Retry-After"))
		err = fail(status, respBody, ErrRateLimited)
	default:
		result, err = c.decode(req.ID, status, respBody)
		if err != nil {
			err = fail(status, respBody, err)
		}
	}

	if c.config.Observer != nil {
		c.config.Observer.RequestDone(method, status, elapsed, err)
	}
	c.log.Debug("rpc request", "method", method, "id", req.ID, "status", status, "elapsed", elapsed, "error", err)

	if err != nil {
		return nil, retryAfter, err
	}
	return result, 0, nil
}

// decode parses a response body and checks it echoes id. Non-2xx statuses are
// accepted when the body is a well-formed response, since nodes report RPC
// errors with 4xx/5xx statuses.
func (c *Client) decode(id int64, status int, body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		if status < 200 || status > 299 {
			return nil, fmt.Errorf("http status %d: %w", status, err)
		}
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var got int64
	if err := json.Unmarshal(resp.ID, &got); err != nil || got != id {
		return nil, fmt.Errorf("%w: sent %d, received %s", ErrIDMismatch, id, resp.ID)
	}
	return &resp, nil
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// restyLogger routes resty's internal logging through slog.
type restyLogger struct {
	log *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Debug("resty: " + fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Debug("resty: " + fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug("resty: " + fmt.Sprintf(format, v...))
}
