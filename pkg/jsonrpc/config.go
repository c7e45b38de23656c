package jsonrpc

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Default configuration values.
const (
	// DefaultRequestTimeout bounds a single HTTP exchange.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of re-issues allowed after a 429.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the backoff before the first re-issue.
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxRetryDelay caps the exponential backoff.
	DefaultMaxRetryDelay = 30 * time.Second
)

// Config holds configuration for the Client.
type Config struct {
	// URL is the JSON-RPC endpoint.
	URL string

	// Headers are added to every request (e.g. "x-api-key").
	// Content-Type is always application/json.
	Headers map[string]string

	// Username and Password enable HTTP basic auth when either is set.
	Username string
	Password string

	// RequestTimeout is the timeout for one HTTP exchange.
	RequestTimeout time.Duration

	// MaxRetries is the number of times a rate-limited request is re-issued.
	// Negative disables retries.
	MaxRetries int

	// RetryDelay is the initial delay between rate-limit retries.
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay between rate-limit retries.
	MaxRetryDelay time.Duration

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Observer receives request telemetry (optional).
	Observer Observer
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(endpoint string) Config {
	return Config{
		URL:            endpoint,
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		MaxRetryDelay:  DefaultMaxRetryDelay,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig(c.URL)

	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrNoURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if c.RequestTimeout < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
