package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/btcfetch/pkg/blockstore"
	"github.com/fortiblox/btcfetch/pkg/encoder"
	"github.com/fortiblox/btcfetch/pkg/jsonrpc"
	"github.com/fortiblox/btcfetch/pkg/pipeline"
	"github.com/fortiblox/btcfetch/pkg/rpcfetch"
)

// envPrefix prefixes every environment override, e.g. BTCFETCH_RPC_URL.
const envPrefix = "BTCFETCH"

// apiKeyHeader carries the api-key setting.
const apiKeyHeader = "x-api-key"

// settings is the resolved configuration of one command invocation.
type settings struct {
	RPCURL      string
	APIKey      string
	RPCUser     string
	RPCPassword string
	Headers     []string

	FromHeight     int64
	MaxBlocks      int64
	MaxConcurrency int
	BatchRetries   int

	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration

	Out           string
	Compress      bool
	VerifyLinkage bool

	LedgerPath    string
	LedgerBackend string
	MaxLookback   int64
	RetainBlocks  int64

	MetricsAddr string
	LogLevel    string
	LogFormat   string
	Progress    bool
}

// registerFlags declares every setting on fs with its default.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default is ./btcfetch.yaml)")

	fs.String("rpc-url", "", "Bitcoin node JSON-RPC endpoint")
	fs.String("api-key", "", "API key sent as the "+apiKeyHeader+" header")
	fs.String("rpc-user", "", "HTTP basic auth user")
	fs.String("rpc-password", "", "HTTP basic auth password")
	fs.StringArray("header", nil, "extra request header as key=value (repeatable)")

	fs.Int64("from-height", pipeline.DefaultFromHeight, "anchor height when no ledger history exists")
	fs.Int64("max-blocks", rpcfetch.DefaultMaxBlocks, "maximum blocks past the anchor")
	fs.Int("max-concurrency", rpcfetch.DefaultMaxConcurrency, "in-flight queries per batch (-1 = unbounded)")
	fs.Int("batch-retries", pipeline.DefaultBatchRetries, "re-issues of failed batch items (0 = fail fast)")

	fs.Duration("request-timeout", jsonrpc.DefaultRequestTimeout, "timeout of one RPC exchange")
	fs.Int("max-retries", jsonrpc.DefaultMaxRetries, "rate-limit retries per request (-1 = none)")
	fs.Duration("retry-delay", jsonrpc.DefaultRetryDelay, "initial rate-limit backoff")
	fs.Duration("max-retry-delay", jsonrpc.DefaultMaxRetryDelay, "rate-limit backoff cap")

	fs.String("out", encoder.DefaultOutputPath, "artifact path (.zst suffix compresses)")
	fs.Bool("compress", false, "zstd-compress the artifact")
	fs.Bool("verify-linkage", false, "check headers hash to and link the fetched hashes")

	fs.String("ledger-path", "", "hash ledger location; empty disables incremental runs")
	fs.String("ledger-backend", blockstore.BackendBolt, "ledger engine: bolt or badger")
	fs.Int64("max-lookback", rpcfetch.DefaultMaxLookback, "heights compared when searching for a common ancestor")
	fs.Int64("retain-blocks", 0, "heights kept in the ledger (0 = all)")

	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
	fs.Bool("progress", false, "show a progress bar")
}

// newViper binds fs, the environment and the optional config file.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("btcfetch")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		RPCURL:      v.GetString("rpc-url"),
		APIKey:      v.GetString("api-key"),
		RPCUser:     v.GetString("rpc-user"),
		RPCPassword: v.GetString("rpc-password"),
		Headers:     v.GetStringSlice("header"),

		FromHeight:     v.GetInt64("from-height"),
		MaxBlocks:      v.GetInt64("max-blocks"),
		MaxConcurrency: v.GetInt("max-concurrency"),
		BatchRetries:   v.GetInt("batch-retries"),

		RequestTimeout: v.GetDuration("request-timeout"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryDelay:     v.GetDuration("retry-delay"),
		MaxRetryDelay:  v.GetDuration("max-retry-delay"),

		Out:           v.GetString("out"),
		Compress:      v.GetBool("compress"),
		VerifyLinkage: v.GetBool("verify-linkage"),

		LedgerPath:    v.GetString("ledger-path"),
		LedgerBackend: v.GetString("ledger-backend"),
		MaxLookback:   v.GetInt64("max-lookback"),
		RetainBlocks:  v.GetInt64("retain-blocks"),

		MetricsAddr: v.GetString("metrics-addr"),
		LogLevel:    v.GetString("log-level"),
		LogFormat:   v.GetString("log-format"),
		Progress:    v.GetBool("progress"),
	}
}

// rpcConfig builds the transport configuration.
func (s settings) rpcConfig(logger *slog.Logger, observer jsonrpc.Observer) (jsonrpc.Config, error) {
	headers, err := parseHeaders(s.Headers)
	if err != nil {
		return jsonrpc.Config{}, err
	}
	if s.APIKey != "" {
		headers[apiKeyHeader] = s.APIKey
	}

	cfg := jsonrpc.DefaultConfig(s.RPCURL)
	cfg.Headers = headers
	cfg.Username = s.RPCUser
	cfg.Password = s.RPCPassword
	cfg.RequestTimeout = s.RequestTimeout
	cfg.MaxRetries = s.MaxRetries
	cfg.RetryDelay = s.RetryDelay
	cfg.MaxRetryDelay = s.MaxRetryDelay
	cfg.Logger = logger
	cfg.Observer = observer
	return cfg, cfg.Validate()
}

// ledgerConfig returns the ledger configuration, or false when incremental
// runs are disabled.
func (s settings) ledgerConfig(logger *slog.Logger) (blockstore.Config, bool) {
	if s.LedgerPath == "" {
		return blockstore.Config{}, false
	}
	cfg := blockstore.DefaultConfig(s.LedgerPath)
	cfg.Backend = s.LedgerBackend
	cfg.RetainBlocks = s.RetainBlocks
	cfg.Logger = logger
	return cfg, true
}

// pipelineConfig maps the settings onto the pipeline; the ledger, recorder
// and progress hook are wired by the caller.
func (s settings) pipelineConfig(logger *slog.Logger) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.FromHeight = s.FromHeight
	cfg.MaxBlocks = s.MaxBlocks
	cfg.MaxLookback = s.MaxLookback
	cfg.BatchRetries = s.BatchRetries
	cfg.Output = s.Out
	cfg.Compress = s.Compress
	cfg.VerifyLinkage = s.VerifyLinkage
	cfg.Fetch.MaxConcurrency = s.MaxConcurrency
	cfg.Fetch.Logger = logger
	cfg.Logger = logger
	return cfg
}

// parseHeaders parses key=value pairs.
func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q: want key=value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// newLogger builds the slog logger selected by level and format.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
