package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fortiblox/btcfetch/pkg/blockstore"
	"github.com/fortiblox/btcfetch/pkg/chain"
	"github.com/fortiblox/btcfetch/pkg/jsonrpc"
	"github.com/fortiblox/btcfetch/pkg/metrics"
	"github.com/fortiblox/btcfetch/pkg/pipeline"
)

// app carries what every subcommand needs once flags are resolved.
type app struct {
	settings settings
	log      *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "btcfetch",
		Short:         "Fetch Bitcoin block headers for proving systems",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			a.settings = loadSettings(v)
			a.log, err = newLogger(cmd.ErrOrStderr(), a.settings.LogLevel, a.settings.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(a.log)
			return nil
		},
	}
	registerFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newFetchCmd(a))
	rootCmd.AddCommand(newTipCmd(a))
	rootCmd.AddCommand(newLedgerCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// signalContext cancels on SIGINT or SIGTERM.
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			a.log.Warn("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (a *app) chainClient(observer jsonrpc.Observer) (*chain.Client, error) {
	cfg, err := a.settings.rpcConfig(a.log, observer)
	if err != nil {
		return nil, err
	}
	rpc, err := jsonrpc.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return chain.NewClient(rpc), nil
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch one window of hashes and headers and write the artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()
			return a.fetch(ctx)
		},
	}
}

func (a *app) fetch(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if a.settings.MetricsAddr != "" {
		stop, err := a.serveMetrics(reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	client, err := a.chainClient(m)
	if err != nil {
		return err
	}

	cfg := a.settings.pipelineConfig(a.log)
	cfg.Recorder = m

	if ledgerCfg, ok := a.settings.ledgerConfig(a.log); ok {
		ledger, err := blockstore.Open(ledgerCfg)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close()
		cfg.Ledger = ledger
	}

	var bar *progressbar.ProgressBar
	if a.settings.Progress {
		bar = progressbar.NewOptions64(
			-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetDescription("Fetching hashes and headers..."),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
		cfg.Fetch.OnItem = func() {
			if err := bar.Add(1); err != nil {
				a.log.Debug("failed to update progress bar", "error", err)
			}
		}
	}

	p, err := pipeline.New(client, cfg)
	if err != nil {
		return err
	}

	summary, err := p.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	if summary.UpToDate {
		a.log.Info("already up to date", "tip", summary.Tip)
		return nil
	}
	a.log.Info("fetch complete",
		"from", summary.Window.From,
		"target", summary.Window.Target,
		"blocks", summary.Blocks,
		"out", summary.Output,
		"blake3", summary.Digest,
		"elapsed", summary.Elapsed.Round(time.Millisecond))
	return nil
}

// serveMetrics starts the metrics endpoint and returns its shutdown func.
func (a *app) serveMetrics(reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", a.settings.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newTipCmd(a *app) *cobra.Command {
	var showHash bool
	cmd := &cobra.Command{
		Use:   "tip",
		Short: "Print the node's block count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()

			client, err := a.chainClient(nil)
			if err != nil {
				return err
			}
			tip, err := client.GetBlockCount(ctx)
			if err != nil {
				return err
			}
			if !showHash {
				fmt.Fprintln(cmd.OutOrStdout(), tip)
				return nil
			}
			hash, err := client.GetBlockHash(ctx, tip)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", tip, hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showHash, "hash", false, "also print the tip block hash")
	return cmd
}

func newLedgerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print statistics of the hash ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ok := a.settings.ledgerConfig(a.log)
			if !ok {
				return errors.New("no ledger configured (set --ledger-path)")
			}
			cfg.ReadOnly = true

			ledger, err := blockstore.Open(cfg)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer ledger.Close()

			stats, err := ledger.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if stats.Empty {
				fmt.Fprintf(out, "%s ledger at %s is empty\n", stats.Backend, cfg.Path)
				return nil
			}
			fmt.Fprintf(out, "backend: %s\nheights: %d..%d\nrecorded: %d\n",
				stats.Backend, stats.Oldest, stats.Latest, stats.Count)
			if hash, err := ledger.Get(stats.Latest); err == nil {
				fmt.Fprintf(out, "latest hash: %s\n", hash)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "btcfetch %s (%s)\n", Version, GitCommit)
		},
	}
}
