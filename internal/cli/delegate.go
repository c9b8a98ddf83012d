package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/config"
	"github.com/gateway-fm/forkharness/internal/metrics"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// DelegateOptions holds flags for the delegate command.
type DelegateOptions struct {
	*RootOptions
	Pairs       []string
	MetricsAddr string
	Database    string
}

// NewDelegateCommand creates the delegate command.
func NewDelegateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DelegateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Run the credit delegation scenarios",
		Long: `Run the Aave credit delegation workflow for each pair against the fork.

Each pair is DEPOSIT/LOAN:depositAmount:delegatedAmount:rateMode. Every run
takes a snapshot first and restores it at the end, so the fork is left as it
was found. Results are written to the run history database.

Exit codes:
  0  every run passed or was skipped
  1  a run failed or aborted
  2  configuration or connection error

Example:
  forkctl delegate
  forkctl delegate --pair WETH/DAI:100:35000:stable --pair DAI/DAI:50000:35000:variable
  forkctl delegate --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegate(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Pairs, "pair", nil, "pair to run, repeatable (default $DELEGATION_PAIRS or WETH/DAI:100:35000:stable)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running (default $METRICS_ADDR)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "run history database, empty to disable (default $DATABASE_PATH or "+config.DefaultDatabasePath+")")

	return cmd
}

func runDelegate(opts *DelegateOptions, cmd *cobra.Command) error {
	logger := opts.logger()
	ctx, stop := signalContext(cmd, logger)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	pairs := cfg.Pairs
	if len(opts.Pairs) > 0 {
		if pairs, err = config.ParsePairs(strings.Join(opts.Pairs, ",")); err != nil {
			return WrapExitError(ExitCommandError, "invalid --pair", err)
		}
	}
	metricsAddr := cfg.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		metricsAddr = opts.MetricsAddr
	}
	dbPath := cfg.DatabasePath
	if cmd.Flags().Changed("db") {
		dbPath = opts.Database
	}

	var m *metrics.PrometheusMetrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewPrometheusMetrics(reg)
		shutdown, err := serveMetrics(metricsAddr, reg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer shutdown()
	}

	s, err := opts.openSession(ctx, logger, m)
	if err != nil {
		return err
	}
	defer s.Close()

	store, err := openStore(dbPath, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	ctl, err := s.controller(store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var failed int
	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		result, err := ctl.RunPair(ctx, pair)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start run", err)
		}
		printRun(out, result)
		if result.Status == types.RunFailed || result.Status == types.RunAborted {
			failed++
		}
	}

	if ctx.Err() != nil {
		return NewExitError(ExitFailure, "interrupted")
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d run(s) failed", failed, len(pairs)))
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
