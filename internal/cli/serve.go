package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/config"
	"github.com/gateway-fm/forkharness/internal/metrics"
	"github.com/gateway-fm/forkharness/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	Database    string
	CORSOrigins string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fork control HTTP API",
		Long: `Serve an HTTP API over the fork for the MCP server and other tools:
snapshots, impersonation, mining, token balances and transfers, background
credit delegation runs and their history, /metrics, and a /v1/ws status stream.

While a run is in progress the API refuses snapshot, impersonation and
transfer calls with 409 Conflict.

Example:
  forkctl serve
  forkctl serve --addr 127.0.0.1:13001 --rpc-url http://localhost:8545`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $API_ADDR or "+config.DefaultAPIAddr+")")
	cmd.Flags().StringVar(&opts.Database, "db", "", "run history database (default $DATABASE_PATH or "+config.DefaultDatabasePath+")")
	cmd.Flags().StringVar(&opts.CORSOrigins, "cors-origins", "*", "comma separated allowed CORS origins")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.logger()
	ctx, stop := signalContext(cmd, logger)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPrometheusMetrics(reg)

	s, err := opts.openSession(ctx, logger, m)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.APIAddr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	dbPath := s.cfg.DatabasePath
	if opts.Database != "" {
		dbPath = opts.Database
	}

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

	api := transport.NewServer(ctx, transport.ServerConfig{
		API:                ctl,
		Health:             s,
		Logger:             logger,
		Gatherer:           reg,
		CORSAllowedOrigins: opts.CORSOrigins,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	api.Start()
	defer api.Stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("serving fork control API",
		slog.String("addr", ln.Addr().String()),
		slog.String("fork", s.cfg.RPCURL),
	)
	fmt.Fprintf(cmd.ErrOrStderr(), "%s API listening on %s\n", green("✓"), cyan(ln.Addr().String()))

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}
	// A cancelled run still restores its snapshots and records its result.
	ctl.Wait()
	return nil
}
