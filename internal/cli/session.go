package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/config"
	"github.com/gateway-fm/forkharness/internal/control"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/metrics"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/scenario"
	"github.com/gateway-fm/forkharness/internal/storage"
)

// session is one command's connection to the forked node.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  rpc.Client
	harness *harness.Harness
	book    *addressbook.Book
	metrics *metrics.PrometheusMetrics
}

// openSession loads configuration, connects to the node and checks that it
// answers. m is optional.
func (o *RootOptions) openSession(ctx context.Context, logger *slog.Logger, m *metrics.PrometheusMetrics) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	dialect, err := cfg.NodeDialect()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	book, err := loadBook(cfg.AddressBook)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load address book", err)
	}

	clientCfg := cfg.ClientConfig()
	clientCfg.Logger = logger
	hcfg := harness.Config{Dialect: dialect, Logger: logger}
	if m != nil {
		clientCfg.Observer = m
		hcfg.Metrics = m
	}

	client, err := rpc.Dial(ctx, clientCfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to fork", err)
	}
	hcfg.Client = client

	block, err := client.GetBlockNumber(ctx)
	if err != nil {
		client.Close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("fork node at %s is not answering", cfg.RPCURL), err)
	}
	logger.Debug("connected to fork",
		slog.String("url", cfg.RPCURL),
		slog.String("dialect", dialect.Name),
		slog.Uint64("block", block),
	)

	h, err := harness.New(hcfg)
	if err != nil {
		client.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create harness", err)
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		harness: h,
		book:    book,
		metrics: m,
	}, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// controller builds a controller over the session. store is optional.
func (s *session) controller(store storage.Storage) (*control.Controller, error) {
	roles, err := account.LoadRoles()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load test accounts", err)
	}
	scfg := scenario.SuiteConfig{
		Harness: s.harness,
		Book:    s.book,
		Roles:   roles,
		Logger:  s.logger,
	}
	if s.metrics != nil {
		scfg.Metrics = s.metrics
	}
	suite, err := scenario.NewSuite(scfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create scenario suite", err)
	}

	ctl, err := control.New(control.Config{
		Harness:        s.harness,
		Book:           s.book,
		Suite:          suite,
		Storage:        store,
		RPCURL:         s.cfg.RPCURL,
		ReceiptTimeout: s.cfg.ReceiptTimeout,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create controller", err)
	}
	return ctl, nil
}

// CheckNode reports whether the node answers eth_blockNumber.
func (s *session) CheckNode(ctx context.Context) error {
	_, err := s.client.GetBlockNumber(ctx)
	return err
}

func loadBook(path string) (*addressbook.Book, error) {
	if path == "" {
		return addressbook.Default()
	}
	return addressbook.Load(path)
}

// openStore opens run history at path, or returns nil when path is empty.
func openStore(path string, logger *slog.Logger) (storage.Storage, error) {
	if path == "" {
		return nil, nil
	}
	store, err := storage.NewSQLiteStorage(path, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open run history", err)
	}
	return store, nil
}

// withSession runs fn with a session that is closed afterwards. fn's context
// is cancelled on SIGINT or SIGTERM.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	logger := opts.logger()
	ctx, stop := signalContext(cmd, logger)
	defer stop()

	s, err := opts.openSession(ctx, logger, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// chainError maps a failed chain operation to an exit error. Unknown names
// are the caller's mistake.
func chainError(message string, err error) error {
	if errors.Is(err, addressbook.ErrUnknown) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
