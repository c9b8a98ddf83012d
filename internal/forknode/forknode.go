// Package forknode launches a local node that forks a remote chain and waits
// until it answers JSON-RPC.
package forknode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/rpc"
)

// DefaultReadyTimeout bounds how long Start waits for the node to answer.
// Forking fetches the head block from the upstream node first.
const DefaultReadyTimeout = 2 * time.Minute

// Config configures a forked node.
type Config struct {
	Dialect   *execnode.Dialect
	ForkURL   string
	ForkBlock uint64 // 0 forks the upstream head
	Port      int
	Dir       string // working directory; hardhat needs its project root

	// Node output is streamed to these writers. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Node is a running forked node process.
type Node struct {
	cmd    *exec.Cmd
	url    string
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Start launches the node and blocks until it serves eth_blockNumber, the
// process exits, or ctx is done.
func Start(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Dialect == nil {
		return nil, errors.New("dialect is required")
	}
	if cfg.ForkURL == "" {
		return nil, errors.New("fork URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	argv := cfg.Dialect.ForkCommand(cfg.ForkURL, cfg.ForkBlock, cfg.Port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr

	logger.Info("starting forked node",
		slog.String("dialect", cfg.Dialect.Name),
		slog.String("command", redact(argv, cfg.ForkURL)),
		slog.Uint64("block", cfg.ForkBlock),
		slog.Int("port", cfg.Port),
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	n := &Node{
		cmd:    cmd,
		url:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		n.err = cmd.Wait()
		close(n.done)
	}()

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	block, err := n.waitReady(readyCtx)
	if err != nil {
		n.Stop()
		return nil, err
	}

	logger.Info("forked node ready", slog.String("url", n.url), slog.Uint64("head", block))
	return n, nil
}

// URL is the node's JSON-RPC endpoint.
func (n *Node) URL() string {
	return n.url
}

// Done is closed when the process exits.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Wait blocks until the process exits and returns its exit error.
func (n *Node) Wait() error {
	<-n.done
	return n.err
}

// Stop interrupts the node and kills it if it has not exited after a grace
// period.
func (n *Node) Stop() error {
	select {
	case <-n.done:
		return nil
	default:
	}

	if err := n.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		n.logger.Debug("interrupt failed, killing node", slog.String("error", err.Error()))
		n.cmd.Process.Kill()
	}

	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		n.cmd.Process.Kill()
		<-n.done
	}

	var exitErr *exec.ExitError
	if errors.As(n.err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return nil
		}
	}
	return n.err
}

func (n *Node) waitReady(ctx context.Context) (uint64, error) {
	cfg := rpc.DefaultClientConfig(n.url)
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	cfg.Logger = n.logger
	client := rpc.NewHTTPClient(cfg)
	defer client.Close()

	return WaitReady(ctx, client, n.done)
}

// WaitReady polls eth_blockNumber until it succeeds, exited is closed, or ctx
// is done.
func WaitReady(ctx context.Context, client rpc.Client, exited <-chan struct{}) (uint64, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		block, err := client.GetBlockNumber(ctx)
		if err == nil {
			return block, nil
		}

		select {
		case <-exited:
			return 0, errors.New("node exited before becoming ready")
		case <-ctx.Done():
			return 0, fmt.Errorf("node not ready: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// redact hides the fork URL, which usually embeds an API key.
func redact(argv []string, forkURL string) string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		if arg == forkURL {
			arg = "<fork-url>"
		}
		out[i] = arg
	}
	return strings.Join(out, " ")
}
