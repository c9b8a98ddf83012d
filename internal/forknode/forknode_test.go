package forknode

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/testutil/fakenode"
)

func TestWaitReady(t *testing.T) {
	node := fakenode.New(t)
	cfg := rpc.DefaultClientConfig(node.URL())
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)
	defer client.Close()

	block, err := WaitReady(context.Background(), client, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, node.BlockNumber(), block)
}

func TestWaitReadyExited(t *testing.T) {
	cfg := rpc.DefaultClientConfig("http://127.0.0.1:1")
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)
	defer client.Close()

	exited := make(chan struct{})
	close(exited)

	_, err := WaitReady(context.Background(), client, exited)
	assert.ErrorContains(t, err, "exited before becoming ready")
}

func TestWaitReadyTimeout(t *testing.T) {
	cfg := rpc.DefaultClientConfig("http://127.0.0.1:1")
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := WaitReady(ctx, client, make(chan struct{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartValidation(t *testing.T) {
	_, err := Start(context.Background(), Config{ForkURL: "http://upstream"})
	assert.ErrorContains(t, err, "dialect")

	_, err = Start(context.Background(), Config{Dialect: execnode.Anvil()})
	assert.ErrorContains(t, err, "fork URL")
}

func TestStartProcessExits(t *testing.T) {
	// The test binary with no matching tests exits immediately.
	dialect := &execnode.Dialect{
		Name:     "short-lived",
		Command:  os.Args[0],
		BaseArgs: []string{"-test.run=^$"},
	}

	_, err := Start(context.Background(), Config{
		Dialect:      dialect,
		ForkURL:      "http://upstream.invalid",
		Port:         1,
		ReadyTimeout: 10 * time.Second,
	})
	assert.ErrorContains(t, err, "exited before becoming ready")
}

func TestStartMissingBinary(t *testing.T) {
	dialect := &execnode.Dialect{Name: "missing", Command: "forkharness-no-such-node"}

	_, err := Start(context.Background(), Config{Dialect: dialect, ForkURL: "http://upstream.invalid", Port: 1})
	assert.ErrorContains(t, err, "failed to start")
}

func TestRedact(t *testing.T) {
	argv := execnode.Anvil().ForkCommand("https://eth.example/v2/secret", 11406154, 8545)
	got := redact(argv, "https://eth.example/v2/secret")
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "<fork-url>")
	assert.Contains(t, got, "11406154")
}
