// Package integration exercises the harness against real nodes.
//
// The anvil tests require anvil in PATH. The forked credit delegation test
// also needs MAINNET_PROVIDER pointing at an archive node.
// Run with: go test -tags=integration ./internal/integration/...
//
//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/forknode"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/scenario"
	"github.com/gateway-fm/forkharness/internal/units"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// anvilInstance manages an anvil process for testing.
type anvilInstance struct {
	cmd *exec.Cmd
	url string
}

// startAnvil starts a plain (non-forking) anvil instance that mines on demand.
func startAnvil(t *testing.T) *anvilInstance {
	t.Helper()

	port := 18545 + (time.Now().UnixNano() % 1000)
	cmd := exec.Command("anvil", "--port", fmt.Sprintf("%d", port), "--silent")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			t.Skip("anvil not installed, skipping integration test")
		}
		t.Fatalf("Failed to start anvil: %v", err)
	}

	instance := &anvilInstance{
		cmd: cmd,
		url: fmt.Sprintf("http://localhost:%d", port),
	}
	t.Cleanup(instance.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("anvil failed to start: %s", stderr.String())
		default:
			resp, err := http.Post(instance.url, "application/json",
				strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return instance
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (a *anvilInstance) stop() {
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
		a.cmd.Wait()
	}
}

func newHarness(t *testing.T, url string) (*harness.Harness, rpc.Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := rpc.DefaultClientConfig(url)
	cfg.Logger = logger
	client := rpc.NewHTTPClient(cfg)
	t.Cleanup(func() { client.Close() })

	h, err := harness.New(harness.Config{Client: client, Dialect: execnode.Anvil(), Logger: logger})
	if err != nil {
		t.Fatalf("harness.New: %v", err)
	}
	return h, client
}

func balance(t *testing.T, client rpc.Client, addr common.Address) *big.Int {
	t.Helper()
	bal, err := client.GetBalance(context.Background(), addr.Hex())
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", addr, err)
	}
	return bal
}

// TestScopeRestoresKeyedTransfers checks that a snapshot scope undoes a
// transfer, and that the sender can transact again afterwards with the
// rewound nonce.
func TestScopeRestoresKeyedTransfers(t *testing.T) {
	anvil := startAnvil(t)
	h, client := newHarness(t, anvil.url)
	ctx := context.Background()

	accounts, err := account.LoadTestAccounts()
	if err != nil {
		t.Fatal(err)
	}
	chainID, err := client.GetChainID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sender := accounts[1].Connect(client, chainID)
	recipient := accounts[9].Address
	before := balance(t, client, recipient)
	oneEther := units.MustParseEther("1")

	err = h.Scope(ctx, func(ctx context.Context) error {
		if _, err := account.Transact(ctx, client, sender, account.Call{To: recipient, Value: oneEther}); err != nil {
			return err
		}
		if got := balance(t, client, recipient); got.Cmp(new(big.Int).Add(before, oneEther)) != 0 {
			t.Errorf("balance inside scope = %s, want %s + 1 ETH", got, before)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}

	if got := balance(t, client, recipient); got.Cmp(before) != 0 {
		t.Fatalf("balance after scope = %s, want %s", got, before)
	}

	if _, err := account.Transact(ctx, client, sender, account.Call{To: recipient, Value: oneEther}); err != nil {
		t.Fatalf("transfer after restore: %v", err)
	}
}

// TestImpersonatedAccountSends checks that a keyless address can send once
// impersonated and funded, and is refused after impersonation stops.
func TestImpersonatedAccountSends(t *testing.T) {
	anvil := startAnvil(t)
	h, client := newHarness(t, anvil.url)
	ctx := context.Background()

	holder := common.HexToAddress("0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000beef1")

	if err := h.SetBalance(ctx, holder, units.MustParseEther("10")); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	signer, err := h.Impersonate(ctx, holder)
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}

	amount := units.MustParseEther("2.5")
	if _, err := account.Transact(ctx, client, signer, account.Call{To: recipient, Value: amount}); err != nil {
		t.Fatalf("impersonated transfer: %v", err)
	}
	if got := balance(t, client, recipient); got.Cmp(amount) != 0 {
		t.Errorf("recipient balance = %s, want %s", got, amount)
	}

	if err := h.StopImpersonating(ctx, holder); err != nil {
		t.Fatalf("StopImpersonating: %v", err)
	}
	if _, err := signer.Send(ctx, account.Call{To: recipient, Value: amount, Gas: 21000}); err == nil {
		t.Error("send succeeded after impersonation stopped")
	}
}

// TestSnapshotStackOnAnvil checks LIFO restores and single-use handles
// against anvil's evm_snapshot implementation.
func TestSnapshotStackOnAnvil(t *testing.T) {
	anvil := startAnvil(t)
	h, client := newHarness(t, anvil.url)
	ctx := context.Background()
	stack := h.NewStack()

	outer, err := stack.Push(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Mine(ctx); err != nil {
		t.Fatal(err)
	}
	inner, err := stack.Push(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Mine(ctx); err != nil {
		t.Fatal(err)
	}

	if err := stack.Pop(ctx, outer); !errors.Is(err, harness.ErrOutOfOrder) {
		t.Fatalf("Pop(outer) = %v, want ErrOutOfOrder", err)
	}
	if err := stack.Pop(ctx, inner); err != nil {
		t.Fatalf("Pop(inner): %v", err)
	}
	block, err := client.GetBlockNumber(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if block != 1 {
		t.Errorf("block after inner restore = %d, want 1", block)
	}

	if err := stack.Pop(ctx, outer); err != nil {
		t.Fatalf("Pop(outer): %v", err)
	}
	if err := h.RestoreSnapshot(ctx, outer); !errors.Is(err, harness.ErrSnapshotNotFound) {
		t.Errorf("second restore = %v, want ErrSnapshotNotFound", err)
	}
}

// TestForkedCreditDelegation runs the default pair against a mainnet fork.
func TestForkedCreditDelegation(t *testing.T) {
	forkURL := os.Getenv("MAINNET_PROVIDER")
	if forkURL == "" {
		t.Skip("MAINNET_PROVIDER not set, skipping forked test")
	}
	var block uint64
	if v := os.Getenv("FORK_BLOCK"); v != "" {
		var err error
		if block, err = strconv.ParseUint(v, 10, 64); err != nil {
			t.Fatalf("FORK_BLOCK: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	node, err := forknode.Start(ctx, forknode.Config{
		Dialect:   execnode.Anvil(),
		ForkURL:   forkURL,
		ForkBlock: block,
		Port:      int(19545 + time.Now().UnixNano()%1000),
	})
	if errors.Is(err, exec.ErrNotFound) {
		t.Skip("anvil not installed, skipping integration test")
	}
	if err != nil {
		t.Fatalf("forknode.Start: %v", err)
	}
	defer node.Stop()

	h, client := newHarness(t, node.URL())
	book, err := addressbook.Default()
	if err != nil {
		t.Fatal(err)
	}
	roles, err := account.LoadRoles()
	if err != nil {
		t.Fatal(err)
	}
	suite, err := scenario.NewSuite(scenario.SuiteConfig{Harness: h, Book: book, Roles: roles})
	if err != nil {
		t.Fatal(err)
	}

	startBlock, err := client.GetBlockNumber(ctx)
	if err != nil {
		t.Fatal(err)
	}

	result := suite.RunPair(account.WithReceiptTimeout(ctx, 2*time.Minute), "integration", types.DefaultPairs()[0])
	for _, s := range result.Steps {
		t.Logf("%-8s %s %s", s.Status, s.Path, s.Error)
	}

	switch result.Status {
	case types.RunPassed, types.RunSkipped:
	default:
		t.Errorf("run status = %s: %s", result.Status, result.Error)
	}

	endBlock, err := client.GetBlockNumber(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if endBlock != startBlock {
		t.Errorf("fork head moved from %d to %d, the run did not restore its snapshot", startBlock, endBlock)
	}
}
