package control

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/contract"
	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/scenario"
	"github.com/gateway-fm/forkharness/internal/storage"
	"github.com/gateway-fm/forkharness/internal/testutil/fakenode"
	"github.com/gateway-fm/forkharness/internal/units"
	"github.com/gateway-fm/forkharness/pkg/types"
)

type fixture struct {
	node  *fakenode.Node
	book  *addressbook.Book
	ctl   *Controller
	store *storage.SQLiteStorage
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	node := fakenode.New(t)

	cfg := rpc.DefaultClientConfig(node.URL())
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)
	t.Cleanup(func() { client.Close() })

	h, err := harness.New(harness.Config{Client: client, Dialect: execnode.Hardhat()})
	require.NoError(t, err)
	book, err := addressbook.Default()
	require.NoError(t, err)
	roles, err := account.LoadRoles()
	require.NoError(t, err)
	suite, err := scenario.NewSuite(scenario.SuiteConfig{Harness: h, Book: book, Roles: roles})
	require.NoError(t, err)

	for _, symbol := range []string{"DAI", "WETH", "LINK"} {
		addr, err := book.Token(symbol)
		require.NoError(t, err)
		node.AddToken(addr, symbol, 18)
	}

	f := &fixture{node: node, book: book}
	ctlCfg := Config{Harness: h, Book: book, Suite: suite, RPCURL: node.URL()}
	if withStore {
		f.store, err = storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { f.store.Close() })
		ctlCfg.Storage = f.store
	}
	f.ctl, err = New(ctlCfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) token(t *testing.T, symbol string) common.Address {
	t.Helper()
	addr, err := f.book.Token(symbol)
	require.NoError(t, err)
	return addr
}

// freezeReserves makes every reserve report frozen, so runs skip.
func (f *fixture) freezeReserves(t *testing.T) {
	t.Helper()
	parsed := contract.DataProviderABI
	out, err := parsed.Methods["getReserveConfigurationData"].Outputs.Pack(
		big.NewInt(18), big.NewInt(8000), big.NewInt(8250), big.NewInt(10500), big.NewInt(1000),
		true, true, true, true, true)
	require.NoError(t, err)
	f.node.SetCallResult(f.book.Aave.DataProvider, parsed.Methods["getReserveConfigurationData"].ID, out)

	zero := new(big.Int)
	data, err := parsed.Methods["getReserveData"].Outputs.Pack(
		units.MustParseEther("1000000"), zero, zero, zero, zero, zero, zero, zero, zero, zero)
	require.NoError(t, err)
	f.node.SetCallResult(f.book.Aave.DataProvider, parsed.Methods["getReserveData"].ID, data)
	f.deployPool(t)
}

// deployPool gives the lending pool code by answering getUserAccountData.
func (f *fixture) deployPool(t *testing.T) {
	t.Helper()
	zero := new(big.Int)
	pool := contract.LendingPoolABI.Methods["getUserAccountData"]
	out, err := pool.Outputs.Pack(zero, zero, zero, zero, zero, zero)
	require.NoError(t, err)
	f.node.SetCallResult(f.book.Aave.LendingPool, pool.ID, out)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "harness")
}

func TestSnapshotAndRevert(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	outer, err := f.ctl.Snapshot(ctx)
	require.NoError(t, err)
	inner, err := f.ctl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Depth)
	assert.Equal(t, []string{outer.ID, inner.ID}, inner.Stack)

	_, err = f.ctl.Revert(ctx, outer.ID)
	require.ErrorIs(t, err, harness.ErrOutOfOrder)
	assert.Equal(t, 0, f.node.Count("evm_revert"), "out of order restores never reach the node")

	state, err := f.ctl.Revert(ctx, inner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Depth)

	_, err = f.ctl.Revert(ctx, inner.ID)
	require.ErrorIs(t, err, harness.ErrSnapshotNotFound)

	_, err = f.ctl.Revert(ctx, outer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.ctl.Snapshots().Depth)
	assert.Equal(t, 0, f.node.SnapshotCount())
}

func TestUnwindAndReset(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		state, err := f.ctl.Snapshot(ctx)
		require.NoError(t, err)
		ids = append(ids, state.ID)
	}

	state, err := f.ctl.Unwind(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, state.Stack)
	assert.Equal(t, 1, f.node.SnapshotCount())

	_, err = f.ctl.Unwind(ctx, ids[2])
	require.ErrorIs(t, err, harness.ErrSnapshotNotFound)

	_, err = f.ctl.Snapshot(ctx)
	require.NoError(t, err)
	state, err = f.ctl.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Depth)
	assert.Equal(t, 0, f.node.SnapshotCount())

	reverts := f.node.Count("evm_revert")
	_, err = f.ctl.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, reverts, f.node.Count("evm_revert"), "resetting an empty stack never reaches the node")
}

func TestMine(t *testing.T) {
	f := newFixture(t, false)
	start := f.node.BlockNumber()

	mined, err := f.ctl.Mine(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, mined.Blocks)
	assert.Equal(t, start+3, mined.Head)

	mined, err = f.ctl.Mine(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, mined.Blocks)
	assert.Equal(t, start+4, f.node.BlockNumber())
}

func TestRunPairRequiresDeployedContracts(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.ctl.RunPair(context.Background(), types.DefaultPairs()[0])
	require.ErrorIs(t, err, ErrNotDeployed)
	assert.Contains(t, err.Error(), "LendingPool, ProtocolDataProvider")
	assert.NotContains(t, err.Error(), "WETH")
	assert.Empty(t, f.ctl.Status().Running, "a refused run releases the node")
	assert.Equal(t, 0, f.node.Count("evm_snapshot"))

	page, err := f.ctl.Runs(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total, "refused runs are not recorded")

	_, err = f.ctl.StartRun(context.Background(), types.Pair{
		DepositAsset: "WETH", LoanAsset: "XYZ", DepositAmount: "1", DelegatedAmount: "1", RateMode: types.RateStable,
	})
	require.ErrorIs(t, err, addressbook.ErrUnknown)
}

func TestAdminRefusedDuringRun(t *testing.T) {
	f := newFixture(t, false)
	f.ctl.running = "run-1"

	_, err := f.ctl.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "run-1")

	_, err = f.ctl.Impersonate(context.Background(), "hardhat1")
	require.ErrorIs(t, err, ErrBusy)

	_, err = f.ctl.RunPair(context.Background(), types.DefaultPairs()[0])
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.ctl.Mine(context.Background(), 1)
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.ctl.Reset(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, f.node.Count("evm_snapshot"))
	assert.Equal(t, 0, f.node.Count("evm_mine"))
}

func TestImpersonate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	addr, err := f.ctl.Impersonate(ctx, "hardhat1")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), addr)
	assert.True(t, f.node.Impersonating(addr))

	_, err = f.ctl.StopImpersonating(ctx, addr.Hex())
	require.NoError(t, err)
	assert.False(t, f.node.Impersonating(addr))

	_, err = f.ctl.Impersonate(ctx, "nobody")
	assert.ErrorContains(t, err, "nobody")
}

func TestBalance(t *testing.T) {
	f := newFixture(t, false)
	user, err := f.book.User("hardhat1")
	require.NoError(t, err)
	f.node.SetTokenBalance(f.token(t, "LINK"), user, units.MustParseEther("12.5"))

	bal, err := f.ctl.Balance(context.Background(), "LINK", "hardhat1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", bal.Amount)
	assert.Equal(t, uint8(18), bal.Decimals)
	assert.Equal(t, user, bal.Account)

	_, err = f.ctl.Balance(context.Background(), "XYZ", "hardhat1")
	assert.ErrorContains(t, err, "XYZ")
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, false)
	dai := f.token(t, "DAI")
	holder, err := f.book.Holder("DAI")
	require.NoError(t, err)
	f.node.SetTokenBalance(dai, holder, units.MustParseEther("80000"))

	res, err := f.ctl.Transfer(context.Background(), TransferRequest{Asset: "DAI", Amount: "50000", To: "hardhat1"})
	require.NoError(t, err)

	assert.Equal(t, "0", res.RecipientBefore)
	assert.Equal(t, "50000", res.RecipientAfter)
	assert.Equal(t, "80000", res.HolderBefore)
	assert.Equal(t, units.MustParseEther("30000"), f.node.TokenBalance(dai, holder))
	assert.False(t, f.node.Impersonating(holder), "holder impersonation must be released")
	assert.Equal(t, gasTopUp, f.node.Balance(holder))
}

func TestTransferInsufficientBalance(t *testing.T) {
	f := newFixture(t, false)
	holder, err := f.book.Holder("DAI")
	require.NoError(t, err)
	f.node.SetTokenBalance(f.token(t, "DAI"), holder, units.MustParseEther("10"))

	_, err = f.ctl.Transfer(context.Background(), TransferRequest{Asset: "DAI", Amount: "50000", To: "hardhat1"})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "has 10 DAI")
	assert.Empty(t, f.node.Transactions())
	assert.Equal(t, 0, f.node.Count("hardhat_impersonateAccount"))
}

func TestRunPairPersistsHistory(t *testing.T) {
	f := newFixture(t, true)
	f.freezeReserves(t)
	ctx := context.Background()

	result, err := f.ctl.RunPair(ctx, types.DefaultPairs()[0])
	require.NoError(t, err)
	assert.Equal(t, types.RunSkipped, result.Status)

	detail, err := f.ctl.Run(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSkipped, detail.Status)
	assert.Equal(t, 15, detail.Skipped)
	assert.Len(t, detail.Steps, 15)
	assert.Equal(t, f.node.URL(), detail.RPCURL)

	page, err := f.ctl.Runs(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	require.NoError(t, f.ctl.DeleteRun(ctx, result.ID))
	_, err = f.ctl.Run(ctx, result.ID)
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, f.ctl.DeleteRun(ctx, result.ID), ErrRunNotFound)
}

func TestStartRun(t *testing.T) {
	f := newFixture(t, false)
	f.freezeReserves(t)

	id, err := f.ctl.StartRun(context.Background(), types.DefaultPairs()[0])
	require.NoError(t, err)
	f.ctl.Wait()

	status := f.ctl.Status()
	assert.Empty(t, status.Running)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, id, status.LastRun.ID)
	assert.Equal(t, types.RunSkipped, status.LastRun.Status)

	// The node is free again.
	_, err = f.ctl.Snapshot(context.Background())
	require.NoError(t, err)
}

func TestHistoryWithoutStorage(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.ctl.Runs(context.Background(), 10, 0)
	require.ErrorIs(t, err, ErrNoHistory)
	_, err = f.ctl.Run(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoHistory)
}
