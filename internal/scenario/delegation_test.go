package scenario

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/contract"
	"github.com/gateway-fm/forkharness/internal/testutil/fakenode"
	"github.com/gateway-fm/forkharness/internal/units"
	"github.com/gateway-fm/forkharness/pkg/types"
)

type fixture struct {
	node    *fakenode.Node
	book    *addressbook.Book
	roles   account.Roles
	suite   *Suite
	metrics *recordingMetrics
	weth    common.Address
	dai     common.Address
	holder  common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node := fakenode.New(t)

	book, err := addressbook.Default()
	require.NoError(t, err)
	roles, err := account.LoadRoles()
	require.NoError(t, err)

	f := &fixture{node: node, book: book, roles: roles, metrics: &recordingMetrics{}}
	f.weth, err = book.Token("WETH")
	require.NoError(t, err)
	f.dai, err = book.Token("DAI")
	require.NoError(t, err)
	f.holder, err = book.Holder("WETH")
	require.NoError(t, err)

	node.AddToken(f.weth, "WETH", 18)
	node.AddToken(f.dai, "DAI", 18)

	f.suite, err = NewSuite(SuiteConfig{
		Harness: newTestHarness(t, node),
		Book:    book,
		Roles:   roles,
		Metrics: f.metrics,
	})
	require.NoError(t, err)
	return f
}

// reserves makes the data provider report both reserves with the given flags
// and liquidity.
func (f *fixture) reserves(t *testing.T, active, frozen bool, liquidity *big.Int) {
	t.Helper()
	zero := new(big.Int)
	config := pack(t, contract.DataProviderABI, "getReserveConfigurationData",
		big.NewInt(18), big.NewInt(8000), big.NewInt(8250), big.NewInt(10500), big.NewInt(1000),
		true, true, true, active, frozen)
	data := pack(t, contract.DataProviderABI, "getReserveData",
		liquidity, zero, zero, zero, zero, zero, zero, zero, zero, zero)

	provider := f.book.Aave.DataProvider
	f.node.SetCallResult(provider, selector(contract.DataProviderABI, "getReserveConfigurationData"), config)
	f.node.SetCallResult(provider, selector(contract.DataProviderABI, "getReserveData"), data)
}

// emptyPosition makes the lending pool report a user with no collateral and no debt.
func (f *fixture) emptyPosition(t *testing.T) {
	t.Helper()
	zero := new(big.Int)
	out := pack(t, contract.LendingPoolABI, "getUserAccountData", zero, zero, zero, zero, zero, zero)
	f.node.SetCallResult(f.book.Aave.LendingPool, selector(contract.LendingPoolABI, "getUserAccountData"), out)
}

func pack(t *testing.T, parsed abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func selector(parsed abi.ABI, method string) []byte {
	return parsed.Methods[method].ID
}

func flatten(s *Step, out []*Step) []*Step {
	out = append(out, s)
	for _, c := range s.Children {
		out = flatten(c, out)
	}
	return out
}

func TestNewSuiteValidation(t *testing.T) {
	f := newFixture(t)

	_, err := NewSuite(SuiteConfig{Book: f.book, Roles: f.roles})
	assert.ErrorContains(t, err, "harness")

	_, err = NewSuite(SuiteConfig{Harness: f.suite.h, Roles: f.roles})
	assert.ErrorContains(t, err, "address book")

	_, err = NewSuite(SuiteConfig{Harness: f.suite.h, Book: f.book})
	assert.ErrorContains(t, err, "accounts")
}

func TestDelegationTree(t *testing.T) {
	f := newFixture(t)
	d, err := f.suite.newDelegation(context.Background(), types.DefaultPairs()[0], f.suite.logger)
	require.NoError(t, err)

	root := d.tree()
	steps := flatten(root, nil)
	require.Len(t, steps, 15)

	assert.Equal(t, "when using 100 WETH as collateral to delegate 35000 DAI, with stable interest", root.Name)
	assert.True(t, root.Isolated, "the whole pair runs in an isolated scope")

	var isolated []string
	for _, s := range steps[1:] {
		if s.Isolated {
			isolated = append(isolated, s.Name)
		}
	}
	assert.Equal(t, []string{
		"when the lender withdraws collateral before approving credit",
		"when the lender withdraws collateral before the borrower repays",
	}, isolated)

	assert.Equal(t, "(6) when the lender withdraws collateral", steps[len(steps)-1].Name)
}

func TestRunPairUnknownAsset(t *testing.T) {
	f := newFixture(t)
	pair := types.Pair{DepositAsset: "XYZ", LoanAsset: "DAI", DepositAmount: "1", DelegatedAmount: "1", RateMode: types.RateStable}

	result := f.suite.RunPair(context.Background(), "run-unknown", pair)
	assert.Equal(t, types.RunAborted, result.Status)
	assert.Contains(t, result.Error, "XYZ")
	assert.Empty(t, result.Steps)
}

func TestRunPairSkipsUnavailablePair(t *testing.T) {
	f := newFixture(t)
	f.reserves(t, true, true, units.MustParseEther("1000000"))

	result := f.suite.RunPair(context.Background(), "run-frozen", types.DefaultPairs()[0])

	assert.Equal(t, types.RunSkipped, result.Status)
	require.Len(t, result.Steps, 15)
	for _, step := range result.Steps {
		assert.Equal(t, types.StepSkipped, step.Status, step.Path)
	}
	assert.Contains(t, result.Steps[0].Error, "WETH is frozen")
	assert.Contains(t, result.Steps[0].Error, "DAI is frozen")
	assert.Equal(t, "hardhat", result.Dialect)
	assert.Equal(t, 0, f.node.SnapshotCount())
	assert.Equal(t, []types.RunStatus{types.RunRunning, types.RunSkipped}, f.metrics.status)
}

func TestRunPairSkipsOnLowLiquidity(t *testing.T) {
	f := newFixture(t)
	f.reserves(t, true, false, units.MustParseEther("100"))

	result := f.suite.RunPair(context.Background(), "run-dry", types.DefaultPairs()[0])

	assert.Equal(t, types.RunSkipped, result.Status)
	assert.Contains(t, result.Steps[0].Error, "liquidity for DAI is only 100")
}

func TestRunPairHolderShortfall(t *testing.T) {
	f := newFixture(t)
	f.reserves(t, true, false, units.MustParseEther("1000000"))
	f.node.SetTokenBalance(f.weth, f.holder, units.MustParseEther("5"))

	result := f.suite.RunPair(context.Background(), "run-short", types.DefaultPairs()[0])

	assert.Equal(t, types.RunFailed, result.Status)
	got := statuses(result.Steps)
	root := result.Steps[0].Path
	fund := root + " > when the lender has 100 WETH"
	assert.Equal(t, types.StepPassed, got[root])
	assert.Equal(t, types.StepFailed, got[fund])
	assert.Contains(t, result.Steps[1].Error, "only has 5 WETH")
	assert.Equal(t, 13, result.Count(types.StepBlocked))

	assert.False(t, f.node.Impersonating(f.holder), "holder impersonation must be released")
	assert.Equal(t, int64(0), f.node.Balance(f.holder).Int64(), "gas top-up is undone by the outer restore")
	assert.Equal(t, 0, f.node.SnapshotCount())
}

func TestRunPairWithoutHolderSkipsFunding(t *testing.T) {
	f := newFixture(t)
	f.reserves(t, true, false, units.MustParseEther("1000000"))
	susd, err := f.book.Token("sUSD")
	require.NoError(t, err)
	f.node.AddToken(susd, "sUSD", 18)

	pair := types.Pair{DepositAsset: "sUSD", LoanAsset: "DAI", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: types.RateStable}
	result := f.suite.RunPair(context.Background(), "run-no-holder", pair)

	require.GreaterOrEqual(t, len(result.Steps), 2)
	assert.Equal(t, types.StepSkipped, result.Steps[1].Status)
	assert.Contains(t, result.Steps[1].Error, "no funding holder for sUSD")
	assert.Zero(t, result.Count(types.StepFailed))
	assert.Empty(t, f.node.Transactions())
	assert.Equal(t, 0, f.node.SnapshotCount())
}

func TestRunPairStopsAtMissingCollateral(t *testing.T) {
	f := newFixture(t)
	f.reserves(t, true, false, units.MustParseEther("1000000"))
	f.emptyPosition(t)
	holderBalance := units.MustParseEther("250")
	f.node.SetTokenBalance(f.weth, f.holder, holderBalance)

	result := f.suite.RunPair(context.Background(), "run-partial", types.DefaultPairs()[0])

	assert.Equal(t, types.RunFailed, result.Status)
	require.Len(t, result.Steps, 15)
	want := []types.StepStatus{types.StepPassed, types.StepPassed, types.StepPassed, types.StepFailed}
	for i, status := range want {
		assert.Equal(t, status, result.Steps[i].Status, result.Steps[i].Path)
	}
	assert.Contains(t, result.Steps[3].Error, "shows that the lender has collateral")
	assert.Equal(t, 11, result.Count(types.StepBlocked))
	assert.Equal(t, "1 step(s) failed", result.Error)

	// The outer scope returns the fork to its original state.
	assert.Equal(t, holderBalance, f.node.TokenBalance(f.weth, f.holder))
	assert.Equal(t, int64(0), f.node.TokenBalance(f.weth, f.roles.Lender.Address).Int64())
	assert.Empty(t, f.node.Transactions())
}
