package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/contract"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/units"
	"github.com/gateway-fm/forkharness/pkg/types"
)

var (
	// Debt below this is treated as fully repaid; interest accrues per block.
	dustETH = units.MustParseEther("0.01")

	// Allowance the lender and borrower grant the pool.
	poolAllowance = units.MustParseEther("1000000")

	// Gas money for funding holders that are contracts without ETH.
	holderGasFloor = units.MustParseEther("1")
	holderGasTopUp = units.MustParseEther("10")
)

// SuiteConfig configures a credit delegation Suite.
type SuiteConfig struct {
	Harness *harness.Harness
	Book    *addressbook.Book
	Roles   account.Roles
	// ChainID signs the roles' transactions. Fetched from the node when nil.
	ChainID *big.Int
	Logger  *slog.Logger
	Metrics Metrics
}

// Suite runs the credit delegation workflow for configured pairs.
type Suite struct {
	h       *harness.Harness
	book    *addressbook.Book
	roles   account.Roles
	chainID *big.Int
	logger  *slog.Logger
	metrics Metrics
	runner  *Runner
}

// NewSuite creates a suite.
func NewSuite(cfg SuiteConfig) (*Suite, error) {
	if cfg.Harness == nil {
		return nil, errors.New("harness is required")
	}
	if cfg.Book == nil {
		return nil, errors.New("address book is required")
	}
	if cfg.Roles.Lender == nil || cfg.Roles.Borrower == nil || cfg.Roles.Someone == nil {
		return nil, errors.New("lender, borrower and bystander accounts are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{
		h:       cfg.Harness,
		book:    cfg.Book,
		roles:   cfg.Roles,
		chainID: cfg.ChainID,
		logger:  logger,
		metrics: cfg.Metrics,
		runner:  NewRunner(RunnerConfig{Harness: cfg.Harness, Logger: logger, Metrics: cfg.Metrics}),
	}, nil
}

// RunPair runs the credit delegation tree for pair. The whole tree runs in
// an isolated scope, so the fork is left as it was found.
func (s *Suite) RunPair(ctx context.Context, id string, pair types.Pair) *types.RunResult {
	result := &types.RunResult{
		ID:        id,
		Pair:      pair,
		Dialect:   s.h.Dialect().String(),
		Status:    types.RunRunning,
		StartedAt: time.Now(),
	}
	s.setStatus(types.RunRunning)

	logger := s.logger.With(slog.String("run", id), slog.String("pair", pair.String()))
	logger.Info("credit delegation run started")

	if block, err := s.h.Client().GetBlockNumber(ctx); err == nil {
		result.ForkBlock = block
	}

	d, err := s.newDelegation(ctx, pair, logger)
	if err != nil {
		result.Status = types.RunAborted
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		s.setStatus(result.Status)
		logger.Error("credit delegation run aborted", slog.String("error", err.Error()))
		return result
	}

	steps, aborted := s.runner.Run(ctx, d.tree())
	result.Steps = steps
	result.Status = Status(steps, aborted)
	result.CompletedAt = time.Now()
	if aborted != nil {
		result.Error = aborted.Error()
	} else if n := result.Count(types.StepFailed); n > 0 {
		result.Error = fmt.Sprintf("%d step(s) failed", n)
	}
	s.setStatus(result.Status)

	logger.Info("credit delegation run finished",
		slog.String("status", string(result.Status)),
		slog.Int("passed", result.Count(types.StepPassed)),
		slog.Int("failed", result.Count(types.StepFailed)),
		slog.Int("skipped", result.Count(types.StepSkipped)),
		slog.Duration("elapsed", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result
}

func (s *Suite) setStatus(status types.RunStatus) {
	if s.metrics != nil {
		s.metrics.SetRunStatus(status)
	}
}

// delegation holds the contracts, signers and recorded values of one pair.
// Values recorded by a step are read by its descendants only.
type delegation struct {
	s      *Suite
	pair   types.Pair
	client rpc.Client
	logger *slog.Logger

	pool     *contract.LendingPool
	provider *contract.DataProvider

	depositAddr  common.Address
	loanAddr     common.Address
	depositToken *contract.ERC20
	loanToken    *contract.ERC20
	debtToken    *contract.DebtToken

	lender   account.Wallet
	borrower account.Wallet
	someone  account.Wallet

	depositDecimals uint8
	loanDecimals    uint8
	depositAmount   *big.Int
	delegatedAmount *big.Int

	balanceBefore *big.Int
	debtBefore    *big.Int
}

func (s *Suite) newDelegation(ctx context.Context, pair types.Pair, logger *slog.Logger) (*delegation, error) {
	depositAddr, err := s.book.Token(pair.DepositAsset)
	if err != nil {
		return nil, err
	}
	loanAddr, err := s.book.Token(pair.LoanAsset)
	if err != nil {
		return nil, err
	}

	client := s.h.Client()
	chainID := s.chainID
	if chainID == nil {
		chainID, err = client.GetChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chain id: %w", err)
		}
	}

	return &delegation{
		s:            s,
		pair:         pair,
		client:       client,
		logger:       logger,
		pool:         contract.NewLendingPool(s.book.Aave.LendingPool, client),
		provider:     contract.NewDataProvider(s.book.Aave.DataProvider, client),
		depositAddr:  depositAddr,
		loanAddr:     loanAddr,
		depositToken: contract.NewERC20(depositAddr, client),
		loanToken:    contract.NewERC20(loanAddr, client),
		lender:       s.roles.Lender.Connect(client, chainID),
		borrower:     s.roles.Borrower.Connect(client, chainID),
		someone:      s.roles.Someone.Connect(client, chainID),
	}, nil
}

// tree builds the nested credit delegation steps. Amount labels use the
// pair's decimal strings since token decimals are only known once the root
// step has run.
func (d *delegation) tree() *Step {
	p := d.pair
	deposit := p.DepositAmount + " " + p.DepositAsset
	loan := p.DelegatedAmount + " " + p.LoanAsset

	withdrawEarly := &Step{
		Name:     "when the lender withdraws collateral before approving credit",
		Isolated: true,
		Setup:    d.withdrawHalf,
		Checks: []Check{
			{"shows an increase in the lenders deposit token balance", d.lenderDepositBalanceIncreased},
		},
	}

	beforeDelegation := &Step{
		Name: "before the lender approves credit delegation",
		Checks: []Check{
			{"shows that the borrower has no delegated allowance", d.noBorrowAllowance},
			{"shows that the lender has no debt", d.lenderDebtCleared},
		},
		Children: []*Step{withdrawEarly},
	}

	withdraw := &Step{
		Name:  "(6) when the lender withdraws collateral",
		Setup: d.withdrawAllButOne,
		Checks: []Check{
			{"credited the lenders balance", d.lenderCreditedExactly},
		},
	}

	repayAll := &Step{
		Name:  "(5) when the borrower repays the entire loan",
		Setup: d.repayHalf,
		Checks: []Check{
			{"removes the lenders debt", d.lenderDebtCleared},
			{"empties the borrowers balance", d.borrowerLoanBalanceZero},
		},
		Children: []*Step{withdraw},
	}

	repayHalf := &Step{
		Name:  "(5) when the borrower repays 50% of the loan",
		Setup: d.recordDebtAndRepayHalf,
		Checks: []Check{
			{"reduces the lenders debt", d.lenderDebtReduced},
			{"reduces the borrowers balance", d.borrowerLoanBalanceReduced},
		},
		Children: []*Step{repayAll},
	}

	borrowerApproves := &Step{
		Name:  "when the borrower approves the pool to spend its " + p.LoanAsset,
		Setup: d.borrowerApprovesPool,
		Checks: []Check{
			{"reflects the allowance", d.borrowerAllowanceCoversLoan},
		},
		Children: []*Step{repayHalf},
	}

	withdrawLocked := &Step{
		Name:     "when the lender withdraws collateral before the borrower repays",
		Isolated: true,
		Checks: []Check{
			{"reverts", d.fullWithdrawReverts},
		},
	}

	borrow := &Step{
		Name:  "(4) when the borrower borrows " + loan,
		Setup: d.borrow,
		Checks: []Check{
			{"shows that the lender has debt", d.lenderHasDebt},
			{"credited the value to the borrower", d.borrowerReceivedLoan},
		},
		Children: []*Step{withdrawLocked, borrowerApproves},
	}

	beforeBorrow := &Step{
		Name: "before the borrower takes the loan",
		Checks: []Check{
			{"shows that the borrower has zero " + p.LoanAsset, d.borrowerLoanBalanceZero},
		},
	}

	delegate := &Step{
		Name:  "(3) when the lender approves " + loan + " of credit to the borrower",
		Setup: d.approveDelegation,
		Checks: []Check{
			{"shows that the borrower has borrowing allowance", d.borrowAllowanceGranted},
			{"does not allow someone else to borrow this credit", d.bystanderBorrowReverts},
		},
		Children: []*Step{beforeBorrow, borrow},
	}

	debtToken := &Step{
		Name:  "(2) when the lender connects to the debt token",
		Setup: d.connectDebtToken,
		Checks: []Check{
			{"shows that the associated debt tokens asset is correct", d.debtTokenUnderlying},
		},
		Children: []*Step{beforeDelegation, delegate},
	}

	depositStep := &Step{
		Name:  "(1) when the lender deposits " + deposit + " as collateral",
		Setup: d.deposit,
		Checks: []Check{
			{"shows that the lender has collateral", d.lenderHasCollateral},
		},
		Children: []*Step{debtToken},
	}

	approve := &Step{
		Name:  "when the lender approves the pool to spend its " + p.DepositAsset,
		Setup: d.lenderApprovesPool,
		Checks: []Check{
			{"reflects the allowance", d.lenderAllowanceCoversDeposit},
		},
		Children: []*Step{depositStep},
	}

	fund := &Step{
		Name:  "when the lender has " + deposit,
		Setup: d.fundLender,
		Checks: []Check{
			{"shows that the lender has the necessary balance", d.lenderHoldsDeposit},
			{"shows that the lender has no collateral", d.lenderHasNoCollateral},
		},
		Children: []*Step{approve},
	}

	return &Step{
		Name: fmt.Sprintf("when using %s as collateral to delegate %s, with %s interest",
			deposit, loan, p.RateMode),
		Isolated: true,
		Setup:    d.precheck,
		Children: []*Step{fund},
	}
}

// precheck resolves token decimals and amounts, then skips the pair unless
// the deposit asset is usable as collateral and the loan asset can be
// borrowed in the pair's rate mode with enough liquidity.
func (d *delegation) precheck(ctx context.Context) error {
	var err error
	if d.depositDecimals, err = d.depositToken.Decimals(ctx); err != nil {
		return err
	}
	if d.loanDecimals, err = d.loanToken.Decimals(ctx); err != nil {
		return err
	}
	if d.depositAmount, err = units.ParseUnits(d.pair.DepositAmount, d.depositDecimals); err != nil {
		return err
	}
	if d.delegatedAmount, err = units.ParseUnits(d.pair.DelegatedAmount, d.loanDecimals); err != nil {
		return err
	}

	d.logger.Debug("connected to contracts",
		slog.String("lendingPool", d.pool.Address().Hex()),
		slog.String("dataProvider", d.provider.Address().Hex()),
		slog.String("depositToken", d.depositAddr.Hex()),
		slog.String("loanToken", d.loanAddr.Hex()),
	)

	var reasons []string
	collateral, err := d.provider.GetReserveConfigurationData(ctx, d.depositAddr)
	if err != nil {
		return err
	}
	if !collateral.UsageAsCollateralEnabled {
		reasons = append(reasons, d.pair.DepositAsset+" is not enabled for use as collateral")
	}
	if !collateral.IsActive {
		reasons = append(reasons, d.pair.DepositAsset+" is not active")
	}
	if collateral.IsFrozen {
		reasons = append(reasons, d.pair.DepositAsset+" is frozen")
	}

	loan, err := d.provider.GetReserveConfigurationData(ctx, d.loanAddr)
	if err != nil {
		return err
	}
	if !loan.BorrowingEnabled {
		reasons = append(reasons, d.pair.LoanAsset+" is not enabled for borrowing")
	}
	if d.pair.RateMode == types.RateStable && !loan.StableBorrowRateEnabled {
		reasons = append(reasons, d.pair.LoanAsset+" is not enabled for stable borrowing")
	}
	if !loan.IsActive {
		reasons = append(reasons, d.pair.LoanAsset+" is not active")
	}
	if loan.IsFrozen {
		reasons = append(reasons, d.pair.LoanAsset+" is frozen")
	}

	reserve, err := d.provider.GetReserveData(ctx, d.loanAddr)
	if err != nil {
		return err
	}
	if reserve.AvailableLiquidity.Cmp(d.delegatedAmount) < 0 {
		reasons = append(reasons, fmt.Sprintf("liquidity for %s is only %s",
			d.pair.LoanAsset, units.FormatUnits(reserve.AvailableLiquidity, d.loanDecimals)))
	}

	if len(reasons) > 0 {
		return fmt.Errorf("%w: the %s / %s pair is not available for credit delegation: %s",
			ErrSkip, d.pair.DepositAsset, d.pair.LoanAsset, strings.Join(reasons, "; "))
	}
	return nil
}

// fundLender moves the whole balance of the deposit asset's funding holder
// to the lender.
func (d *delegation) fundLender(ctx context.Context) error {
	holderAddr, err := d.s.book.Holder(d.pair.DepositAsset)
	if errors.Is(err, addressbook.ErrUnknown) {
		return fmt.Errorf("%w: no funding holder for %s", ErrSkip, d.pair.DepositAsset)
	}
	if err != nil {
		return err
	}

	holder, err := d.s.h.Impersonate(ctx, holderAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.s.h.StopImpersonating(context.WithoutCancel(ctx), holderAddr); err != nil {
			d.logger.Warn("failed to stop impersonating holder",
				slog.String("holder", holderAddr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}()

	gas, err := d.client.GetBalance(ctx, holderAddr.Hex())
	if err != nil {
		return err
	}
	if gas.Cmp(holderGasFloor) < 0 {
		if err := d.s.h.SetBalance(ctx, holderAddr, holderGasTopUp); err != nil {
			return err
		}
	}

	balance, err := d.depositToken.BalanceOf(ctx, holderAddr)
	if err != nil {
		return err
	}
	if balance.Cmp(d.depositAmount) < 0 {
		return fmt.Errorf("holder %s only has %s %s", holderAddr.Hex(),
			units.FormatUnits(balance, d.depositDecimals), d.pair.DepositAsset)
	}

	_, err = d.depositToken.Transfer(ctx, holder, d.lender.Address(), balance)
	return err
}

func (d *delegation) lenderHoldsDeposit(ctx context.Context) error {
	balance, err := d.depositToken.BalanceOf(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return atLeast("lender balance", balance, d.depositAmount)
}

func (d *delegation) lenderHasNoCollateral(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return equal("lender collateral", data.TotalCollateralETH, new(big.Int))
}

func (d *delegation) lenderApprovesPool(ctx context.Context) error {
	_, err := d.depositToken.Approve(ctx, d.lender, d.pool.Address(), poolAllowance)
	return err
}

func (d *delegation) lenderAllowanceCoversDeposit(ctx context.Context) error {
	allowance, err := d.depositToken.Allowance(ctx, d.lender.Address(), d.pool.Address())
	if err != nil {
		return err
	}
	return atLeast("lender allowance", allowance, d.depositAmount)
}

func (d *delegation) deposit(ctx context.Context) error {
	_, err := d.pool.Deposit(ctx, d.lender, d.depositAddr, d.depositAmount, d.lender.Address(), 0)
	return err
}

func (d *delegation) lenderHasCollateral(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return greater("lender collateral", data.TotalCollateralETH, new(big.Int))
}

func (d *delegation) connectDebtToken(ctx context.Context) error {
	tokens, err := d.provider.GetReserveTokensAddresses(ctx, d.loanAddr)
	if err != nil {
		return err
	}
	addr := tokens.DebtToken(d.pair.RateMode)
	d.debtToken = contract.NewDebtToken(addr, d.client)
	d.logger.Debug("connected to debt token",
		slog.String("mode", d.pair.RateMode.String()),
		slog.String("address", addr.Hex()),
	)
	return nil
}

func (d *delegation) debtTokenUnderlying(ctx context.Context) error {
	underlying, err := d.debtToken.UnderlyingAsset(ctx)
	if err != nil {
		return err
	}
	if underlying != d.loanAddr {
		return fmt.Errorf("underlying asset is %s, want %s", underlying.Hex(), d.loanAddr.Hex())
	}
	return nil
}

func (d *delegation) noBorrowAllowance(ctx context.Context) error {
	allowance, err := d.debtToken.BorrowAllowance(ctx, d.lender.Address(), d.borrower.Address())
	if err != nil {
		return err
	}
	return equal("borrow allowance", allowance, new(big.Int))
}

func (d *delegation) lenderDebtCleared(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return less("lender debt", data.TotalDebtETH, dustETH)
}

// withdrawHalf records the lender's deposit token balance and withdraws half
// of the deposited collateral.
func (d *delegation) withdrawHalf(ctx context.Context) error {
	balance, err := d.depositToken.BalanceOf(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	d.balanceBefore = balance

	half := new(big.Int).Div(d.depositAmount, big.NewInt(2))
	_, err = d.pool.Withdraw(ctx, d.lender, d.depositAddr, half, d.lender.Address())
	return err
}

func (d *delegation) lenderDepositBalanceIncreased(ctx context.Context) error {
	balance, err := d.depositToken.BalanceOf(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return greater("lender balance", balance, d.balanceBefore)
}

func (d *delegation) approveDelegation(ctx context.Context) error {
	_, err := d.debtToken.ApproveDelegation(ctx, d.lender, d.borrower.Address(), d.delegatedAmount)
	return err
}

func (d *delegation) borrowAllowanceGranted(ctx context.Context) error {
	allowance, err := d.debtToken.BorrowAllowance(ctx, d.lender.Address(), d.borrower.Address())
	if err != nil {
		return err
	}
	return equal("borrow allowance", allowance, d.delegatedAmount)
}

func (d *delegation) bystanderBorrowReverts(ctx context.Context) error {
	_, err := d.pool.Borrow(ctx, d.someone, d.loanAddr, d.delegatedAmount, d.pair.RateMode, 0, d.lender.Address())
	return expectRevert(err)
}

func (d *delegation) borrowerLoanBalanceZero(ctx context.Context) error {
	balance, err := d.loanToken.BalanceOf(ctx, d.borrower.Address())
	if err != nil {
		return err
	}
	return equal("borrower balance", balance, new(big.Int))
}

func (d *delegation) borrow(ctx context.Context) error {
	_, err := d.pool.Borrow(ctx, d.borrower, d.loanAddr, d.delegatedAmount, d.pair.RateMode, 0, d.lender.Address())
	return err
}

func (d *delegation) lenderHasDebt(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return greater("lender debt", data.TotalDebtETH, new(big.Int))
}

func (d *delegation) borrowerReceivedLoan(ctx context.Context) error {
	balance, err := d.loanToken.BalanceOf(ctx, d.borrower.Address())
	if err != nil {
		return err
	}
	return equal("borrower balance", balance, d.delegatedAmount)
}

func (d *delegation) fullWithdrawReverts(ctx context.Context) error {
	_, err := d.pool.Withdraw(ctx, d.lender, d.depositAddr, d.depositAmount, d.lender.Address())
	return expectRevert(err)
}

func (d *delegation) borrowerApprovesPool(ctx context.Context) error {
	_, err := d.loanToken.Approve(ctx, d.borrower, d.pool.Address(), poolAllowance)
	return err
}

func (d *delegation) borrowerAllowanceCoversLoan(ctx context.Context) error {
	allowance, err := d.loanToken.Allowance(ctx, d.borrower.Address(), d.pool.Address())
	if err != nil {
		return err
	}
	return atLeast("borrower allowance", allowance, d.delegatedAmount)
}

func (d *delegation) recordDebtAndRepayHalf(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	d.debtBefore = data.TotalDebtETH

	balance, err := d.loanToken.BalanceOf(ctx, d.borrower.Address())
	if err != nil {
		return err
	}
	d.balanceBefore = balance

	return d.repayHalf(ctx)
}

func (d *delegation) repayHalf(ctx context.Context) error {
	half := new(big.Int).Div(d.delegatedAmount, big.NewInt(2))
	_, err := d.pool.Repay(ctx, d.borrower, d.loanAddr, half, d.pair.RateMode, d.lender.Address())
	return err
}

func (d *delegation) lenderDebtReduced(ctx context.Context) error {
	data, err := d.pool.GetUserAccountData(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return less("lender debt", data.TotalDebtETH, d.debtBefore)
}

func (d *delegation) borrowerLoanBalanceReduced(ctx context.Context) error {
	balance, err := d.loanToken.BalanceOf(ctx, d.borrower.Address())
	if err != nil {
		return err
	}
	return less("borrower balance", balance, d.balanceBefore)
}

// withdrawAllButOne withdraws the deposit less one whole token, which stays
// behind to cover interest rounding.
func (d *delegation) withdrawAllButOne(ctx context.Context) error {
	balance, err := d.depositToken.BalanceOf(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	d.balanceBefore = balance

	_, err = d.pool.Withdraw(ctx, d.lender, d.depositAddr, d.finalWithdrawal(), d.lender.Address())
	return err
}

func (d *delegation) finalWithdrawal() *big.Int {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.depositDecimals)), nil)
	return new(big.Int).Sub(d.depositAmount, one)
}

func (d *delegation) lenderCreditedExactly(ctx context.Context) error {
	balance, err := d.depositToken.BalanceOf(ctx, d.lender.Address())
	if err != nil {
		return err
	}
	return equal("lender balance", balance, new(big.Int).Add(d.balanceBefore, d.finalWithdrawal()))
}

func expectRevert(err error) error {
	if err == nil {
		return errors.New("expected the transaction to revert")
	}
	if errors.Is(err, account.ErrReverted) {
		return nil
	}
	return err
}

func equal(what string, got, want *big.Int) error {
	if got.Cmp(want) != 0 {
		return fmt.Errorf("%s is %s, want %s", what, got, want)
	}
	return nil
}

func atLeast(what string, got, want *big.Int) error {
	if got.Cmp(want) < 0 {
		return fmt.Errorf("%s is %s, want at least %s", what, got, want)
	}
	return nil
}

func greater(what string, got, than *big.Int) error {
	if got.Cmp(than) <= 0 {
		return fmt.Errorf("%s is %s, want more than %s", what, got, than)
	}
	return nil
}

func less(what string, got, than *big.Int) error {
	if got.Cmp(than) >= 0 {
		return fmt.Errorf("%s is %s, want less than %s", what, got, than)
	}
	return nil
}
