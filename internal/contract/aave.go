package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// UserAccountData is the lending pool's aggregate view of a user, in ETH units.
type UserAccountData struct {
	TotalCollateralETH          *big.Int
	TotalDebtETH                *big.Int
	AvailableBorrowsETH         *big.Int
	CurrentLiquidationThreshold *big.Int
	Ltv                         *big.Int
	HealthFactor                *big.Int
}

// ReserveConfiguration is a reserve's risk configuration.
type ReserveConfiguration struct {
	Decimals                 *big.Int
	Ltv                      *big.Int
	LiquidationThreshold     *big.Int
	LiquidationBonus         *big.Int
	ReserveFactor            *big.Int
	UsageAsCollateralEnabled bool
	BorrowingEnabled         bool
	StableBorrowRateEnabled  bool
	IsActive                 bool
	IsFrozen                 bool
}

// ReserveData is a reserve's liquidity and rate state.
type ReserveData struct {
	AvailableLiquidity      *big.Int
	TotalStableDebt         *big.Int
	TotalVariableDebt       *big.Int
	LiquidityRate           *big.Int
	VariableBorrowRate      *big.Int
	StableBorrowRate        *big.Int
	AverageStableBorrowRate *big.Int
	LiquidityIndex          *big.Int
	VariableBorrowIndex     *big.Int
	LastUpdateTimestamp     *big.Int
}

// ReserveTokens are the tokens a reserve mints.
type ReserveTokens struct {
	ATokenAddress            common.Address
	StableDebtTokenAddress   common.Address
	VariableDebtTokenAddress common.Address
}

// DebtToken returns the debt token for mode.
func (r ReserveTokens) DebtToken(mode types.RateMode) common.Address {
	if mode == types.RateVariable {
		return r.VariableDebtTokenAddress
	}
	return r.StableDebtTokenAddress
}

// LendingPool binds the Aave v2 LendingPool.
type LendingPool struct {
	Binding
}

// NewLendingPool binds the pool at address.
func NewLendingPool(address common.Address, client rpc.Client) *LendingPool {
	return &LendingPool{Binding: newBinding("LendingPool", address, LendingPoolABI, client)}
}

// Deposit supplies amount of asset as collateral credited to onBehalfOf.
func (p *LendingPool) Deposit(ctx context.Context, signer account.Signer, asset common.Address, amount *big.Int, onBehalfOf common.Address, referral uint16) (*rpc.TransactionReceipt, error) {
	return p.transact(ctx, signer, "deposit", asset, amount, onBehalfOf, referral)
}

// Withdraw redeems amount of asset to `to`.
func (p *LendingPool) Withdraw(ctx context.Context, signer account.Signer, asset common.Address, amount *big.Int, to common.Address) (*rpc.TransactionReceipt, error) {
	return p.transact(ctx, signer, "withdraw", asset, amount, to)
}

// Borrow draws amount of asset against onBehalfOf's collateral. When
// onBehalfOf is not the signer, it must have delegated credit to the signer.
func (p *LendingPool) Borrow(ctx context.Context, signer account.Signer, asset common.Address, amount *big.Int, mode types.RateMode, referral uint16, onBehalfOf common.Address) (*rpc.TransactionReceipt, error) {
	return p.transact(ctx, signer, "borrow", asset, amount, big.NewInt(int64(mode)), referral, onBehalfOf)
}

// Repay pays back amount of onBehalfOf's debt in asset.
func (p *LendingPool) Repay(ctx context.Context, signer account.Signer, asset common.Address, amount *big.Int, mode types.RateMode, onBehalfOf common.Address) (*rpc.TransactionReceipt, error) {
	return p.transact(ctx, signer, "repay", asset, amount, big.NewInt(int64(mode)), onBehalfOf)
}

// GetUserAccountData returns user's aggregate position.
func (p *LendingPool) GetUserAccountData(ctx context.Context, user common.Address) (*UserAccountData, error) {
	var data UserAccountData
	if err := p.callInto(ctx, &data, "getUserAccountData", user); err != nil {
		return nil, err
	}
	return &data, nil
}

// DataProvider binds the Aave v2 ProtocolDataProvider.
type DataProvider struct {
	Binding
}

// NewDataProvider binds the data provider at address.
func NewDataProvider(address common.Address, client rpc.Client) *DataProvider {
	return &DataProvider{Binding: newBinding("DataProvider", address, DataProviderABI, client)}
}

// GetReserveConfigurationData returns asset's reserve configuration.
func (d *DataProvider) GetReserveConfigurationData(ctx context.Context, asset common.Address) (*ReserveConfiguration, error) {
	var cfg ReserveConfiguration
	if err := d.callInto(ctx, &cfg, "getReserveConfigurationData", asset); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetReserveData returns asset's reserve state.
func (d *DataProvider) GetReserveData(ctx context.Context, asset common.Address) (*ReserveData, error) {
	var data ReserveData
	if err := d.callInto(ctx, &data, "getReserveData", asset); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetReserveTokensAddresses returns the aToken and debt tokens of asset.
func (d *DataProvider) GetReserveTokensAddresses(ctx context.Context, asset common.Address) (*ReserveTokens, error) {
	var tokens ReserveTokens
	if err := d.callInto(ctx, &tokens, "getReserveTokensAddresses", asset); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// DebtToken binds a stable or variable debt token.
type DebtToken struct {
	Binding
}

// NewDebtToken binds the debt token at address.
func NewDebtToken(address common.Address, client rpc.Client) *DebtToken {
	return &DebtToken{Binding: newBinding("DebtToken", address, DebtTokenABI, client)}
}

// ApproveDelegation lets delegatee borrow up to amount against the signer's collateral.
func (d *DebtToken) ApproveDelegation(ctx context.Context, signer account.Signer, delegatee common.Address, amount *big.Int) (*rpc.TransactionReceipt, error) {
	return d.transact(ctx, signer, "approveDelegation", delegatee, amount)
}

// BorrowAllowance returns how much toUser may still borrow on fromUser's behalf.
func (d *DebtToken) BorrowAllowance(ctx context.Context, fromUser, toUser common.Address) (*big.Int, error) {
	out, err := d.call(ctx, "borrowAllowance", fromUser, toUser)
	if err != nil {
		return nil, err
	}
	return bigOut(out), nil
}

// UnderlyingAsset returns the asset whose debt the token tracks.
func (d *DebtToken) UnderlyingAsset(ctx context.Context) (common.Address, error) {
	out, err := d.call(ctx, "UNDERLYING_ASSET_ADDRESS")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}
