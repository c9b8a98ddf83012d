package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/rpc"
)

// ERC20 binds a fungible token.
type ERC20 struct {
	Binding
}

// NewERC20 binds the token at address.
func NewERC20(address common.Address, client rpc.Client) *ERC20 {
	return &ERC20{Binding: newBinding("ERC20", address, ERC20ABI, client)}
}

// BalanceOf returns holder's balance in base units.
func (t *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return bigOut(out), nil
}

// Allowance returns how much spender may move on behalf of owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return bigOut(out), nil
}

// Decimals returns the token's decimals.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// Symbol returns the token's symbol.
func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	return out[0].(string), nil
}

// Transfer moves amount from the signer to recipient.
func (t *ERC20) Transfer(ctx context.Context, signer account.Signer, recipient common.Address, amount *big.Int) (*rpc.TransactionReceipt, error) {
	return t.transact(ctx, signer, "transfer", recipient, amount)
}

// Approve lets spender move up to amount of the signer's tokens.
func (t *ERC20) Approve(ctx context.Context, signer account.Signer, spender common.Address, amount *big.Int) (*rpc.TransactionReceipt, error) {
	return t.transact(ctx, signer, "approve", spender, amount)
}
