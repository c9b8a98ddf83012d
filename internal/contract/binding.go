// Package contract binds the externally deployed contracts the harness drives:
// ERC20 tokens and the Aave v2 lending pool, data provider and debt tokens.
// Reads go through eth_call; writes go through an account.Signer and wait for
// the receipt.
package contract

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/rpc"
)

// Binding is a contract at a fixed address with a known ABI.
type Binding struct {
	name    string
	address common.Address
	abi     abi.ABI
	client  rpc.Client
}

func newBinding(name string, address common.Address, parsed abi.ABI, client rpc.Client) Binding {
	return Binding{name: name, address: address, abi: parsed, client: client}
}

// Address returns the contract address.
func (b Binding) Address() common.Address {
	return b.address
}

// HasCode reports whether the address holds contract code on the node.
func (b Binding) HasCode(ctx context.Context) (bool, error) {
	return hasCode(ctx, b.client, b.address)
}

// Pack encodes a call to method.
func (b Binding) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: failed to pack: %w", b.name, method, err)
	}
	return data, nil
}

// call executes a read-only method and returns its decoded outputs.
func (b Binding) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	out, err := b.callRaw(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	values, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: failed to unpack: %w", b.name, method, err)
	}
	return values, nil
}

// callInto executes a read-only method and decodes its named outputs into v.
func (b Binding) callInto(ctx context.Context, v interface{}, method string, args ...interface{}) error {
	out, err := b.callRaw(ctx, method, args...)
	if err != nil {
		return err
	}
	if err := b.abi.UnpackIntoInterface(v, method, out); err != nil {
		return fmt.Errorf("%s.%s: failed to unpack: %w", b.name, method, err)
	}
	return nil
}

func (b Binding) callRaw(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := b.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := b.address
	out, err := b.client.EthCall(ctx, rpc.TransactionArgs{To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", b.name, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s: empty result from %s (no contract code?)", b.name, method, b.address.Hex())
	}
	return out, nil
}

// transact sends a state-changing method through signer and waits for the receipt.
func (b Binding) transact(ctx context.Context, signer account.Signer, method string, args ...interface{}) (*rpc.TransactionReceipt, error) {
	data, err := b.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	receipt, err := account.Transact(ctx, b.client, signer, account.Call{To: b.address, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s.%s from %s: %w", b.name, method, signer.Address().Hex(), err)
	}
	return receipt, nil
}

func bigOut(values []interface{}) *big.Int {
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int)
}

func hasCode(ctx context.Context, client rpc.Client, addr common.Address) (bool, error) {
	code, err := client.GetCode(ctx, addr.Hex())
	if err != nil {
		return false, err
	}
	return code != "" && code != "0x", nil
}

// VerifyDeployed checks that every named contract has code on the node and
// returns the names that do not. A fork of the wrong chain, or a book with a
// typo, shows up here before any scenario runs.
func VerifyDeployed(ctx context.Context, client rpc.Client, contracts map[string]common.Address, logger *slog.Logger) (missing []string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, addr := range contracts {
		exists, err := hasCode(ctx, client, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s at %s: %w", name, addr.Hex(), err)
		}
		if !exists {
			logger.Warn("Contract has no code on fork",
				slog.String("name", name),
				slog.String("address", addr.Hex()),
			)
			missing = append(missing, name)
		}
	}
	return missing, nil
}
