package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EthMethods are the standard eth_* calls used by the harness and bindings.
type EthMethods interface {
	// SendRawTransaction sends a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)

	// SendTransaction submits an unsigned transaction for an unlocked or impersonated sender.
	SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error)

	// EthCall executes a read-only call against the latest block.
	EthCall(ctx context.Context, args TransactionArgs) ([]byte, error)

	// EstimateGas returns the gas estimate for args.
	EstimateGas(ctx context.Context, args TransactionArgs) (uint64, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetChainID returns the node's chain ID.
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetCode returns contract code at an address.
	GetCode(ctx context.Context, address string) (string, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetBalance returns the balance for an address.
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetTransactionReceipt returns the receipt for a transaction, or nil if not mined yet.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// TransactionArgs is the argument object for eth_call, eth_estimateGas and eth_sendTransaction.
type TransactionArgs struct {
	From     *common.Address `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            common.Hash
	Status            uint64 // 1 = success, 0 = failure
	GasUsed           uint64
	ContractAddress   string
	BlockNumber       uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TransactionReceipt) Succeeded() bool {
	return r.Status == 1
}

// caller is the single primitive ethMethods needs from a transport.
type caller interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
}

// ethMethods implements EthMethods on top of any transport.
type ethMethods struct {
	caller caller
}

func (m ethMethods) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	result, err := m.caller.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(txRLP)})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

func (m ethMethods) SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error) {
	result, err := m.caller.Call(ctx, "eth_sendTransaction", []interface{}{args})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

func (m ethMethods) EthCall(ctx context.Context, args TransactionArgs) ([]byte, error) {
	result, err := m.caller.Call(ctx, "eth_call", []interface{}{args, "latest"})
	if err != nil {
		return nil, err
	}

	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	return out, nil
}

func (m ethMethods) EstimateGas(ctx context.Context, args TransactionArgs) (uint64, error) {
	result, err := m.caller.Call(ctx, "eth_estimateGas", []interface{}{args})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "gas estimate")
}

// GetNonce uses "pending" so transactions sent but not yet mined are counted.
func (m ethMethods) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := m.caller.Call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "nonce")
}

func (m ethMethods) GetChainID(ctx context.Context) (*big.Int, error) {
	result, err := m.caller.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain ID")
}

func (m ethMethods) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := m.caller.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "block number")
}

func (m ethMethods) GetCode(ctx context.Context, address string) (string, error) {
	result, err := m.caller.Call(ctx, "eth_getCode", []interface{}{address, "latest"})
	if err != nil {
		return "", err
	}

	var code string
	if err := json.Unmarshal(result, &code); err != nil {
		return "", fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return code, nil
}

func (m ethMethods) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := m.caller.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

func (m ethMethods) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := m.caller.Call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "balance")
}

func (m ethMethods) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := m.caller.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil // Not found yet
	}
	return parseReceipt(result)
}

// parseReceipt parses a TransactionReceipt from JSON.
func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		TransactionHash   common.Hash `json:"transactionHash"`
		Status            string      `json:"status"`
		GasUsed           string      `json:"gasUsed"`
		ContractAddress   string      `json:"contractAddress"`
		BlockNumber       string      `json:"blockNumber"`
		EffectiveGasPrice string      `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, err := hexutil.DecodeUint64(rawReceipt.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode receipt status: %w", err)
	}
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	effectiveGasPrice, _ := hexutil.DecodeBig(rawReceipt.EffectiveGasPrice)

	return &TransactionReceipt{
		TxHash:            rawReceipt.TransactionHash,
		Status:            status,
		GasUsed:           gasUsed,
		ContractAddress:   rawReceipt.ContractAddress,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
	}, nil
}

func decodeHash(result json.RawMessage) (common.Hash, error) {
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func decodeUint64(result json.RawMessage, what string) (uint64, error) {
	var v hexutil.Uint64
	if err := json.Unmarshal(result, &v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return uint64(v), nil
}

func decodeBig(result json.RawMessage, what string) (*big.Int, error) {
	var v hexutil.Big
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return v.ToInt(), nil
}

// IsRevert reports whether err is a node rejection caused by EVM execution reverting.
// Hardhat and anvil both use code 3 for reverts with data and put "revert" in the message otherwise.
func IsRevert(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code == 3 {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "revert")
}
