// Package account provides the transaction signers used against a forked chain:
// locally keyed development accounts and impersonated on-chain addresses.
package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/forkharness/internal/rpc"
)

// ErrReverted is returned when a transaction reverts, either at estimation or on chain.
var ErrReverted = errors.New("transaction reverted")

// Call describes a contract interaction or plain value transfer.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int // nil means zero
	Gas   uint64   // 0 means estimate
}

// Signer is anything that can submit transactions as a fixed address.
type Signer interface {
	Address() common.Address
	Send(ctx context.Context, call Call) (common.Hash, error)
}

// Account holds a development account's key.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// Connect binds the account to a node, producing a Signer.
func (a *Account) Connect(client rpc.Client, chainID *big.Int) Wallet {
	return Wallet{account: a, client: client, chainID: new(big.Int).Set(chainID)}
}

// Wallet signs transactions locally and submits them raw.
type Wallet struct {
	account *Account
	client  rpc.Client
	chainID *big.Int
}

// Address returns the wallet's address.
func (w Wallet) Address() common.Address {
	return w.account.Address
}

// Send signs and submits call.
// The nonce is read from the node on every send: restoring a snapshot rewinds
// nonces, so a locally tracked counter would drift.
func (w Wallet) Send(ctx context.Context, call Call) (common.Hash, error) {
	from := w.account.Address
	nonce, err := w.client.GetNonce(ctx, from.Hex())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	args := callArgs(from, call)
	gas := call.Gas
	if gas == 0 {
		estimate, err := w.client.EstimateGas(ctx, args)
		if err != nil {
			return common.Hash{}, classify(err, "estimate gas")
		}
		gas = estimate + estimate/5
	}

	gasPrice, err := w.client.GetGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := NewLegacyTx(nonce, call.To, valueOf(call), gas, gasPrice, call.Data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.account.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign tx: %w", err)
	}

	rlp, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal tx: %w", err)
	}

	hash, err := w.client.SendRawTransaction(ctx, rlp)
	if err != nil {
		return common.Hash{}, classify(err, "send tx")
	}
	return hash, nil
}

// Impersonated submits transactions as an address the node has been told to
// accept without signatures. It is a value: address and client are fixed at
// construction.
type Impersonated struct {
	address common.Address
	client  rpc.Client
}

// NewImpersonated returns a signer for address. The caller is responsible for
// having enabled impersonation on the node; see harness.Harness.Impersonate.
func NewImpersonated(address common.Address, client rpc.Client) Impersonated {
	return Impersonated{address: address, client: client}
}

// Address returns the impersonated address.
func (s Impersonated) Address() common.Address {
	return s.address
}

// Send submits call through eth_sendTransaction.
func (s Impersonated) Send(ctx context.Context, call Call) (common.Hash, error) {
	args := callArgs(s.address, call)
	if call.Gas > 0 {
		gas := hexutil.Uint64(call.Gas)
		args.Gas = &gas
	}
	hash, err := s.client.SendTransaction(ctx, args)
	if err != nil {
		return common.Hash{}, classify(err, "send tx")
	}
	return hash, nil
}

// NewLegacyTx creates a pre-EIP-1559 transaction. Forked nodes price legacy
// transactions from eth_gasPrice, which keeps signing independent of base fee.
func NewLegacyTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

func callArgs(from common.Address, call Call) rpc.TransactionArgs {
	to := call.To
	args := rpc.TransactionArgs{
		From: &from,
		To:   &to,
		Data: call.Data,
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		args.Value = (*hexutil.Big)(call.Value)
	}
	return args
}

func valueOf(call Call) *big.Int {
	if call.Value == nil {
		return new(big.Int)
	}
	return call.Value
}

// classify maps node rejections caused by reverts onto ErrReverted.
func classify(err error, op string) error {
	if rpc.IsRevert(err) {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// LoadTestAccounts loads the standard test accounts.
func LoadTestAccounts() ([]*Account, error) {
	accounts := make([]*Account, 0, len(TestPrivateKeys))
	for _, hexKey := range TestPrivateKeys {
		account, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Roles are the development accounts a credit delegation scenario acts through.
// Account 0 is left alone: node tooling commonly uses it as the default sender.
type Roles struct {
	Lender   *Account
	Borrower *Account
	Someone  *Account
}

// LoadRoles assigns test accounts 1, 2 and 3 to lender, borrower and bystander.
func LoadRoles() (Roles, error) {
	accounts, err := LoadTestAccounts()
	if err != nil {
		return Roles{}, err
	}
	return Roles{
		Lender:   accounts[1],
		Borrower: accounts[2],
		Someone:  accounts[3],
	}, nil
}
