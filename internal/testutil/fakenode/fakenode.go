// Package fakenode is an in-process JSON-RPC node for unit tests. It models the
// slice of a forked development node the harness touches: ETH and ERC20
// balances, impersonation, the evm_snapshot/evm_revert stack and transaction
// receipts. Gas is never charged.
package fakenode

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC20 selectors understood natively.
var (
	selBalanceOf    = [4]byte{0x70, 0xa0, 0x82, 0x31}
	selAllowance    = [4]byte{0xdd, 0x62, 0xed, 0x3e}
	selDecimals     = [4]byte{0x31, 0x3c, 0xe5, 0x67}
	selSymbol       = [4]byte{0x95, 0xd8, 0x9b, 0x41}
	selTransfer     = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
	selApprove      = [4]byte{0x09, 0x5e, 0xa7, 0xb3}
	selTransferFrom = [4]byte{0x23, 0xb8, 0x72, 0xdd}
)

// ChainID is the chain ID reported by the node.
const ChainID = 31337

// Tx is a transaction the node has executed.
type Tx struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Value  *big.Int
	Data   []byte
	Signed bool
}

// Node is a fake development node served over HTTP.
type Node struct {
	srv    *httptest.Server
	prefix string

	mu           sync.Mutex
	st           *state
	snapshots    []snapshot
	nextSnapshot uint64
	impersonated map[common.Address]bool
	callResults  map[callKey][]byte
	failures     map[string]*rpcError
	counts       map[string]int
	txCounter    uint64
}

type snapshot struct {
	id string
	st *state
}

type callKey struct {
	to       common.Address
	selector [4]byte
}

type token struct {
	symbol     string
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

type receipt struct {
	status uint64
	block  uint64
}

type state struct {
	block    uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	tokens   map[common.Address]*token
	receipts map[common.Hash]receipt
	txs      []Tx
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// Option configures a Node.
type Option func(*Node)

// WithAdminPrefix sets the namespace of the account admin methods
// ("hardhat" or "anvil"). The other namespace answers method-not-found.
func WithAdminPrefix(prefix string) Option {
	return func(n *Node) { n.prefix = prefix }
}

// New starts a node and registers its shutdown with t.
func New(t testing.TB, opts ...Option) *Node {
	t.Helper()
	n := &Node{
		prefix: "hardhat",
		st: &state{
			block:    1,
			balances: make(map[common.Address]*big.Int),
			nonces:   make(map[common.Address]uint64),
			tokens:   make(map[common.Address]*token),
			receipts: make(map[common.Hash]receipt),
		},
		impersonated: make(map[common.Address]bool),
		callResults:  make(map[callKey][]byte),
		failures:     make(map[string]*rpcError),
		counts:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	t.Cleanup(n.srv.Close)
	return n
}

// URL is the node's HTTP endpoint.
func (n *Node) URL() string {
	return n.srv.URL
}

// AddToken deploys an ERC20 at addr.
func (n *Node) AddToken(addr common.Address, symbol string, decimals uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.st.tokens[addr] = &token{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// SetTokenBalance overwrites holder's balance of an added token.
func (n *Node) SetTokenBalance(tokenAddr, holder common.Address, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.st.tokens[tokenAddr].balances[holder] = new(big.Int).Set(amount)
}

// TokenBalance returns holder's balance of an added token.
func (n *Node) TokenBalance(tokenAddr, holder common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st.tokens[tokenAddr].balanceOf(holder)
}

// SetBalance overwrites an ETH balance.
func (n *Node) SetBalance(addr common.Address, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.st.balances[addr] = new(big.Int).Set(wei)
}

// Balance returns an ETH balance.
func (n *Node) Balance(addr common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st.balanceOf(addr)
}

// Nonce returns the transaction count of addr.
func (n *Node) Nonce(addr common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st.nonces[addr]
}

// SetCallResult makes eth_call to `to` with the given selector return result.
func (n *Node) SetCallResult(to common.Address, selector []byte, result []byte) {
	var key callKey
	key.to = to
	copy(key.selector[:], selector)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callResults[key] = result
}

// FailMethod makes every call to method fail with the given JSON-RPC error.
func (n *Node) FailMethod(method string, code int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = &rpcError{Code: code, Message: message}
}

// Impersonating reports whether addr is currently impersonated.
func (n *Node) Impersonating(addr common.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.impersonated[addr]
}

// SnapshotCount is the number of live snapshots.
func (n *Node) SnapshotCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

// BlockNumber is the current head.
func (n *Node) BlockNumber() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st.block
}

// Count returns how many times method has been called.
func (n *Node) Count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[method]
}

// Transactions returns the executed transactions that survive in the current state.
func (n *Node) Transactions() []Tx {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Tx, len(n.st.txs))
	copy(out, n.st.txs)
	return out
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := n.dispatch(req.Method, req.Params)

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if err != nil {
		resp["error"] = err
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) dispatch(method string, params []json.RawMessage) (any, *rpcError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.counts[method]++
	if fail, ok := n.failures[method]; ok {
		return nil, fail
	}

	if ns, name, ok := strings.Cut(method, "_"); ok && (ns == "hardhat" || ns == "anvil") {
		if ns != n.prefix {
			return nil, methodNotFound(method)
		}
		return n.admin(name, params)
	}

	switch method {
	case "eth_chainId":
		return hexutil.EncodeUint64(ChainID), nil
	case "eth_blockNumber":
		return hexutil.EncodeUint64(n.st.block), nil
	case "eth_gasPrice":
		return "0x3b9aca00", nil
	case "eth_getBalance":
		var addr common.Address
		if err := decodeParam(params, 0, &addr); err != nil {
			return nil, err
		}
		return (*hexutil.Big)(n.st.balanceOf(addr)), nil
	case "eth_getTransactionCount":
		var addr common.Address
		if err := decodeParam(params, 0, &addr); err != nil {
			return nil, err
		}
		return hexutil.EncodeUint64(n.st.nonces[addr]), nil
	case "eth_getCode":
		var addr common.Address
		if err := decodeParam(params, 0, &addr); err != nil {
			return nil, err
		}
		if n.hasCode(addr) {
			return "0x6080604052", nil
		}
		return "0x", nil
	case "eth_call":
		var args txArgs
		if err := decodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		out, err := n.call(args)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	case "eth_estimateGas":
		var args txArgs
		if err := decodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		if err := n.st.clone().apply(args.from(), args.to(), args.value(), args.Data, n.revertError); err != nil {
			return nil, err
		}
		if len(args.Data) > 0 {
			return hexutil.EncodeUint64(60000), nil
		}
		return hexutil.EncodeUint64(21000), nil
	case "eth_sendTransaction":
		var args txArgs
		if err := decodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		from := args.from()
		if !n.impersonated[from] {
			return nil, &rpcError{Code: -32000, Message: fmt.Sprintf("unknown account %s", from.Hex())}
		}
		n.txCounter++
		hash := crypto.Keccak256Hash(from.Bytes(), binary.BigEndian.AppendUint64(nil, n.txCounter))
		return n.execute(Tx{Hash: hash, From: from, To: args.to(), Value: args.value(), Data: args.Data})
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := decodeParam(params, 0, &raw); err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("invalid transaction: %v", err)}
		}
		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(ChainID)), tx)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: fmt.Sprintf("invalid sender: %v", err)}
		}
		if want := n.st.nonces[from]; tx.Nonce() != want {
			return nil, &rpcError{Code: -32000, Message: fmt.Sprintf("nonce mismatch: tx %d, state %d", tx.Nonce(), want)}
		}
		var to common.Address
		if tx.To() != nil {
			to = *tx.To()
		}
		return n.execute(Tx{Hash: tx.Hash(), From: from, To: to, Value: tx.Value(), Data: tx.Data(), Signed: true})
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := decodeParam(params, 0, &hash); err != nil {
			return nil, err
		}
		rcpt, ok := n.st.receipts[hash]
		if !ok {
			return nil, nil
		}
		return map[string]any{
			"transactionHash":   hash,
			"status":            hexutil.EncodeUint64(rcpt.status),
			"gasUsed":           "0x5208",
			"contractAddress":   nil,
			"blockNumber":       hexutil.EncodeUint64(rcpt.block),
			"effectiveGasPrice": "0x3b9aca00",
		}, nil
	case "evm_snapshot":
		n.nextSnapshot++
		id := hexutil.EncodeUint64(n.nextSnapshot)
		n.snapshots = append(n.snapshots, snapshot{id: id, st: n.st.clone()})
		return id, nil
	case "evm_revert":
		var id string
		if err := decodeParam(params, 0, &id); err != nil {
			return nil, err
		}
		for i := len(n.snapshots) - 1; i >= 0; i-- {
			if n.snapshots[i].id == id {
				n.st = n.snapshots[i].st
				n.snapshots = n.snapshots[:i]
				return true, nil
			}
		}
		return false, nil
	case "evm_mine":
		n.st.block++
		return "0x0", nil
	}
	return nil, methodNotFound(method)
}

func (n *Node) admin(name string, params []json.RawMessage) (any, *rpcError) {
	var addr common.Address
	if err := decodeParam(params, 0, &addr); err != nil {
		return nil, err
	}
	switch name {
	case "impersonateAccount":
		n.impersonated[addr] = true
		return true, nil
	case "stopImpersonatingAccount":
		delete(n.impersonated, addr)
		return true, nil
	case "setBalance":
		var wei hexutil.Big
		if err := decodeParam(params, 1, &wei); err != nil {
			return nil, err
		}
		n.st.balances[addr] = wei.ToInt()
		return true, nil
	}
	return nil, methodNotFound(n.prefix + "_" + name)
}

// execute applies tx to the state and mines it into its own block.
// Reverted transactions leave no trace, as with automining nodes that reject them.
func (n *Node) execute(tx Tx) (any, *rpcError) {
	if err := n.st.apply(tx.From, tx.To, tx.Value, tx.Data, n.revertError); err != nil {
		return nil, err
	}
	n.st.nonces[tx.From]++
	n.st.block++
	n.st.receipts[tx.Hash] = receipt{status: 1, block: n.st.block}
	n.st.txs = append(n.st.txs, tx)
	return tx.Hash, nil
}

func (n *Node) call(args txArgs) ([]byte, *rpcError) {
	to := args.to()
	if len(args.Data) < 4 {
		return nil, nil
	}
	var sel [4]byte
	copy(sel[:], args.Data[:4])

	if result, ok := n.callResults[callKey{to: to, selector: sel}]; ok {
		return result, nil
	}

	tok, ok := n.st.tokens[to]
	if !ok {
		return nil, nil
	}
	switch sel {
	case selBalanceOf:
		return word(tok.balanceOf(addressArg(args.Data, 0))), nil
	case selAllowance:
		return word(tok.allowance(addressArg(args.Data, 0), addressArg(args.Data, 1))), nil
	case selDecimals:
		return word(big.NewInt(int64(tok.decimals))), nil
	case selSymbol:
		stringType, _ := abi.NewType("string", "", nil)
		out, err := abi.Arguments{{Type: stringType}}.Pack(tok.symbol)
		if err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return out, nil
	}
	return nil, n.revertError("function selector was not recognized")
}

func (n *Node) hasCode(addr common.Address) bool {
	if _, ok := n.st.tokens[addr]; ok {
		return true
	}
	for key := range n.callResults {
		if key.to == addr {
			return true
		}
	}
	return false
}

// revertError renders a revert the way the configured node flavour does.
func (n *Node) revertError(reason string) *rpcError {
	if n.prefix == "anvil" {
		return &rpcError{Code: 3, Message: "execution reverted: " + reason}
	}
	return &rpcError{
		Code:    -32603,
		Message: fmt.Sprintf("Error: VM Exception while processing transaction: reverted with reason string '%s'", reason),
	}
}

func (s *state) apply(from, to common.Address, value *big.Int, data []byte, revert func(string) *rpcError) *rpcError {
	if value != nil && value.Sign() > 0 {
		bal := s.balanceOf(from)
		if bal.Cmp(value) < 0 {
			return &rpcError{Code: -32000, Message: "insufficient funds for gas * price + value"}
		}
		s.balances[from] = new(big.Int).Sub(bal, value)
		s.balances[to] = new(big.Int).Add(s.balanceOf(to), value)
	}

	tok, ok := s.tokens[to]
	if !ok || len(data) < 4 {
		return nil
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	switch sel {
	case selTransfer:
		if !tok.move(from, addressArg(data, 0), uintArg(data, 1)) {
			return revert("ERC20: transfer amount exceeds balance")
		}
	case selApprove:
		spender := addressArg(data, 0)
		if tok.allowances[from] == nil {
			tok.allowances[from] = make(map[common.Address]*big.Int)
		}
		tok.allowances[from][spender] = uintArg(data, 1)
	case selTransferFrom:
		owner, amount := addressArg(data, 0), uintArg(data, 2)
		allowed := tok.allowance(owner, from)
		if allowed.Cmp(amount) < 0 {
			return revert("ERC20: transfer amount exceeds allowance")
		}
		if !tok.move(owner, addressArg(data, 1), amount) {
			return revert("ERC20: transfer amount exceeds balance")
		}
		tok.allowances[owner][from] = new(big.Int).Sub(allowed, amount)
	}
	return nil
}

func (s *state) balanceOf(addr common.Address) *big.Int {
	if b, ok := s.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *state) clone() *state {
	c := &state{
		block:    s.block,
		balances: make(map[common.Address]*big.Int, len(s.balances)),
		nonces:   make(map[common.Address]uint64, len(s.nonces)),
		tokens:   make(map[common.Address]*token, len(s.tokens)),
		receipts: make(map[common.Hash]receipt, len(s.receipts)),
		txs:      append([]Tx(nil), s.txs...),
	}
	for k, v := range s.balances {
		c.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, t := range s.tokens {
		ct := &token{
			symbol:     t.symbol,
			decimals:   t.decimals,
			balances:   make(map[common.Address]*big.Int, len(t.balances)),
			allowances: make(map[common.Address]map[common.Address]*big.Int, len(t.allowances)),
		}
		for h, b := range t.balances {
			ct.balances[h] = new(big.Int).Set(b)
		}
		for o, m := range t.allowances {
			cm := make(map[common.Address]*big.Int, len(m))
			for sp, a := range m {
				cm[sp] = new(big.Int).Set(a)
			}
			ct.allowances[o] = cm
		}
		c.tokens[k] = ct
	}
	return c
}

func (t *token) balanceOf(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *token) allowance(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *token) move(from, to common.Address, amount *big.Int) bool {
	bal := t.balanceOf(from)
	if bal.Cmp(amount) < 0 {
		return false
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return true
}

type txArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Data  hexutil.Bytes   `json:"data"`
}

func (a txArgs) from() common.Address {
	if a.From == nil {
		return common.Address{}
	}
	return *a.From
}

func (a txArgs) to() common.Address {
	if a.To == nil {
		return common.Address{}
	}
	return *a.To
}

func (a txArgs) value() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value.ToInt()
}

func decodeParam(params []json.RawMessage, i int, v any) *rpcError {
	if i >= len(params) {
		return &rpcError{Code: -32602, Message: fmt.Sprintf("missing param %d", i)}
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return &rpcError{Code: -32602, Message: fmt.Sprintf("invalid param %d: %v", i, err)}
	}
	return nil
}

func methodNotFound(method string) *rpcError {
	return &rpcError{Code: -32601, Message: fmt.Sprintf("the method %s does not exist/is not available", method)}
}

func addressArg(data []byte, i int) common.Address {
	start := 4 + 32*i
	if len(data) < start+32 {
		return common.Address{}
	}
	return common.BytesToAddress(data[start : start+32])
}

func uintArg(data []byte, i int) *big.Int {
	start := 4 + 32*i
	if len(data) < start+32 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data[start : start+32])
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
