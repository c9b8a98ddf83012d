// Package control serialises access to one forked node for the command line,
// the HTTP API and the MCP server: snapshot bookkeeping, impersonated token
// transfers, balance lookups and credit delegation runs with their history.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/addressbook"
	"github.com/gateway-fm/forkharness/internal/contract"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/scenario"
	"github.com/gateway-fm/forkharness/internal/storage"
	"github.com/gateway-fm/forkharness/internal/units"
	"github.com/gateway-fm/forkharness/pkg/types"
)

var (
	// ErrBusy is returned while a credit delegation run owns the node.
	ErrBusy = errors.New("a credit delegation run is in progress")

	// ErrNoHistory is returned by history calls when no storage is configured.
	ErrNoHistory = errors.New("run history is not configured")

	// ErrInsufficientBalance is returned when a funding holder cannot cover a transfer.
	ErrInsufficientBalance = errors.New("insufficient holder balance")

	// ErrNotDeployed is returned when the fork lacks a contract a run needs.
	ErrNotDeployed = errors.New("contracts missing on the fork")
)

// Holders that are contracts often have no ETH to pay for gas.
var (
	gasFloor = units.MustParseEther("1")
	gasTopUp = units.MustParseEther("10")
)

// Config configures a Controller.
type Config struct {
	Harness *harness.Harness
	Book    *addressbook.Book
	Suite   *scenario.Suite // required for runs
	Storage storage.Storage // optional run history
	RPCURL  string          // recorded with persisted runs
	// ReceiptTimeout bounds each wait for a mined transaction.
	ReceiptTimeout time.Duration
	Logger         *slog.Logger
}

// Controller owns the snapshot stack of one node. Admin calls are refused
// while a run is in progress: the run's own scopes must stay innermost.
type Controller struct {
	h              *harness.Harness
	book           *addressbook.Book
	suite          *scenario.Suite
	store          storage.Storage
	rpcURL         string
	receiptTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	stack   *harness.Stack
	running string
	lastRun *types.RunResult
	wg      sync.WaitGroup
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Harness == nil {
		return nil, errors.New("control: harness is required")
	}
	if cfg.Book == nil {
		return nil, errors.New("control: address book is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		h:              cfg.Harness,
		book:           cfg.Book,
		suite:          cfg.Suite,
		store:          cfg.Storage,
		rpcURL:         cfg.RPCURL,
		receiptTimeout: cfg.ReceiptTimeout,
		logger:         logger,
		stack:          cfg.Harness.NewStack(),
	}, nil
}

// Book returns the address book the controller resolves names with.
func (c *Controller) Book() *addressbook.Book {
	return c.book
}

// lock takes the node for an admin call. The caller must unlock c.mu.
func (c *Controller) lock() error {
	c.mu.Lock()
	if c.running != "" {
		id := c.running
		c.mu.Unlock()
		return fmt.Errorf("%w (run %s)", ErrBusy, id)
	}
	return nil
}

func (c *Controller) txContext(ctx context.Context) context.Context {
	if c.receiptTimeout > 0 {
		return account.WithReceiptTimeout(ctx, c.receiptTimeout)
	}
	return ctx
}

// SnapshotState describes the outstanding snapshots.
type SnapshotState struct {
	ID    string   `json:"id,omitempty"`
	Depth int      `json:"depth"`
	Stack []string `json:"stack"`
}

// Snapshot takes a snapshot and pushes it onto the stack.
func (c *Controller) Snapshot(ctx context.Context) (*SnapshotState, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	id, err := c.stack.Push(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("snapshot taken", slog.String("id", string(id)), slog.Int("depth", c.stack.Depth()))
	state := c.snapshotState()
	state.ID = string(id)
	return state, nil
}

// Revert restores id, which must be the innermost outstanding snapshot.
func (c *Controller) Revert(ctx context.Context, id string) (*SnapshotState, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if err := c.stack.Pop(ctx, harness.SnapshotID(id)); err != nil {
		return nil, err
	}
	c.logger.Info("snapshot restored", slog.String("id", id), slog.Int("depth", c.stack.Depth()))
	return c.snapshotState(), nil
}

// Unwind restores id wherever it sits on the stack. Every snapshot taken after
// it is dropped, as the node invalidates them.
func (c *Controller) Unwind(ctx context.Context, id string) (*SnapshotState, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	dropped := c.stack.Depth()
	if err := c.stack.Unwind(ctx, harness.SnapshotID(id)); err != nil {
		return nil, err
	}
	c.logger.Info("snapshot unwound",
		slog.String("id", id),
		slog.Int("dropped", dropped-c.stack.Depth()-1),
	)
	return c.snapshotState(), nil
}

// Reset restores the outermost snapshot, returning the fork to the state it
// had before the first outstanding snapshot. An empty stack is a no-op.
func (c *Controller) Reset(ctx context.Context) (*SnapshotState, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if err := c.stack.UnwindAll(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("snapshot stack reset")
	return c.snapshotState(), nil
}

// Mined reports the head after Mine.
type Mined struct {
	Blocks int    `json:"blocks"`
	Head   uint64 `json:"head"`
}

// Mine produces blocks empty blocks, at least one.
func (c *Controller) Mine(ctx context.Context, blocks int) (*Mined, error) {
	if blocks < 1 {
		blocks = 1
	}
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	for i := 0; i < blocks; i++ {
		if err := c.h.Mine(ctx); err != nil {
			return nil, err
		}
	}
	head, err := c.h.Client().GetBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("mined", slog.Int("blocks", blocks), slog.Uint64("head", head))
	return &Mined{Blocks: blocks, Head: head}, nil
}

// Snapshots reports the outstanding snapshots, innermost last.
func (c *Controller) Snapshots() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotState()
}

func (c *Controller) snapshotState() *SnapshotState {
	ids := c.stack.IDs()
	state := &SnapshotState{Depth: len(ids), Stack: make([]string, len(ids))}
	for i, id := range ids {
		state.Stack[i] = string(id)
	}
	return state
}

// Impersonate resolves who (an address or address book user) and unlocks it.
func (c *Controller) Impersonate(ctx context.Context, who string) (common.Address, error) {
	addr, err := c.book.ResolveAddress(who)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.lock(); err != nil {
		return common.Address{}, err
	}
	defer c.mu.Unlock()

	if _, err := c.h.Impersonate(ctx, addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// StopImpersonating locks who again.
func (c *Controller) StopImpersonating(ctx context.Context, who string) (common.Address, error) {
	addr, err := c.book.ResolveAddress(who)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.lock(); err != nil {
		return common.Address{}, err
	}
	defer c.mu.Unlock()

	if err := c.h.StopImpersonating(ctx, addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// Balance is a token balance of one account.
type Balance struct {
	Asset    string         `json:"asset"`
	Token    common.Address `json:"token"`
	Account  common.Address `json:"account"`
	Amount   string         `json:"amount"` // whole tokens
	Raw      *big.Int       `json:"raw"`
	Decimals uint8          `json:"decimals"`
}

// Balance reads the asset balance of of. Reads do not need the node lock.
func (c *Controller) Balance(ctx context.Context, asset, of string) (*Balance, error) {
	token, err := c.book.Token(asset)
	if err != nil {
		return nil, err
	}
	holder, err := c.book.ResolveAddress(of)
	if err != nil {
		return nil, err
	}
	erc20 := contract.NewERC20(token, c.h.Client())
	decimals, err := erc20.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := erc20.BalanceOf(ctx, holder)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Asset:    asset,
		Token:    token,
		Account:  holder,
		Amount:   units.FormatUnits(raw, decimals),
		Raw:      raw,
		Decimals: decimals,
	}, nil
}

// TransferRequest funds an account from the asset's configured holder.
type TransferRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"` // whole tokens
	To     string `json:"to"`     // address or address book user
}

// Transfer is the outcome of a funding transfer.
type Transfer struct {
	Asset           string         `json:"asset"`
	Holder          common.Address `json:"holder"`
	Recipient       common.Address `json:"recipient"`
	Amount          string         `json:"amount"`
	TxHash          common.Hash    `json:"txHash"`
	HolderBefore    string         `json:"holderBefore"`
	RecipientBefore string         `json:"recipientBefore"`
	RecipientAfter  string         `json:"recipientAfter"`
}

// Transfer impersonates the asset's holder and sends amount to the recipient.
// The holder is topped up with gas money when it has almost none.
func (c *Controller) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	token, err := c.book.Token(req.Asset)
	if err != nil {
		return nil, err
	}
	holderAddr, err := c.book.Holder(req.Asset)
	if err != nil {
		return nil, err
	}
	to, err := c.book.ResolveAddress(req.To)
	if err != nil {
		return nil, err
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	client := c.h.Client()
	erc20 := contract.NewERC20(token, client)
	decimals, err := erc20.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := units.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	holderBalance, err := erc20.BalanceOf(ctx, holderAddr)
	if err != nil {
		return nil, err
	}
	if holderBalance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: holder %s has %s %s, need %s", ErrInsufficientBalance,
			holderAddr.Hex(), units.FormatUnits(holderBalance, decimals), req.Asset, req.Amount)
	}
	before, err := erc20.BalanceOf(ctx, to)
	if err != nil {
		return nil, err
	}

	holder, err := c.h.Impersonate(ctx, holderAddr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.h.StopImpersonating(context.WithoutCancel(ctx), holderAddr); err != nil {
			c.logger.Warn("failed to stop impersonating holder",
				slog.String("holder", holderAddr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}()

	gas, err := client.GetBalance(ctx, holderAddr.Hex())
	if err != nil {
		return nil, err
	}
	if gas.Cmp(gasFloor) < 0 {
		if err := c.h.SetBalance(ctx, holderAddr, gasTopUp); err != nil {
			return nil, err
		}
	}

	receipt, err := erc20.Transfer(c.txContext(ctx), holder, to, amount)
	if err != nil {
		return nil, err
	}
	after, err := erc20.BalanceOf(ctx, to)
	if err != nil {
		return nil, err
	}

	c.logger.Info("transfer complete",
		slog.String("asset", req.Asset),
		slog.String("amount", req.Amount),
		slog.String("to", to.Hex()),
		slog.String("tx", receipt.TxHash.Hex()),
	)
	return &Transfer{
		Asset:           req.Asset,
		Holder:          holderAddr,
		Recipient:       to,
		Amount:          units.FormatUnits(amount, decimals),
		TxHash:          receipt.TxHash,
		HolderBefore:    units.FormatUnits(holderBalance, decimals),
		RecipientBefore: units.FormatUnits(before, decimals),
		RecipientAfter:  units.FormatUnits(after, decimals),
	}, nil
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running   string           `json:"running,omitempty"`
	Snapshots *SnapshotState   `json:"snapshots"`
	LastRun   *types.RunResult `json:"lastRun,omitempty"`
}

// Status reports the active run, the snapshot stack and the last finished run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Running: c.running, Snapshots: c.snapshotState(), LastRun: c.lastRun}
}

// Wait blocks until runs started with StartRun have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
