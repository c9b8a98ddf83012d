package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/contract"
	"github.com/gateway-fm/forkharness/internal/storage"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunPair runs the credit delegation workflow for pair and waits for it.
func (c *Controller) RunPair(ctx context.Context, pair types.Pair) (*types.RunResult, error) {
	id, err := c.begin(ctx, pair)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, id, pair), nil
}

// StartRun starts a run in the background and returns its ID. ctx governs
// the run itself, so callers pass a context that outlives their request.
func (c *Controller) StartRun(ctx context.Context, pair types.Pair) (string, error) {
	id, err := c.begin(ctx, pair)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(ctx, id, pair)
	}()
	return id, nil
}

// begin claims the node for a run, then checks the contracts it will touch.
func (c *Controller) begin(ctx context.Context, pair types.Pair) (string, error) {
	if c.suite == nil {
		return "", errors.New("control: no scenario suite configured")
	}
	if err := c.lock(); err != nil {
		return "", err
	}
	id := storage.NewRunID()
	c.running = id
	c.mu.Unlock()

	if err := c.verifyContracts(ctx, pair); err != nil {
		c.mu.Lock()
		c.running = ""
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// verifyContracts fails when the pool, the data provider or either asset of
// pair has no code, which means the node forks the wrong chain or block.
func (c *Controller) verifyContracts(ctx context.Context, pair types.Pair) error {
	contracts := map[string]common.Address{
		"LendingPool":          c.book.Aave.LendingPool,
		"ProtocolDataProvider": c.book.Aave.DataProvider,
	}
	for _, symbol := range []string{pair.DepositAsset, pair.LoanAsset} {
		addr, err := c.book.Token(symbol)
		if err != nil {
			return err
		}
		contracts[symbol] = addr
	}
	missing, err := contract.VerifyDeployed(ctx, c.h.Client(), contracts, c.logger)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrNotDeployed, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Controller) execute(ctx context.Context, id string, pair types.Pair) *types.RunResult {
	c.createRun(ctx, id, pair)

	result := c.suite.RunPair(c.txContext(ctx), id, pair)

	// The outcome is recorded even when ctx was cancelled mid-run.
	c.completeRun(context.WithoutCancel(ctx), result)

	c.mu.Lock()
	c.running = ""
	c.lastRun = result
	c.mu.Unlock()
	return result
}

func (c *Controller) createRun(ctx context.Context, id string, pair types.Pair) {
	if c.store == nil {
		return
	}
	run := &storage.Run{
		ID:        id,
		StartedAt: time.Now(),
		Pair:      pair,
		Dialect:   c.h.Dialect().String(),
		RPCURL:    c.rpcURL,
		Status:    types.RunRunning,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		c.logger.Warn("failed to record run start", slog.String("run", id), slog.String("error", err.Error()))
	}
}

func (c *Controller) completeRun(ctx context.Context, result *types.RunResult) {
	if c.store == nil {
		return
	}
	if err := c.store.CompleteRun(ctx, result.ID, storage.RunFromResult(result, c.rpcURL)); err != nil {
		c.logger.Warn("failed to record run result", slog.String("run", result.ID), slog.String("error", err.Error()))
		return
	}
	if err := c.store.InsertStepResults(ctx, result.ID, result.Steps); err != nil {
		c.logger.Warn("failed to record step results", slog.String("run", result.ID), slog.String("error", err.Error()))
	}
}

// Runs lists persisted runs, newest first.
func (c *Controller) Runs(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if c.store == nil {
		return nil, ErrNoHistory
	}
	return c.store.ListRuns(ctx, limit, offset)
}

// Run returns a persisted run with its step results.
func (c *Controller) Run(ctx context.Context, id string) (*storage.RunDetail, error) {
	if c.store == nil {
		return nil, ErrNoHistory
	}
	detail, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return detail, nil
}

// DeleteRun removes a persisted run.
func (c *Controller) DeleteRun(ctx context.Context, id string) error {
	if c.store == nil {
		return ErrNoHistory
	}
	if _, err := c.Run(ctx, id); err != nil {
		return err
	}
	return c.store.DeleteRun(ctx, id)
}
