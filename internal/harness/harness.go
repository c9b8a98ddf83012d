// Package harness drives the admin surface of a forked development node:
// account impersonation and snapshot/restore of chain state. Integration tests
// use it to run destructive steps in isolation on a shared fork.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/forkharness/internal/account"
	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/rpc"
)

var (
	// ErrInfrastructure marks failures of the node or the transport. A scenario
	// that sees one cannot trust chain state and must stop.
	ErrInfrastructure = errors.New("chain infrastructure error")

	// ErrSnapshotNotFound is returned when restoring a handle the node does not
	// know: never issued, already consumed, or invalidated by an outer restore.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrOutOfOrder is returned by Stack.Pop for a handle that is not the innermost.
	ErrOutOfOrder = errors.New("snapshot restored out of order")
)

// SnapshotID is the opaque handle the node returns from evm_snapshot.
type SnapshotID string

// Metrics receives harness events. metrics.PrometheusMetrics implements it.
type Metrics interface {
	RecordSnapshot(op string, err error)
	SetSnapshotDepth(depth int)
	RecordImpersonation()
}

// Config configures a Harness.
type Config struct {
	Client  rpc.Client
	Dialect *execnode.Dialect
	Logger  *slog.Logger
	Metrics Metrics // optional
}

// Harness issues impersonation and snapshot calls against one node.
// It holds no chain state of its own.
type Harness struct {
	client  rpc.Client
	dialect *execnode.Dialect
	logger  *slog.Logger
	metrics Metrics
}

// New creates a harness.
func New(cfg Config) (*Harness, error) {
	if cfg.Client == nil {
		return nil, errors.New("harness: client is required")
	}
	if cfg.Dialect == nil {
		return nil, errors.New("harness: dialect is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		client:  cfg.Client,
		dialect: cfg.Dialect,
		logger:  logger.With(slog.String("dialect", cfg.Dialect.Name)),
		metrics: cfg.Metrics,
	}, nil
}

// Client returns the node client the harness was built with.
func (h *Harness) Client() rpc.Client {
	return h.client
}

// Dialect returns the node dialect.
func (h *Harness) Dialect() *execnode.Dialect {
	return h.dialect
}

// Impersonate tells the node to accept unsigned transactions from address and
// returns a signer bound to it. Impersonating an address twice is harmless.
func (h *Harness) Impersonate(ctx context.Context, address common.Address) (account.Impersonated, error) {
	if _, err := h.client.Call(ctx, h.dialect.ImpersonateMethod, []interface{}{address.Hex()}); err != nil {
		return account.Impersonated{}, infraError("impersonate "+address.Hex(), err)
	}
	if h.metrics != nil {
		h.metrics.RecordImpersonation()
	}
	h.logger.Debug("impersonating account", slog.String("address", address.Hex()))
	return account.NewImpersonated(address, h.client), nil
}

// StopImpersonating revokes impersonation of address.
func (h *Harness) StopImpersonating(ctx context.Context, address common.Address) error {
	if _, err := h.client.Call(ctx, h.dialect.StopImpersonatingMethod, []interface{}{address.Hex()}); err != nil {
		return infraError("stop impersonating "+address.Hex(), err)
	}
	h.logger.Debug("stopped impersonating account", slog.String("address", address.Hex()))
	return nil
}

// SetBalance overwrites the ETH balance of address.
func (h *Harness) SetBalance(ctx context.Context, address common.Address, wei *big.Int) error {
	params := []interface{}{address.Hex(), hexutil.EncodeBig(wei)}
	if _, err := h.client.Call(ctx, h.dialect.SetBalanceMethod, params); err != nil {
		return infraError("set balance of "+address.Hex(), err)
	}
	return nil
}

// Mine produces one block.
func (h *Harness) Mine(ctx context.Context) error {
	if _, err := h.client.Call(ctx, h.dialect.MineMethod, nil); err != nil {
		return infraError("mine", err)
	}
	return nil
}

// TakeSnapshot records the current chain state and returns its handle.
func (h *Harness) TakeSnapshot(ctx context.Context) (SnapshotID, error) {
	result, err := h.client.Call(ctx, h.dialect.SnapshotMethod, nil)
	if err == nil {
		var id SnapshotID
		id, err = decodeSnapshotID(result)
		if err == nil {
			h.record("take", nil)
			h.logger.Debug("snapshot taken", slog.String("id", string(id)))
			return id, nil
		}
	}
	err = infraError("take snapshot", err)
	h.record("take", err)
	return "", err
}

// RestoreSnapshot rewinds chain state to id. The handle is consumed, and any
// handle taken after it is invalidated.
func (h *Harness) RestoreSnapshot(ctx context.Context, id SnapshotID) error {
	err := h.restore(ctx, id)
	h.record("restore", err)
	if err != nil {
		return err
	}
	h.logger.Debug("snapshot restored", slog.String("id", string(id)))
	return nil
}

func (h *Harness) restore(ctx context.Context, id SnapshotID) error {
	result, err := h.client.Call(ctx, h.dialect.RevertMethod, []interface{}{string(id)})
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code != codeMethodNotFound {
			// The node answered and refused the handle.
			return fmt.Errorf("%w: %s: %w", ErrSnapshotNotFound, id, err)
		}
		return infraError("restore snapshot "+string(id), err)
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return infraError("restore snapshot "+string(id), fmt.Errorf("unexpected result %s", result))
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return nil
}

// Scope runs fn between a snapshot and its restore. The restore happens on
// every exit path, panics included; a panic is re-raised afterwards. Errors
// from fn and from the restore are joined.
func (h *Harness) Scope(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	id, err := h.TakeSnapshot(ctx)
	if err != nil {
		return err
	}

	defer func() {
		// Restore even when ctx was cancelled inside fn.
		restoreErr := h.RestoreSnapshot(context.WithoutCancel(ctx), id)
		if r := recover(); r != nil {
			if restoreErr != nil {
				h.logger.Error("failed to restore snapshot after panic",
					slog.String("id", string(id)),
					slog.String("error", restoreErr.Error()),
				)
			}
			panic(r)
		}
		err = errors.Join(err, restoreErr)
	}()

	return fn(ctx)
}

func (h *Harness) record(op string, err error) {
	if h.metrics != nil {
		h.metrics.RecordSnapshot(op, err)
	}
}

// decodeSnapshotID accepts the hex string every supported node returns, and a
// bare JSON number for nodes that encode the counter numerically.
func decodeSnapshotID(result json.RawMessage) (SnapshotID, error) {
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty snapshot id")
		}
		return SnapshotID(s), nil
	}

	var n uint64
	if err := json.Unmarshal(result, &n); err != nil {
		return "", fmt.Errorf("unexpected snapshot id %s", result)
	}
	return SnapshotID(hexutil.EncodeUint64(n)), nil
}

// codeMethodNotFound means the node does not serve the admin method at all.
const codeMethodNotFound = -32601

func infraError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

// IsInfrastructure reports whether err came from the node or transport rather
// than from chain logic.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}
