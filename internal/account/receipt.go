package account

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/forkharness/internal/rpc"
)

// DefaultReceiptTimeout bounds WaitReceipt when ctx has no deadline.
const DefaultReceiptTimeout = 60 * time.Second

type receiptTimeoutKey struct{}

// WithReceiptTimeout returns a context under which WaitReceipt gives up after d
// instead of DefaultReceiptTimeout.
func WithReceiptTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, receiptTimeoutKey{}, d)
}

func receiptTimeout(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(receiptTimeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return DefaultReceiptTimeout
}

// WaitReceipt polls for the receipt of hash with exponential backoff.
// A receipt with failed status is reported as ErrReverted.
func WaitReceipt(ctx context.Context, client rpc.Client, hash common.Hash) (*rpc.TransactionReceipt, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, receiptTimeout(ctx))
		defer cancel()
	}

	backoff := 20 * time.Millisecond
	maxBackoff := 2 * time.Second

	for {
		receipt, err := client.GetTransactionReceipt(ctx, hash.Hex())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch receipt for %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			if !receipt.Succeeded() {
				return receipt, fmt.Errorf("%w: %s in block %d", ErrReverted, hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Transact sends call through signer and waits for it to be mined.
func Transact(ctx context.Context, client rpc.Client, signer Signer, call Call) (*rpc.TransactionReceipt, error) {
	hash, err := signer.Send(ctx, call)
	if err != nil {
		return nil, err
	}
	return WaitReceipt(ctx, client, hash)
}
