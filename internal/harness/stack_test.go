package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/testutil/fakenode"
)

func TestStackPopInOrder(t *testing.T) {
	ctx := context.Background()
	node := fakenode.New(t)
	stack := newTestHarness(t, node, execnode.Hardhat()).NewStack()

	a, err := stack.Push(ctx)
	require.NoError(t, err)
	b, err := stack.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stack.Depth())

	assert.Equal(t, []SnapshotID{a, b}, stack.IDs())

	require.NoError(t, stack.Pop(ctx, b))
	require.NoError(t, stack.Pop(ctx, a))
	assert.Equal(t, 0, stack.Depth())
	assert.Equal(t, 0, node.SnapshotCount())
	assert.Empty(t, stack.IDs())
}

func TestStackPopOutOfOrder(t *testing.T) {
	ctx := context.Background()
	node := fakenode.New(t)
	stack := newTestHarness(t, node, execnode.Hardhat()).NewStack()

	a, err := stack.Push(ctx)
	require.NoError(t, err)
	_, err = stack.Push(ctx)
	require.NoError(t, err)

	err = stack.Pop(ctx, a)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 2, stack.Depth())
	assert.Equal(t, 0, node.Count("evm_revert"))
}

func TestStackPopUnknown(t *testing.T) {
	ctx := context.Background()
	node := fakenode.New(t)
	stack := newTestHarness(t, node, execnode.Hardhat()).NewStack()

	err := stack.Pop(ctx, "0x99")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.Equal(t, 0, node.Count("evm_revert"))
}

func TestStackUnwindDropsInner(t *testing.T) {
	ctx := context.Background()
	node := fakenode.New(t)
	stack := newTestHarness(t, node, execnode.Hardhat()).NewStack()

	a, err := stack.Push(ctx)
	require.NoError(t, err)
	b, err := stack.Push(ctx)
	require.NoError(t, err)
	c, err := stack.Push(ctx)
	require.NoError(t, err)

	require.NoError(t, stack.Unwind(ctx, b))
	assert.Equal(t, 1, stack.Depth())
	assert.Equal(t, 1, node.SnapshotCount())

	assert.ErrorIs(t, stack.Pop(ctx, c), ErrSnapshotNotFound)
	require.NoError(t, stack.Pop(ctx, a))
}

func TestStackUnwindAllEmpty(t *testing.T) {
	node := fakenode.New(t)
	stack := newTestHarness(t, node, execnode.Hardhat()).NewStack()

	require.NoError(t, stack.UnwindAll(context.Background()))
	assert.Equal(t, 0, node.Count("evm_revert"))
}
