package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/internal/testutil/fakenode"
	"github.com/gateway-fm/forkharness/pkg/types"
)

func newTestHarness(t *testing.T, node *fakenode.Node) *harness.Harness {
	t.Helper()
	cfg := rpc.DefaultClientConfig(node.URL())
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)
	t.Cleanup(func() { client.Close() })

	h, err := harness.New(harness.Config{Client: client, Dialect: execnode.Hardhat()})
	require.NoError(t, err)
	return h
}

type recordingMetrics struct {
	steps  map[types.StepStatus]int
	status []types.RunStatus
}

func (m *recordingMetrics) RecordStep(status types.StepStatus) {
	if m.steps == nil {
		m.steps = make(map[types.StepStatus]int)
	}
	m.steps[status]++
}

func (m *recordingMetrics) SetRunStatus(status types.RunStatus) {
	m.status = append(m.status, status)
}

func ok(context.Context) error { return nil }

func fail(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func leaf(name string) *Step {
	return &Step{Name: name, Setup: ok}
}

func statuses(results []types.StepResult) map[string]types.StepStatus {
	out := make(map[string]types.StepStatus, len(results))
	for _, r := range results {
		out[r.Path] = r.Status
	}
	return out
}

func TestRunAllPass(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})

	root := &Step{
		Name:  "root",
		Setup: ok,
		Children: []*Step{
			{Name: "a", Setup: ok, Children: []*Step{leaf("a1")}},
			leaf("b"),
		},
	}

	results, err := r.Run(context.Background(), root)
	require.NoError(t, err)

	paths := make([]string, len(results))
	for i, res := range results {
		paths[i] = res.Path
		assert.Equal(t, types.StepPassed, res.Status, res.Path)
	}
	assert.Equal(t, []string{"root", "root > a", "root > a > a1", "root > b"}, paths)
	assert.Equal(t, 2, results[2].Depth)
	assert.Equal(t, types.RunPassed, Status(results, err))
}

func TestRunFailureBlocksDescendants(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})

	root := &Step{
		Name: "root",
		Children: []*Step{
			{
				Name:     "broken",
				Setup:    fail("deposit reverted"),
				Children: []*Step{{Name: "child", Children: []*Step{leaf("grandchild")}}},
			},
			leaf("sibling"),
		},
	}

	results, err := r.Run(context.Background(), root)
	require.NoError(t, err)

	got := statuses(results)
	assert.Equal(t, types.StepFailed, got["root > broken"])
	assert.Equal(t, types.StepBlocked, got["root > broken > child"])
	assert.Equal(t, types.StepBlocked, got["root > broken > child > grandchild"])
	assert.Equal(t, types.StepPassed, got["root > sibling"])
	assert.Equal(t, types.RunFailed, Status(results, err))
}

func TestRunCheckFailureNamesCheck(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})

	step := &Step{
		Name: "deposit",
		Checks: []Check{
			{"has collateral", ok},
			{"has no debt", fail("lender debt is 5, want less than 1")},
		},
		Children: []*Step{leaf("borrow")},
	}

	results, err := r.Run(context.Background(), step)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, types.StepFailed, results[0].Status)
	assert.Equal(t, "has no debt: lender debt is 5, want less than 1", results[0].Error)
	assert.Equal(t, types.StepBlocked, results[1].Status)
}

func TestRunSkip(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})

	root := &Step{
		Name: "precheck",
		Setup: func(context.Context) error {
			return fmt.Errorf("%w: sUSD is frozen", ErrSkip)
		},
		Children: []*Step{leaf("fund"), leaf("deposit")},
	}

	results, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, types.StepSkipped, res.Status, res.Path)
	}
	assert.Contains(t, results[0].Error, "sUSD is frozen")
	assert.Equal(t, types.RunSkipped, Status(results, err))
}

func TestRunInfrastructureAborts(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})
	infra := fmt.Errorf("%w: connection refused", harness.ErrInfrastructure)

	later := false
	steps := []*Step{
		{
			Name:     "first",
			Setup:    func(context.Context) error { return infra },
			Children: []*Step{leaf("child")},
		},
		{
			Name:  "second",
			Setup: func(context.Context) error { later = true; return nil },
		},
	}

	results, err := r.Run(context.Background(), steps...)
	require.ErrorIs(t, err, harness.ErrInfrastructure)
	assert.False(t, later, "steps after an infrastructure failure must not run")

	got := statuses(results)
	assert.Equal(t, types.StepAborted, got["first"])
	assert.Equal(t, types.StepAborted, got["first > child"])
	assert.Equal(t, types.StepAborted, got["second"])
	assert.Equal(t, types.RunAborted, Status(results, err))
}

func TestRunCancelledContextAborts(t *testing.T) {
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := r.Run(ctx, leaf("a"), leaf("b"))
	require.ErrorIs(t, err, context.Canceled)
	for _, res := range results {
		assert.Equal(t, types.StepAborted, res.Status)
	}
}

func TestRunIsolatedStepRestoresState(t *testing.T) {
	node := fakenode.New(t)
	h := newTestHarness(t, node)
	r := NewRunner(RunnerConfig{Harness: h})
	addr := common.HexToAddress("0xbeef")

	var inside *big.Int
	step := &Step{
		Name:     "isolated",
		Isolated: true,
		Setup: func(ctx context.Context) error {
			return h.SetBalance(ctx, addr, big.NewInt(1000))
		},
		Children: []*Step{{
			Name: "sees the balance",
			Checks: []Check{{"balance", func(ctx context.Context) error {
				var err error
				inside, err = h.Client().GetBalance(ctx, addr.Hex())
				return err
			}}},
		}},
	}

	results, err := r.Run(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, types.RunPassed, Status(results, err))
	assert.Equal(t, int64(1000), inside.Int64())
	assert.Equal(t, int64(0), node.Balance(addr).Int64())
	assert.Equal(t, 0, node.SnapshotCount())
}

func TestRunIsolatedFailureStillRestores(t *testing.T) {
	node := fakenode.New(t)
	h := newTestHarness(t, node)
	r := NewRunner(RunnerConfig{Harness: h})
	addr := common.HexToAddress("0xbeef")

	steps := []*Step{
		{
			Name:     "withdraw early",
			Isolated: true,
			Setup: func(ctx context.Context) error {
				if err := h.SetBalance(ctx, addr, big.NewInt(7)); err != nil {
					return err
				}
				return errors.New("withdraw reverted")
			},
		},
		leaf("delegate"),
	}

	results, err := r.Run(context.Background(), steps...)
	require.NoError(t, err)

	got := statuses(results)
	assert.Equal(t, types.StepFailed, got["withdraw early"])
	assert.Equal(t, types.StepPassed, got["delegate"])
	assert.Equal(t, int64(0), node.Balance(addr).Int64())
	assert.Equal(t, 1, node.Count("evm_revert"))
}

func TestRunRestoreFailureAborts(t *testing.T) {
	node := fakenode.New(t)
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, node)})
	node.FailMethod("evm_revert", -32000, "snapshot gone")

	results, err := r.Run(context.Background(),
		&Step{Name: "isolated", Isolated: true, Setup: ok},
		leaf("next"),
	)
	require.ErrorIs(t, err, harness.ErrSnapshotNotFound)

	got := statuses(results)
	assert.Equal(t, types.StepPassed, got["isolated"])
	assert.Equal(t, types.StepAborted, got["next"])
}

func TestRunSnapshotFailureAbortsSubtree(t *testing.T) {
	node := fakenode.New(t)
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, node)})
	node.FailMethod("evm_snapshot", -32601, "method not found")

	ran := false
	results, err := r.Run(context.Background(), &Step{
		Name:     "isolated",
		Isolated: true,
		Setup:    func(context.Context) error { ran = true; return nil },
		Children: []*Step{leaf("child")},
	})
	require.Error(t, err)
	assert.False(t, ran)
	require.Len(t, results, 2)
	assert.Equal(t, types.StepAborted, results[0].Status)
	assert.Equal(t, types.StepAborted, results[1].Status)
}

func TestRunRecordsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	r := NewRunner(RunnerConfig{Harness: newTestHarness(t, fakenode.New(t)), Metrics: metrics})

	_, err := r.Run(context.Background(),
		&Step{Name: "a", Setup: fail("boom"), Children: []*Step{leaf("a1"), leaf("a2")}},
		leaf("b"),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.steps[types.StepFailed])
	assert.Equal(t, 2, metrics.steps[types.StepBlocked])
	assert.Equal(t, 1, metrics.steps[types.StepPassed])
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []types.StepResult
		aborted error
		want    types.RunStatus
	}{
		{"empty", nil, nil, types.RunPassed},
		{"passed", []types.StepResult{{Status: types.StepPassed}}, nil, types.RunPassed},
		{"passed with skipped branch", []types.StepResult{{Status: types.StepPassed}, {Status: types.StepSkipped}}, nil, types.RunPassed},
		{"all skipped", []types.StepResult{{Status: types.StepSkipped}}, nil, types.RunSkipped},
		{"blocked", []types.StepResult{{Status: types.StepPassed}, {Status: types.StepBlocked}}, nil, types.RunFailed},
		{"aborted", []types.StepResult{{Status: types.StepPassed}}, errors.New("node down"), types.RunAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.results, tt.aborted))
		})
	}
}
