// Package scenario runs nested, snapshot-isolated test steps against a forked
// chain and reports per-step outcomes.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// ErrSkip is returned by a step setup whose precondition does not hold. The
// step and its descendants are reported as skipped rather than failed.
var ErrSkip = errors.New("precondition not met")

// Check is one named assertion run after a step's setup.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Step is a node of the scenario tree. Children run after the step's own
// setup and checks pass, in order. An isolated step runs together with its
// children between a snapshot and its restore.
type Step struct {
	Name     string
	Isolated bool
	Setup    func(ctx context.Context) error
	Checks   []Check
	Children []*Step
}

// Metrics receives step and run outcomes.
type Metrics interface {
	RecordStep(status types.StepStatus)
	SetRunStatus(status types.RunStatus)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Harness *harness.Harness
	Logger  *slog.Logger
	Metrics Metrics
}

// Runner executes step trees.
type Runner struct {
	h       *harness.Harness
	logger  *slog.Logger
	metrics Metrics
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{h: cfg.Harness, logger: logger, metrics: cfg.Metrics}
}

// Run executes steps depth-first and returns one result per step in
// pre-order. The returned error is the infrastructure failure that aborted
// the run, if any; chain-level failures are only reported in the results.
func (r *Runner) Run(ctx context.Context, steps ...*Step) ([]types.StepResult, error) {
	x := &execution{r: r}
	for _, s := range steps {
		x.step(ctx, s, nil)
	}
	return x.results, x.aborted
}

// Status summarises step results into a run status.
func Status(results []types.StepResult, aborted error) types.RunStatus {
	if aborted != nil {
		return types.RunAborted
	}
	passed, skipped := 0, 0
	for _, res := range results {
		switch res.Status {
		case types.StepFailed, types.StepBlocked:
			return types.RunFailed
		case types.StepPassed:
			passed++
		case types.StepSkipped:
			skipped++
		}
	}
	if passed == 0 && skipped > 0 {
		return types.RunSkipped
	}
	return types.RunPassed
}

type execution struct {
	r       *Runner
	results []types.StepResult
	aborted error
}

func (x *execution) step(ctx context.Context, s *Step, parent []string) {
	path := append(append([]string(nil), parent...), s.Name)

	if x.aborted != nil {
		x.mark(s, path, types.StepAborted, "")
		return
	}
	if err := ctx.Err(); err != nil {
		x.abort(err)
		x.mark(s, path, types.StepAborted, err.Error())
		return
	}

	if !s.Isolated {
		x.exec(ctx, s, path)
		return
	}

	ran := false
	err := x.r.h.Scope(ctx, func(ctx context.Context) error {
		ran = true
		x.exec(ctx, s, path)
		return nil
	})
	if err == nil {
		return
	}
	x.abort(err)
	if !ran {
		x.mark(s, path, types.StepAborted, err.Error())
	}
}

func (x *execution) exec(ctx context.Context, s *Step, path []string) {
	start := time.Now()
	err := x.runStep(ctx, s)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		x.record(path, types.StepPassed, nil, elapsed)
		for _, child := range s.Children {
			x.step(ctx, child, path)
		}
	case errors.Is(err, ErrSkip):
		x.record(path, types.StepSkipped, err, elapsed)
		x.markChildren(s, path, types.StepSkipped)
	case isInfrastructure(ctx, err):
		x.abort(err)
		x.record(path, types.StepAborted, err, elapsed)
		x.markChildren(s, path, types.StepAborted)
	default:
		x.record(path, types.StepFailed, err, elapsed)
		x.markChildren(s, path, types.StepBlocked)
	}
}

func (x *execution) runStep(ctx context.Context, s *Step) error {
	if s.Setup != nil {
		if err := s.Setup(ctx); err != nil {
			return err
		}
	}
	for _, c := range s.Checks {
		if err := c.Fn(ctx); err != nil {
			if errors.Is(err, ErrSkip) || isInfrastructure(ctx, err) {
				return err
			}
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

func (x *execution) abort(err error) {
	if x.aborted == nil {
		x.aborted = err
		x.r.logger.Error("scenario aborted", slog.String("error", err.Error()))
	}
}

// mark records s and its whole subtree with status.
func (x *execution) mark(s *Step, path []string, status types.StepStatus, reason string) {
	x.append(path, status, reason, 0)
	x.markChildren(s, path, status)
}

func (x *execution) markChildren(s *Step, path []string, status types.StepStatus) {
	for _, child := range s.Children {
		x.mark(child, append(append([]string(nil), path...), child.Name), status, "")
	}
}

func (x *execution) record(path []string, status types.StepStatus, err error, elapsed time.Duration) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	x.append(path, status, reason, elapsed)

	attrs := []any{
		slog.String("step", strings.Join(path, " > ")),
		slog.String("status", string(status)),
		slog.Duration("elapsed", elapsed),
	}
	switch status {
	case types.StepPassed:
		x.r.logger.Info("step passed", attrs...)
	case types.StepSkipped:
		x.r.logger.Warn("step skipped", append(attrs, slog.String("reason", reason))...)
	default:
		x.r.logger.Error("step "+string(status), append(attrs, slog.String("error", reason))...)
	}
}

func (x *execution) append(path []string, status types.StepStatus, reason string, elapsed time.Duration) {
	x.results = append(x.results, types.StepResult{
		Path:       strings.Join(path, " > "),
		Depth:      len(path) - 1,
		Status:     status,
		Error:      reason,
		DurationMs: elapsed.Milliseconds(),
	})
	if x.r.metrics != nil {
		x.r.metrics.RecordStep(status)
	}
}

// isInfrastructure reports whether err means the node or transport failed, as
// opposed to the chain rejecting something.
func isInfrastructure(ctx context.Context, err error) bool {
	if harness.IsInfrastructure(err) {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	var httpErr *rpc.HTTPStatusError
	if errors.As(err, &httpErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
