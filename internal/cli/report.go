package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/gateway-fm/forkharness/internal/control"
	"github.com/gateway-fm/forkharness/internal/storage"
	"github.com/gateway-fm/forkharness/pkg/types"
)

var (
	green   = color.New(color.FgGreen).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
)

// stepMark renders a step status the way a test reporter would.
func stepMark(status types.StepStatus) string {
	switch status {
	case types.StepPassed:
		return green("✓")
	case types.StepFailed:
		return red("✗")
	case types.StepSkipped:
		return yellow("-")
	case types.StepBlocked:
		return faint("○")
	case types.StepAborted:
		return magenta("!")
	default:
		return "?"
	}
}

func runStatus(status types.RunStatus) string {
	s := strings.ToUpper(string(status))
	switch status {
	case types.RunPassed:
		return green(s)
	case types.RunFailed, types.RunAborted:
		return red(s)
	case types.RunSkipped:
		return yellow(s)
	default:
		return cyan(s)
	}
}

// leaf returns the last segment of a " > " joined step path.
func leaf(path string) string {
	if i := strings.LastIndex(path, " > "); i >= 0 {
		return path[i+3:]
	}
	return path
}

func printSteps(w io.Writer, steps []types.StepResult) {
	for _, s := range steps {
		indent := strings.Repeat("  ", s.Depth+1)
		line := fmt.Sprintf("%s%s %s", indent, stepMark(s.Status), leaf(s.Path))
		if s.Status == types.StepPassed && s.DurationMs > 0 {
			line += faint(fmt.Sprintf(" (%dms)", s.DurationMs))
		}
		fmt.Fprintln(w, line)
		if s.Error != "" && s.Status != types.StepBlocked {
			fmt.Fprintf(w, "%s    %s\n", indent, red(s.Error))
		}
	}
}

func printRun(w io.Writer, r *types.RunResult) {
	fmt.Fprintf(w, "\n%s %s\n", bold(r.Pair.String()), faint(r.ID))
	printSteps(w, r.Steps)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s  %s passing, %s failing, %s pending, %s blocked\n",
		runStatus(r.Status),
		green(r.Count(types.StepPassed)),
		red(r.Count(types.StepFailed)),
		yellow(r.Count(types.StepSkipped)),
		faint(r.Count(types.StepBlocked)),
	)
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", red(r.Error))
	}
}

func printBalance(w io.Writer, b *control.Balance) {
	fmt.Fprintf(w, "%s balance of %s: %s\n", b.Asset, cyan(b.Account.Hex()), bold(b.Amount))
}

func printTransfer(w io.Writer, t *control.Transfer) {
	fmt.Fprintf(w, "Transferred %s %s from holder %s to %s\n",
		bold(t.Amount), t.Asset, cyan(t.Holder.Hex()), cyan(t.Recipient.Hex()))
	fmt.Fprintf(w, "  holder balance before:    %s %s\n", t.HolderBefore, t.Asset)
	fmt.Fprintf(w, "  recipient balance before: %s %s\n", t.RecipientBefore, t.Asset)
	fmt.Fprintf(w, "  recipient balance after:  %s %s\n", green(t.RecipientAfter), t.Asset)
	fmt.Fprintf(w, "  tx %s\n", faint(t.TxHash.Hex()))
}

func printSnapshots(w io.Writer, st *control.SnapshotState) {
	if st.Depth == 0 {
		fmt.Fprintln(w, "no outstanding snapshots")
		return
	}
	fmt.Fprintf(w, "snapshots (outermost first): %s\n", strings.Join(st.Stack, " > "))
}

func printHistory(w io.Writer, page *storage.PaginatedRuns) {
	if len(page.Runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	for _, r := range page.Runs {
		fmt.Fprintf(w, "%s  %-8s %-40s %s passed %s failed %s skipped  %s\n",
			faint(r.StartedAt.Local().Format(time.DateTime)),
			runStatus(r.Status),
			r.Pair.String(),
			green(r.Passed), red(r.Failed), yellow(r.Skipped),
			faint(r.ID),
		)
	}
	if shown := page.Offset + len(page.Runs); shown < page.Total {
		fmt.Fprintf(w, "%s\n", faint(fmt.Sprintf("%d of %d runs shown", shown, page.Total)))
	}
}

func printRunDetail(w io.Writer, d *storage.RunDetail) {
	fmt.Fprintf(w, "%s %s\n", bold(d.Pair.String()), faint(d.ID))
	fmt.Fprintf(w, "  node:    %s %s\n", d.Dialect, faint(d.RPCURL))
	if d.ForkBlock > 0 {
		fmt.Fprintf(w, "  block:   %d\n", d.ForkBlock)
	}
	fmt.Fprintf(w, "  started: %s\n", d.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  status:  %s (%dms)\n", runStatus(d.Status), d.DurationMs)
	if d.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:   %s\n", red(d.ErrorMessage))
	}
	printSteps(w, d.Steps)
}
