package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all fork harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(statusTool(), handleStatus(client))
	s.AddTool(healthTool(), handleHealth(client))
	s.AddTool(snapshotTool(), handleSnapshot(client))
	s.AddTool(revertTool(), handleRevert(client))
	s.AddTool(mineTool(), handleMine(client))
	s.AddTool(impersonateTool(), handleImpersonate(client))
	s.AddTool(balanceTool(), handleBalance(client))
	s.AddTool(transferTool(), handleTransfer(client))
	s.AddTool(runTool(), handleRun(client))
	s.AddTool(historyTool(), handleHistory(client))
	s.AddTool(runDetailTool(), handleRunDetail(client))
	s.AddTool(deleteRunTool(), handleDeleteRun(client))
}

func unreachable(err error) *gomcp.CallToolResult {
	return gomcp.NewToolResultError(fmt.Sprintf("Fork harness request failed: %v\n\nIs the API running? Try: forkctl serve", err))
}

func statusTool() gomcp.Tool {
	return gomcp.NewTool("fork_status",
		gomcp.WithDescription("Get fork harness status: the active credit delegation run, outstanding snapshots, and the last run's result."),
	)
}

func handleStatus(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	}
}

func healthTool() gomcp.Tool {
	return gomcp.NewTool("fork_health",
		gomcp.WithDescription("Check that the forked node answers JSON-RPC."),
	)
}

func handleHealth(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fork unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func snapshotTool() gomcp.Tool {
	return gomcp.NewTool("fork_snapshot",
		gomcp.WithDescription("Take a chain state snapshot and push it on the snapshot stack. This is a MUTATING operation. Returns the snapshot ID to pass to fork_revert."),
	)
}

func handleSnapshot(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Post(ctx, "/v1/snapshots", nil)
		if err != nil {
			return unreachable(err), nil
		}
		var st snapshotState
		if err := json.Unmarshal(raw, &st); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected response: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Snapshot Taken"),
			kv("ID", st.ID),
			kv("Depth", st.Depth),
		)), nil
	}
}

func revertTool() gomcp.Tool {
	return gomcp.NewTool("fork_revert",
		gomcp.WithDescription("Restore a snapshot, discarding every change made since it was taken. This is a MUTATING operation. Only the most recent outstanding snapshot can be restored unless unwind is set."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Snapshot ID returned by fork_snapshot, e.g. 0x1"),
		),
		gomcp.WithBoolean("unwind",
			gomcp.Description("Restore an outer snapshot and drop every snapshot taken after it (default false)"),
		),
	)
}

func handleRevert(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		path := "/v1/snapshots/" + url.PathEscape(id)
		if req.GetBool("unwind", false) {
			path += "?unwind=true"
		}
		raw, err := client.Delete(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to restore snapshot %s: %v", id, err)), nil
		}
		var st snapshotState
		if err := json.Unmarshal(raw, &st); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected response: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Snapshot Restored"),
			kv("ID", id),
			kv("Remaining", st.Depth),
		)), nil
	}
}

func mineTool() gomcp.Tool {
	return gomcp.NewTool("fork_mine",
		gomcp.WithDescription("Mine empty blocks on the fork. This is a MUTATING operation."),
		gomcp.WithNumber("blocks",
			gomcp.Description("Number of blocks to mine (default 1)"),
		),
	)
}

func handleMine(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		blocks := req.GetInt("blocks", 1)
		if blocks < 1 {
			return gomcp.NewToolResultError("blocks must be at least 1"), nil
		}
		raw, err := client.Post(ctx, "/v1/mine", map[string]int{"blocks": blocks})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to mine: %v", err)), nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected response: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Blocks Mined"),
			kv("Blocks", formatNumber(m["blocks"])),
			kv("Head", formatNumber(m["head"])),
		)), nil
	}
}

func impersonateTool() gomcp.Tool {
	return gomcp.NewTool("fork_impersonate",
		gomcp.WithDescription("Let the fork accept unsigned transactions from an address, or stop doing so. This is a MUTATING operation."),
		gomcp.WithString("address",
			gomcp.Required(),
			gomcp.Description("Hex address or address book user name (e.g. hardhat1)"),
		),
		gomcp.WithBoolean("stop",
			gomcp.Description("Stop impersonating instead of starting (default false)"),
		),
	)
}

func handleImpersonate(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		who, err := req.RequireString("address")
		if err != nil || who == "" {
			return gomcp.NewToolResultError("address is required"), nil
		}
		path := "/v1/impersonations/" + url.PathEscape(who)

		var raw json.RawMessage
		if req.GetBool("stop", false) {
			raw, err = client.Delete(ctx, path)
		} else {
			raw, err = client.Post(ctx, path, nil)
		}
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to change impersonation of %s: %v", who, err)), nil
		}

		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected response: %v", err)), nil
		}
		state := "stopped"
		if active, _ := m["impersonating"].(bool); active {
			state = "active"
		}
		return gomcp.NewToolResultText(joinLines(
			section("Impersonation"),
			kv("Address", getStr(m, "address")),
			kv("State", state),
		)), nil
	}
}

func balanceTool() gomcp.Tool {
	return gomcp.NewTool("fork_token_balance",
		gomcp.WithDescription("Read an ERC20 token balance on the fork."),
		gomcp.WithString("asset",
			gomcp.Required(),
			gomcp.Description("Token symbol from the address book, e.g. DAI, WETH, LINK"),
		),
		gomcp.WithString("of",
			gomcp.Required(),
			gomcp.Description("Hex address or address book user name"),
		),
	)
}

func handleBalance(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		asset, err := req.RequireString("asset")
		if err != nil || asset == "" {
			return gomcp.NewToolResultError("asset is required"), nil
		}
		of, err := req.RequireString("of")
		if err != nil || of == "" {
			return gomcp.NewToolResultError("of is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/balances/"+url.PathEscape(asset)+"?of="+url.QueryEscape(of))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to read balance: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatBalance(raw)), nil
	}
}

func transferTool() gomcp.Tool {
	return gomcp.NewTool("fork_transfer",
		gomcp.WithDescription("Fund an account with tokens from the asset's large holder, via impersonation. This is a MUTATING operation."),
		gomcp.WithString("asset",
			gomcp.Required(),
			gomcp.Description("Token symbol from the address book, e.g. DAI"),
		),
		gomcp.WithString("amount",
			gomcp.Required(),
			gomcp.Description("Amount in whole tokens, e.g. 50000 or 0.5"),
		),
		gomcp.WithString("to",
			gomcp.Required(),
			gomcp.Description("Recipient hex address or address book user name"),
		),
	)
}

func handleTransfer(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := map[string]string{}
		for _, key := range []string{"asset", "amount", "to"} {
			v, err := req.RequireString(key)
			if err != nil || v == "" {
				return gomcp.NewToolResultError(key + " is required"), nil
			}
			payload[key] = v
		}
		raw, err := client.Post(ctx, "/v1/transfers", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Transfer failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatTransfer(raw)), nil
	}
}

func runTool() gomcp.Tool {
	return gomcp.NewTool("delegation_run",
		gomcp.WithDescription("Start a credit delegation run on the fork in the background. The run leaves chain state as it found it. Poll fork_status or run_detail for the result."),
		gomcp.WithString("pair",
			gomcp.Description("DEPOSIT/LOAN:deposit:borrow:mode, e.g. WETH/DAI:100:35000:stable (the default)"),
		),
	)
}

func handleRun(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		pair := req.GetString("pair", "WETH/DAI:100:35000:stable")
		raw, err := client.Post(ctx, "/v1/runs", map[string]string{"pair": pair})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
		}
		var m map[string]any
		json.Unmarshal(raw, &m)
		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run ID", getStr(m, "id")),
			kv("Pair", pair),
		)), nil
	}
}

func historyTool() gomcp.Tool {
	return gomcp.NewTool("run_history",
		gomcp.WithDescription("List past credit delegation runs, newest first."),
		gomcp.WithNumber("limit",
			gomcp.Description("Number of runs to return (default 10)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Number of runs to skip (default 0)"),
		),
	)
}

func handleHistory(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	}
}

func runDetailTool() gomcp.Tool {
	return gomcp.NewTool("run_detail",
		gomcp.WithDescription("Get one credit delegation run with the outcome of every step."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
}

func handleRunDetail(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get run %s: %v", id, err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	}
}

func deleteRunTool() gomcp.Tool {
	return gomcp.NewTool("run_delete",
		gomcp.WithDescription("Delete a run from history. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
}

func handleDeleteRun(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to delete run %s: %v", id, err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Run %s deleted.", id)), nil
	}
}

// --- Formatters ---

type snapshotState struct {
	ID    string   `json:"id"`
	Depth int      `json:"depth"`
	Stack []string `json:"stack"`
}

func formatStatus(raw json.RawMessage) string {
	var st struct {
		Running   string         `json:"running"`
		Snapshots *snapshotState `json:"snapshots"`
		LastRun   map[string]any `json:"lastRun"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	running := st.Running
	if running == "" {
		running = "none"
	}
	stack := "none"
	depth := 0
	if st.Snapshots != nil && st.Snapshots.Depth > 0 {
		depth = st.Snapshots.Depth
		stack = strings.Join(st.Snapshots.Stack, " > ")
	}

	out := joinLines(
		section("Fork Harness Status"),
		kv("Active Run", running),
		kv("Snapshot Depth", depth),
		kv("Snapshots", stack),
	)
	if st.LastRun != nil {
		out += "\n\n" + joinLines(
			section("Last Run"),
			kv("Run ID", getStr(st.LastRun, "id")),
			kv("Status", strings.ToUpper(getStr(st.LastRun, "status"))),
			kv("Error", getStr(st.LastRun, "error")),
		)
	}
	return out
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	status := "READY"
	if !ready {
		status = "NOT READY"
	}
	lines := []string{section("Fork Health"), kv("Status", status)}

	checks, _ := m["checks"].([]any)
	for _, c := range checks {
		check, ok := c.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%s (%s)", getStr(check, "status"), formatMs(getNum(check, "latency_ms")))
		if e := getStr(check, "error"); e != "" {
			line += " " + e
		}
		lines = append(lines, kv(getStr(check, "name"), line))
	}
	return joinLines(lines...)
}

func formatBalance(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing balance: %v", err)
	}
	return joinLines(
		section("Token Balance"),
		kv("Account", getStr(m, "account")),
		kv("Balance", getStr(m, "amount")+" "+getStr(m, "asset")),
		kv("Token", getStr(m, "token")),
	)
}

func formatTransfer(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing transfer: %v", err)
	}
	asset := getStr(m, "asset")
	return joinLines(
		section("Transfer Complete"),
		kv("Amount", getStr(m, "amount")+" "+asset),
		kv("From Holder", getStr(m, "holder")),
		kv("To", getStr(m, "recipient")),
		kv("Balance Before", getStr(m, "recipientBefore")+" "+asset),
		kv("Balance After", getStr(m, "recipientAfter")+" "+asset),
		kv("Tx", getStr(m, "txHash")),
	)
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
	) + "\n\n"

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "No runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Pair", formatPair(run["pair"])),
			kv("Status", strings.ToUpper(getStr(run, "status"))),
			kv("Steps", fmt.Sprintf("%s passed, %s failed, %s skipped, %s blocked",
				formatNumber(getNum(run, "passed")), formatNumber(getNum(run, "failed")),
				formatNumber(getNum(run, "skipped")), formatNumber(getNum(run, "blocked")))),
			kv("Duration", formatMs(getNum(run, "durationMs"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		lines += "\n\n"
	}
	return strings.TrimRight(lines, "\n")
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}

	out := joinLines(
		section("Run "+getStr(m, "id")),
		kv("Pair", formatPair(m["pair"])),
		kv("Status", strings.ToUpper(getStr(m, "status"))),
		kv("Node", getStr(m, "dialect")),
		kv("Fork Block", formatNumber(getNum(m, "forkBlock"))),
		kv("Started", formatTime(getStr(m, "startedAt"))),
		kv("Error", getStr(m, "errorMessage")),
	)

	steps, _ := m["steps"].([]any)
	if len(steps) == 0 {
		return out
	}
	out += "\n\n" + section("Steps") + "\n"
	for _, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			continue
		}
		path := getStr(step, "path")
		if i := strings.LastIndex(path, " > "); i >= 0 {
			path = path[i+3:]
		}
		indent := strings.Repeat("  ", int(getNum(step, "depth")))
		line := fmt.Sprintf("%s- [%s] %s", indent, getStr(step, "status"), path)
		if e := getStr(step, "error"); e != "" {
			line += ": " + e
		}
		out += line + "\n"
	}
	return strings.TrimRight(out, "\n")
}

func formatPair(v any) string {
	p, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	mode := "stable"
	if getNum(p, "rateMode") == 2 {
		mode = "variable"
	}
	return fmt.Sprintf("%s %s -> %s %s (%s)",
		getStr(p, "depositAmount"), getStr(p, "depositAsset"),
		getStr(p, "delegatedAmount"), getStr(p, "loanAsset"), mode)
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

func getStr(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
