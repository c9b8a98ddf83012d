// Fork harness MCP server.
// Exposes fork control and credit delegation tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/forkharness/internal/mcp"
)

func main() {
	apiURL := os.Getenv("FORKHARNESS_URL")
	if apiURL == "" {
		apiURL = "http://localhost:13001"
	}

	s := server.NewMCPServer(
		"forkharness",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(apiURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
