package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all corebank tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("corebank", "1.0.0")
	client := NewCorebankClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetAccount, h.HandleGetAccount)
	s.AddTool(ToolListAccounts, h.HandleListAccounts)
	s.AddTool(ToolListOverdrawn, h.HandleListOverdrawn)
	s.AddTool(ToolAccountSummary, h.HandleAccountSummary)
	s.AddTool(ToolAccountHistory, h.HandleAccountHistory)

	return s
}
