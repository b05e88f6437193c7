package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the corebank MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccount = mcp.NewTool("get_account",
	mcp.WithDescription(
		"Look up a single bank account by ID. "+
			"Returns the holder name, status, current balance, overdraft limit, "+
			"and the amount still available to withdraw."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID (a UUID, e.g. '7c9e6679-7425-40de-944b-e07fc1f90ae7')")),
)

var ToolListAccounts = mcp.NewTool("list_accounts",
	mcp.WithDescription(
		"Browse bank accounts with optional filters. "+
			"Returns holder names, balances, and statuses. "+
			"Results are sorted by last update unless sort_by says otherwise."),
	mcp.WithString("status",
		mcp.Description("Filter by account status"),
		mcp.Enum("Open", "Frozen", "Closed")),
	mcp.WithString("currency",
		mcp.Description("Filter by ISO 4217 currency code (e.g. 'USD')")),
	mcp.WithString("sort_by",
		mcp.Description("Sort column"),
		mcp.Enum("updated_at", "balance_amount", "available_to_withdraw", "overdraft_limit", "holder_name", "status")),
	mcp.WithString("order",
		mcp.Description("Sort direction"),
		mcp.Enum("asc", "desc")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of accounts to return (default 50, max 200)")),
)

var ToolListOverdrawn = mcp.NewTool("list_overdrawn",
	mcp.WithDescription(
		"List accounts whose balance is negative, ranked by how much of their "+
			"overdraft limit is used. "+
			"Use this to spot accounts close to exhausting their overdraft."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of accounts to return (default 50)")),
)

var ToolAccountSummary = mcp.NewTool("account_summary",
	mcp.WithDescription(
		"Get bank-wide statistics: the total number of accounts, a breakdown "+
			"by status, and summed balances per currency."),
)

var ToolAccountHistory = mcp.NewTool("account_history",
	mcp.WithDescription(
		"Fetch the recorded event history of an account: every deposit, withdrawal, "+
			"fee, and status change since it was opened, in order. "+
			"This is the account's audit trail."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID (a UUID)")),
)
