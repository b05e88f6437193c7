package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *CorebankClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *CorebankClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAccount looks up one account view row.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAccounts lists accounts with optional filters.
func (h *Handlers) HandleListAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	currency := req.GetString("currency", "")
	sortBy := req.GetString("sort_by", "")
	order := req.GetString("order", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListAccounts(ctx, status, currency, sortBy, order, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}

	text, err := formatAccountList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse accounts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListOverdrawn lists accounts with negative balances.
func (h *Handlers) HandleListOverdrawn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	raw, err := h.client.OverdrawnAccounts(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list overdrawn accounts: %v", err)), nil
	}

	text, err := formatOverdrawnList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse overdrawn accounts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAccountSummary returns bank-wide statistics.
func (h *Handlers) HandleAccountSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get summary: %v", err)), nil
	}

	text, err := formatSummary(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse summary: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAccountHistory returns the recorded event history for an account.
func (h *Handlers) HandleAccountHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.AccountEvents(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// accountView mirrors the API's account row shape. Decimal fields arrive as
// strings and are passed through untouched.
type accountView struct {
	AccountID           string `json:"accountId"`
	HolderName          string `json:"holderName"`
	Status              string `json:"status"`
	BalanceAmount       string `json:"balanceAmount"`
	BalanceCurrency     string `json:"balanceCurrency"`
	OverdraftLimit      string `json:"overdraftLimit"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	Version             int64  `json:"version"`
	UpdatedAt           string `json:"updatedAt"`
}

func formatAccount(raw json.RawMessage) (string, error) {
	var resp struct {
		Account *accountView `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Account == nil {
		return "", fmt.Errorf("unexpected account response format")
	}

	a := resp.Account
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s\n", a.AccountID)
	fmt.Fprintf(&sb, "  Holder: %s\n", a.HolderName)
	fmt.Fprintf(&sb, "  Status: %s\n", a.Status)
	fmt.Fprintf(&sb, "  Balance: %s %s\n", a.BalanceAmount, a.BalanceCurrency)
	fmt.Fprintf(&sb, "  Overdraft limit: %s\n", a.OverdraftLimit)
	fmt.Fprintf(&sb, "  Available to withdraw: %s\n", a.AvailableToWithdraw)
	fmt.Fprintf(&sb, "  Version: %d | Updated: %s\n", a.Version, a.UpdatedAt)
	return sb.String(), nil
}

func formatAccountList(raw json.RawMessage) (string, error) {
	var resp struct {
		Accounts []accountView `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "No accounts found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d account(s):\n\n", len(resp.Accounts))
	for i, a := range resp.Accounts {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, a.HolderName, a.Status)
		fmt.Fprintf(&sb, "   Balance: %s %s | Available: %s\n", a.BalanceAmount, a.BalanceCurrency, a.AvailableToWithdraw)
		fmt.Fprintf(&sb, "   ID: %s\n", a.AccountID)
		if i < len(resp.Accounts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// overdrawnView mirrors one row of the overdrawn report.
type overdrawnView struct {
	AccountID             string `json:"accountId"`
	HolderName            string `json:"holderName"`
	BalanceAmount         string `json:"balanceAmount"`
	BalanceCurrency       string `json:"balanceCurrency"`
	OverdraftLimit        string `json:"overdraftLimit"`
	OverdraftUsagePercent string `json:"overdraftUsagePercent"`
}

func formatOverdrawnList(raw json.RawMessage) (string, error) {
	var resp struct {
		Accounts []overdrawnView `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "No overdrawn accounts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d overdrawn account(s):\n\n", len(resp.Accounts))
	for i, a := range resp.Accounts {
		fmt.Fprintf(&sb, "%d. %s: %s %s\n", i+1, a.HolderName, a.BalanceAmount, a.BalanceCurrency)
		fmt.Fprintf(&sb, "   Overdraft used: %s%% of %s\n", a.OverdraftUsagePercent, a.OverdraftLimit)
		fmt.Fprintf(&sb, "   ID: %s\n", a.AccountID)
		if i < len(resp.Accounts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage) (string, error) {
	var resp struct {
		TotalAccounts int64            `json:"totalAccounts"`
		ByStatus      map[string]int64 `json:"byStatus"`
		ByCurrency    []struct {
			Currency     string `json:"currency"`
			Accounts     int64  `json:"accounts"`
			TotalBalance string `json:"totalBalance"`
		} `json:"byCurrency"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.TotalAccounts == 0 {
		return "No accounts yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total accounts: %d\n", resp.TotalAccounts)

	if len(resp.ByStatus) > 0 {
		statuses := make([]string, 0, len(resp.ByStatus))
		for s := range resp.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)

		sb.WriteString("\nBy status:\n")
		for _, s := range statuses {
			fmt.Fprintf(&sb, "  %s: %d\n", s, resp.ByStatus[s])
		}
	}

	if len(resp.ByCurrency) > 0 {
		sb.WriteString("\nBy currency:\n")
		for _, ct := range resp.ByCurrency {
			fmt.Fprintf(&sb, "  %s: %s across %d account(s)\n", ct.Currency, ct.TotalBalance, ct.Accounts)
		}
	}
	return sb.String(), nil
}

// eventView mirrors one recorded event in the history response.
type eventView struct {
	Version    int64           `json:"version"`
	EventType  string          `json:"eventType"`
	Data       json.RawMessage `json:"data"`
	OccurredOn string          `json:"occurredOn"`
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		AccountID string      `json:"accountId"`
		Events    []eventView `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No events recorded for this account.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Event history for account %s (%d event(s)):\n\n", resp.AccountID, len(resp.Events))
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "v%d %s at %s\n", e.Version, e.EventType, e.OccurredOn)
		// Lifecycle events carry empty payloads; keep those on one line.
		if data := string(e.Data); len(data) > 0 && data != "null" && data != "{}" {
			fmt.Fprintf(&sb, "   %s\n", data)
		}
	}
	return sb.String(), nil
}
