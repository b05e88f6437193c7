package bank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
	"github.com/mbd888/corebank/internal/readmodel"
	"github.com/mbd888/corebank/internal/validation"
)

// Handler provides HTTP endpoints for account commands and queries.
type Handler struct {
	service *Service
}

// NewHandler creates a new bank handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.OpenAccount)
	r.GET("/accounts", h.ListAccounts)
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/events", h.GetAccountEvents)

	r.POST("/accounts/:id/deposits", h.Deposit)
	r.POST("/accounts/:id/withdrawals", h.Withdraw)
	r.POST("/accounts/:id/fees", h.ApplyFee)
	r.POST("/accounts/:id/freeze", h.Freeze)
	r.POST("/accounts/:id/unfreeze", h.Unfreeze)
	r.POST("/accounts/:id/close", h.Close)
	r.PUT("/accounts/:id/overdraft-limit", h.ChangeOverdraftLimit)
	r.PUT("/accounts/:id/holder-name", h.ChangeHolderName)

	r.GET("/reports/overdrawn", h.OverdrawnAccounts)
	r.GET("/reports/summary", h.Summary)
}

// MoneyRequest is an amount plus currency, with the amount as a decimal string.
type MoneyRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

func (r MoneyRequest) toMoney() (money.Money, error) {
	return money.FromString(r.Amount, validation.SanitizeCurrency(r.Currency))
}

// OpenAccountRequest is the body for POST /v1/accounts.
type OpenAccountRequest struct {
	HolderName     string       `json:"holderName" binding:"required"`
	OverdraftLimit string       `json:"overdraftLimit"`
	InitialBalance MoneyRequest `json:"initialBalance" binding:"required"`
}

// FeeRequest is the body for POST /v1/accounts/:id/fees.
type FeeRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Reason   string `json:"reason"`
}

// EventRecord is the API shape of one recorded account event.
type EventRecord struct {
	EventID        uuid.UUID       `json:"eventId"`
	Version        int64           `json:"version"`
	EventType      string          `json:"eventType"`
	Data           json.RawMessage `json:"data"`
	OccurredOn     time.Time       `json:"occurredOn"`
	RecordedAt     time.Time       `json:"recordedAt"`
	GlobalPosition int64           `json:"globalPosition"`
}

// OpenAccount handles POST /v1/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "holderName and initialBalance {amount, currency} are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("holderName", req.HolderName),
		validation.MaxLength("holderName", req.HolderName, validation.MaxHolderNameLength),
		validation.ValidCurrency("initialBalance.currency", req.InitialBalance.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	overdraft := decimal.Zero
	if req.OverdraftLimit != "" {
		parsed, err := decimal.NewFromString(req.OverdraftLimit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "overdraftLimit must be a decimal string",
			})
			return
		}
		overdraft = parsed
	}

	initial, err := req.InitialBalance.toMoney()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.OpenAccount(c.Request.Context(), OpenAccountParams{
		HolderName:     validation.SanitizeString(req.HolderName, validation.MaxHolderNameLength),
		OverdraftLimit: overdraft,
		InitialBalance: initial,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// Deposit handles POST /v1/accounts/:id/deposits
func (h *Handler) Deposit(c *gin.Context) {
	h.moneyCommand(c, h.service.Deposit)
}

// Withdraw handles POST /v1/accounts/:id/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	h.moneyCommand(c, h.service.Withdraw)
}

// moneyCommand binds an amount body and runs a deposit-shaped command.
func (h *Handler) moneyCommand(c *gin.Context, run func(context.Context, uuid.UUID, money.Money) (*CommandResult, error)) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req MoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and currency are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := req.toMoney()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	result, err := run(c.Request.Context(), id, amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ApplyFee handles POST /v1/accounts/:id/fees
func (h *Handler) ApplyFee(c *gin.Context) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req FeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and currency are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := money.FromString(req.Amount, validation.SanitizeCurrency(req.Currency))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	result, err := h.service.ApplyFee(c.Request.Context(), id, amount, reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Freeze handles POST /v1/accounts/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	h.statusCommand(c, h.service.Freeze)
}

// Unfreeze handles POST /v1/accounts/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	h.statusCommand(c, h.service.Unfreeze)
}

// Close handles POST /v1/accounts/:id/close
func (h *Handler) Close(c *gin.Context) {
	h.statusCommand(c, h.service.Close)
}

// statusCommand runs a bodyless lifecycle command.
func (h *Handler) statusCommand(c *gin.Context, run func(context.Context, uuid.UUID) (*CommandResult, error)) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	result, err := run(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ChangeOverdraftLimit handles PUT /v1/accounts/:id/overdraft-limit
func (h *Handler) ChangeOverdraftLimit(c *gin.Context) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req struct {
		OverdraftLimit string `json:"overdraftLimit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "overdraftLimit is required",
		})
		return
	}

	limit, err := decimal.NewFromString(req.OverdraftLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "overdraftLimit must be a decimal string",
		})
		return
	}

	result, err := h.service.ChangeOverdraftLimit(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ChangeHolderName handles PUT /v1/accounts/:id/holder-name
func (h *Handler) ChangeHolderName(c *gin.Context) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req struct {
		HolderName string `json:"holderName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "holderName is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("holderName", req.HolderName),
		validation.MaxLength("holderName", req.HolderName, validation.MaxHolderNameLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	name := validation.SanitizeString(req.HolderName, validation.MaxHolderNameLength)

	result, err := h.service.ChangeHolderName(c.Request.Context(), id, name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	row, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": row})
}

// ListAccounts handles GET /v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	f := readmodel.ListFilter{
		Status:   c.Query("status"),
		Currency: validation.SanitizeCurrency(c.Query("currency")),
		SortBy:   c.Query("sortBy"),
		Order:    c.Query("order"),
		Limit:    intQuery(c, "limit"),
		Offset:   intQuery(c, "offset"),
	}

	rows, err := h.service.ListAccounts(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": rows,
		"count":    len(rows),
	})
}

// GetAccountEvents handles GET /v1/accounts/:id/events
func (h *Handler) GetAccountEvents(c *gin.Context) {
	id, ok := parseAccountID(c)
	if !ok {
		return
	}

	events, err := h.service.AccountEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	records := make([]EventRecord, 0, len(events))
	for _, e := range events {
		records = append(records, EventRecord{
			EventID:        e.EventID,
			Version:        e.Version,
			EventType:      e.EventType,
			Data:           e.Data,
			OccurredOn:     e.OccurredOn,
			RecordedAt:     e.RecordedAt,
			GlobalPosition: e.GlobalPosition,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": id,
		"events":    records,
		"count":     len(records),
	})
}

// OverdrawnAccounts handles GET /v1/reports/overdrawn
func (h *Handler) OverdrawnAccounts(c *gin.Context) {
	rows, err := h.service.OverdrawnAccounts(c.Request.Context(), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": rows,
		"count":    len(rows),
	})
}

// Summary handles GET /v1/reports/summary
func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func parseAccountID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account_id",
			"message": "account id must be a UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string) int {
	v := c.Query(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// respondError maps service errors onto HTTP statuses. Domain rejections keep
// their message; anything unexpected stays a bare 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, account.ErrNotFound), errors.Is(err, readmodel.ErrNotFound):
		status = http.StatusNotFound
		code = "account_not_found"
	case errors.Is(err, money.ErrCurrencyMismatch):
		status = http.StatusBadRequest
		code = "currency_mismatch"
	case errors.Is(err, account.ErrInvalidArgument), errors.Is(err, readmodel.ErrInvalidSortColumn):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, account.ErrInvalidState):
		status = http.StatusUnprocessableEntity
		code = "invalid_state"
	case eventstore.IsConcurrencyConflict(err):
		status = http.StatusConflict
		code = "concurrency_conflict"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
