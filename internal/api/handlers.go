// Package api is the REST adapter: it translates HTTP calls into ledger,
// workflow and engine operations and maps their errors back to the caller.
// No business decisions are made here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/auth"
	"github.com/vantex/exchange/internal/engine"
	"github.com/vantex/exchange/internal/ledger"
	"github.com/vantex/exchange/internal/models"
	"github.com/vantex/exchange/internal/prices"
	"github.com/vantex/exchange/internal/withdrawal"
)

// Store is the read side of persistence the handlers need directly; writes go
// through the components.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserOrders(ctx context.Context, userID int64) ([]*models.Order, error)
	GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)
	GetUserWithdrawals(ctx context.Context, userID int64) ([]*models.WithdrawalRequest, error)
	GetAllWithdrawals(ctx context.Context) ([]*models.WithdrawalRequest, error)
	GetAllTransactions(ctx context.Context) ([]models.Transaction, error)
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Ledger   *ledger.Ledger
	Engine   *engine.Engine
	Workflow *withdrawal.Workflow
	Auth     *auth.Service
	Prices   *prices.Client
}

// NewHandler creates a new handler.
func NewHandler(store Store, l *ledger.Ledger, e *engine.Engine, w *withdrawal.Workflow, a *auth.Service, p *prices.Client) *Handler {
	return &Handler{Store: store, Ledger: l, Engine: e, Workflow: w, Auth: a, Prices: p}
}

// Router wires every route, including auth and role middleware.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/prices", h.GetPrices)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Get("/auth/me", h.Me)

		r.Get("/wallet/balances", h.GetBalances)
		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/wallet/withdraw/request", h.RequestWithdrawal)
		r.Get("/wallet/withdraw/requests", h.ListMyWithdrawals)

		r.Get("/trades/orderbook", h.GetOrderBook)
		r.Post("/trades/orders", h.PlaceOrder)
		r.Get("/trades/orders", h.GetUserOrders)
		r.Delete("/trades/orders/{id}", h.CancelOrder)
		r.Get("/trades/history", h.GetUserTrades)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Post("/admin/credit", h.AdminCredit)
			r.Get("/admin/withdrawals", h.AdminListWithdrawals)
			r.Post("/admin/withdrawals/{id}/approve", h.AdminApproveWithdrawal)
			r.Post("/admin/withdrawals/{id}/reject", h.AdminRejectWithdrawal)
			r.Post("/admin/withdrawals/{id}/complete", h.AdminCompleteWithdrawal)
			r.Get("/admin/transactions", h.AdminListTransactions)
		})
	})

	return r
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", models.ErrValidation)
	}
	return nil
}

// validRequestID checks an optional client idempotency key.
func validRequestID(requestID string) error {
	if requestID == "" {
		return nil
	}
	if _, err := uuid.Parse(requestID); err != nil {
		return fmt.Errorf("%w: request_id must be a UUID", models.ErrValidation)
	}
	return nil
}

// --- auth ---

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
		Phone    string `json:"phone"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Email, req.Password, req.Username, req.Phone)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"role":     user.Role,
	})
}

// Login issues a bearer token. The body is form-encoded with the email in the
// username field (OAuth2 password-flow shape the frontend uses).
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, fmt.Errorf("%w: invalid form body", models.ErrValidation))
		return
	}
	email := r.PostFormValue("username")
	password := r.PostFormValue("password")

	token, err := h.Auth.Login(r.Context(), email, password)
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid credentials"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// Me returns the authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	user, err := h.Store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"phone":    user.Phone,
		"role":     user.Role,
	})
}

// --- wallet ---

type balanceView struct {
	Coin      string          `json:"coin"`
	Amount    decimal.Decimal `json:"amount"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
}

// GetBalances lists the caller's balances ordered by coin.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	views := make([]balanceView, 0)
	for _, b := range h.Ledger.Balances(claims.UserID) {
		views = append(views, balanceView{
			Coin:      b.Coin,
			Amount:    b.Total(),
			Available: b.Available,
			Held:      b.Held,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

// Deposit records a credit to the caller's balance.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var req struct {
		Coin      string          `json:"coin"`
		Amount    decimal.Decimal `json:"amount"`
		RequestID string          `json:"request_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	coin := strings.ToUpper(strings.TrimSpace(req.Coin))
	if coin == "" {
		respondError(w, fmt.Errorf("%w: coin is required", models.ErrValidation))
		return
	}
	if err := validRequestID(req.RequestID); err != nil {
		respondError(w, err)
		return
	}

	if err := h.Ledger.Credit(r.Context(), claims.UserID, coin, req.Amount, models.TxDeposit, req.RequestID); err != nil {
		respondError(w, err)
		return
	}

	available, held := h.Ledger.Balance(claims.UserID, coin)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Deposit recorded",
		"coin":        coin,
		"new_balance": available.Add(held),
	})
}

// RequestWithdrawal creates a pending withdrawal, holding the funds.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var req struct {
		Coin               string          `json:"coin"`
		Amount             decimal.Decimal `json:"amount"`
		DestinationAddress string          `json:"destination_address"`
		RequestID          string          `json:"request_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validRequestID(req.RequestID); err != nil {
		respondError(w, err)
		return
	}

	created, err := h.Workflow.Submit(r.Context(), claims.UserID, req.Coin, req.Amount, req.DestinationAddress, req.RequestID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// ListMyWithdrawals lists the caller's withdrawal requests.
func (h *Handler) ListMyWithdrawals(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	reqs, err := h.Store.GetUserWithdrawals(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reqs)
}

// --- trading ---

// GetOrderBook returns the anonymous book snapshot for a symbol.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	bids, asks, err := h.Engine.Snapshot(symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": strings.ToUpper(strings.ReplaceAll(symbol, "/", "")),
		"bids":   bids,
		"asks":   asks,
	})
}

// PlaceOrder handles order placement and synchronous matching.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var req struct {
		Symbol string          `json:"symbol"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	order, trades, err := h.Engine.Place(r.Context(), claims.UserID, req.Symbol, req.Side, req.Price, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            order.ID,
		"status":        order.Status,
		"filled_amount": order.FilledAmount,
		"trades":        len(trades),
	})
}

// GetUserOrders retrieves the caller's orders.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	orders, err := h.Store.GetUserOrders(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels a resting order's remaining amount.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, fmt.Errorf("%w: invalid order id", models.ErrValidation))
		return
	}

	order, err := h.Engine.Cancel(r.Context(), claims.UserID, orderID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order cancelled",
		"id":      order.ID,
		"status":  order.Status,
	})
}

// GetUserTrades retrieves the caller's trade history.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	trades, err := h.Store.GetUserTrades(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

// --- prices ---

// GetPrices returns the cached par values per coin.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	snapshot, asOf := h.Prices.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"prices": snapshot,
		"as_of":  asOf,
	})
}

// --- admin ---

// AdminCredit credits a user's balance manually.
func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    int64           `json:"user_id"`
		Coin      string          `json:"coin"`
		Amount    decimal.Decimal `json:"amount"`
		RequestID string          `json:"request_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	coin := strings.ToUpper(strings.TrimSpace(req.Coin))
	if coin == "" {
		respondError(w, fmt.Errorf("%w: coin is required", models.ErrValidation))
		return
	}
	if err := validRequestID(req.RequestID); err != nil {
		respondError(w, err)
		return
	}

	// The target must exist; balances are created lazily but never for
	// unknown users.
	if _, err := h.Store.GetUserByID(r.Context(), req.UserID); err != nil {
		respondError(w, err)
		return
	}

	if err := h.Ledger.Credit(r.Context(), req.UserID, coin, req.Amount, models.TxAdminCredit, req.RequestID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Balance credited"})
}

// AdminListWithdrawals lists every withdrawal request in review-queue order.
func (h *Handler) AdminListWithdrawals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Store.GetAllWithdrawals(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reqs)
}

func withdrawalID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid withdrawal id", models.ErrValidation)
	}
	return id, nil
}

// AdminApproveWithdrawal transitions pending -> approved.
func (h *Handler) AdminApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	updated, err := h.Workflow.Approve(r.Context(), id, req.Note)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// AdminRejectWithdrawal transitions pending -> rejected and releases the hold.
func (h *Handler) AdminRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	updated, err := h.Workflow.Reject(r.Context(), id, req.Note)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// AdminCompleteWithdrawal transitions approved -> completed and settles the
// hold.
func (h *Handler) AdminCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	updated, err := h.Workflow.Complete(r.Context(), id, req.TxHash)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// AdminListTransactions returns the full audit log.
func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Store.GetAllTransactions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txs)
}
