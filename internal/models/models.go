package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user. Registration and credential checks are
// owned by the auth service; everything else reads users only.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "user" or "admin"
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is the per-(user, coin) accounting row. Available and Held are each
// kept non-negative; Available+Held is the user's total balance in that coin.
type Balance struct {
	UserID    int64           `json:"user_id"`
	Coin      string          `json:"coin"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
}

// Total returns available + held.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Held)
}

// Withdrawal request statuses. Rejected and completed are terminal.
const (
	WithdrawalPending   = "pending"
	WithdrawalApproved  = "approved"
	WithdrawalRejected  = "rejected"
	WithdrawalCompleted = "completed"
)

// WithdrawalRequest is a user request to move funds off-platform. The amount
// is held in the ledger for the whole life of the request and resolved exactly
// once: released on reject, settled on complete.
type WithdrawalRequest struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	Coin               string          `json:"coin"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
	Status             string          `json:"status"`
	Note               string          `json:"note,omitempty"`
	TxHash             string          `json:"tx_hash,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses.
const (
	OrderOpen            = "open"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderCancelled       = "cancelled"
)

// Order is a limit order. FilledAmount only ever grows; Status is derived
// from FilledAmount vs Amount except for explicit cancellation.
type Order struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"` // used for time priority
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// FillStatus returns the status implied by a fill level.
func FillStatus(filled, amount decimal.Decimal) string {
	if filled.GreaterThanOrEqual(amount) {
		return OrderFilled
	}
	if filled.IsPositive() {
		return OrderPartiallyFilled
	}
	return OrderOpen
}

// Trade represents an executed match. Immutable once written.
type Trade struct {
	ID          int64           `json:"id"`
	Symbol      string          `json:"symbol"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Transaction types. Deposit, withdraw, trade and admin_credit move the
// user's total balance; hold and release only move funds between available
// and held.
const (
	TxDeposit     = "deposit"
	TxWithdraw    = "withdraw"
	TxTrade       = "trade"
	TxAdminCredit = "admin_credit"
	TxHold        = "hold"
	TxRelease     = "release"
)

// Transaction is one row of the append-only audit log. Every ledger mutation
// writes exactly one.
type Transaction struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Type      string          `json:"type"`
	Coin      string          `json:"coin"`
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id,omitempty"` // client idempotency key
	CreatedAt time.Time       `json:"created_at"`
}
