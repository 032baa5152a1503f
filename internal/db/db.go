// Package db is the Postgres persistence layer. The in-memory ledger, books
// and withdrawal workflow are authoritative at runtime; every mutation lands
// here so the state can be rebuilt after a restart.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// --- users ---

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	created := &models.User{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO users (email, username, phone, password_hash, role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, email, username, phone, password_hash, role, created_at`,
		user.Email, user.Username, user.Phone, user.PasswordHash, user.Role).Scan(
		&created.ID, &created.Email, &created.Username, &created.Phone,
		&created.PasswordHash, &created.Role, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.Phone,
		&user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(db.Pool.QueryRow(ctx,
		`SELECT id, email, username, phone, password_hash, role, created_at
		 FROM users WHERE email = $1`, email))
}

// GetUserByID retrieves a user by id.
func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(db.Pool.QueryRow(ctx,
		`SELECT id, email, username, phone, password_hash, role, created_at
		 FROM users WHERE id = $1`, id))
}

// --- ledger journal ---

// Append implements the ledger journal: one transaction row plus the balance
// snapshot upsert, committed as a single database transaction. A duplicate
// client request id aborts with ErrDuplicateRequest.
func (db *DB) Append(ctx context.Context, tx models.Transaction, available, held decimal.Decimal) error {
	dbTx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var requestID *string
	if tx.RequestID != "" {
		requestID = &tx.RequestID
	}
	_, err = dbTx.Exec(ctx,
		`INSERT INTO transactions (user_id, type, coin, amount, request_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		tx.UserID, tx.Type, tx.Coin, tx.Amount, requestID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRequest, tx.RequestID)
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	_, err = dbTx.Exec(ctx,
		`INSERT INTO balances (user_id, coin, available, held)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, coin) DO UPDATE SET available = $3, held = $4`,
		tx.UserID, tx.Coin, available, held)
	if err != nil {
		return fmt.Errorf("failed to update balance snapshot: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return nil
}

// ListBalances returns every balance row, for ledger recovery.
func (db *DB) ListBalances(ctx context.Context) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT user_id, coin, available, held FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Coin, &b.Available, &b.Held); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetAllTransactions returns the audit log, newest first.
func (db *DB) GetAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, type, coin, amount, COALESCE(request_id, ''), created_at
		 FROM transactions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Coin, &tx.Amount, &tx.RequestID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- orders & trades ---

// CreateOrder inserts a new order.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	created := &models.Order{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol, side, price, amount, filled_amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, user_id, symbol, side, price, amount, filled_amount, status, created_at`,
		order.UserID, order.Symbol, order.Side, order.Price, order.Amount,
		order.FilledAmount, order.Status).Scan(
		&created.ID, &created.UserID, &created.Symbol, &created.Side, &created.Price,
		&created.Amount, &created.FilledAmount, &created.Status, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// UpdateOrderFill records an order's fill level and status.
func (db *DB) UpdateOrderFill(ctx context.Context, orderID int64, filled decimal.Decimal, status string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE orders SET filled_amount = $1, status = $2 WHERE id = $3`,
		filled, status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	return nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		if err := rows.Scan(&order.ID, &order.UserID, &order.Symbol, &order.Side,
			&order.Price, &order.Amount, &order.FilledAmount, &order.Status, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// GetUserOrders retrieves all orders for a user, newest first.
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, symbol, side, price, amount, filled_amount, status, created_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return scanOrders(rows)
}

// GetOpenOrders retrieves every order still on a book, oldest first, for
// engine recovery.
func (db *DB) GetOpenOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, symbol, side, price, amount, filled_amount, status, created_at
		 FROM orders WHERE status IN ('open', 'partially_filled')
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return scanOrders(rows)
}

// CreateTrade inserts a new trade.
func (db *DB) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	created := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO trades (symbol, buy_order_id, sell_order_id, price, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, symbol, buy_order_id, sell_order_id, price, amount, executed_at`,
		trade.Symbol, trade.BuyOrderID, trade.SellOrderID, trade.Price, trade.Amount).Scan(
		&created.ID, &created.Symbol, &created.BuyOrderID, &created.SellOrderID,
		&created.Price, &created.Amount, &created.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}

// GetUserTrades retrieves all trades touching a user's orders, newest first.
func (db *DB) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT t.id, t.symbol, t.buy_order_id, t.sell_order_id, t.price, t.amount, t.executed_at
		 FROM trades t
		 JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		 WHERE o.user_id = $1
		 ORDER BY t.executed_at DESC, t.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		if err := rows.Scan(&trade.ID, &trade.Symbol, &trade.BuyOrderID, &trade.SellOrderID,
			&trade.Price, &trade.Amount, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// --- withdrawals ---

const withdrawalColumns = `id, user_id, coin, amount, destination_address, status,
	COALESCE(note, ''), COALESCE(tx_hash, ''), created_at, reviewed_at, completed_at`

// CreateWithdrawal inserts a new withdrawal request.
func (db *DB) CreateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) (*models.WithdrawalRequest, error) {
	created := &models.WithdrawalRequest{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO withdrawal_requests (user_id, coin, amount, destination_address, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+withdrawalColumns,
		req.UserID, req.Coin, req.Amount, req.DestinationAddress, req.Status).Scan(
		&created.ID, &created.UserID, &created.Coin, &created.Amount, &created.DestinationAddress,
		&created.Status, &created.Note, &created.TxHash, &created.CreatedAt,
		&created.ReviewedAt, &created.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return created, nil
}

// UpdateWithdrawal persists a request's post-transition state.
func (db *DB) UpdateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE withdrawal_requests
		 SET status = $1, note = $2, tx_hash = $3, reviewed_at = $4, completed_at = $5
		 WHERE id = $6`,
		req.Status, req.Note, req.TxHash, req.ReviewedAt, req.CompletedAt, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	return nil
}

func scanWithdrawals(rows pgx.Rows) ([]*models.WithdrawalRequest, error) {
	defer rows.Close()
	var reqs []*models.WithdrawalRequest
	for rows.Next() {
		req := &models.WithdrawalRequest{}
		if err := rows.Scan(&req.ID, &req.UserID, &req.Coin, &req.Amount, &req.DestinationAddress,
			&req.Status, &req.Note, &req.TxHash, &req.CreatedAt, &req.ReviewedAt, &req.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// GetUserWithdrawals retrieves a user's withdrawal requests, newest first.
func (db *DB) GetUserWithdrawals(ctx context.Context, userID int64) ([]*models.WithdrawalRequest, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user withdrawals: %w", err)
	}
	return scanWithdrawals(rows)
}

// GetAllWithdrawals retrieves every withdrawal request, oldest first (review
// queue order).
func (db *DB) GetAllWithdrawals(ctx context.Context) ([]*models.WithdrawalRequest, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawals: %w", err)
	}
	return scanWithdrawals(rows)
}
