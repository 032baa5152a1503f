// Package engine accepts limit orders, reserves their funds in the ledger,
// matches them against per-symbol books with price-time priority, and settles
// executed trades. All mutations for one symbol happen under a single lock,
// so trade sequencing is a total order per symbol.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/ledger"
	"github.com/vantex/exchange/internal/models"
)

// Store persists orders and trades. The engine calls it while holding the
// symbol lock so persisted state follows the matching order.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	UpdateOrderFill(ctx context.Context, orderID int64, filled decimal.Decimal, status string) error
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Level is one row of the order book read model. It never carries the owner's
// identity.
type Level struct {
	ID     int64           `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type symbolBook struct {
	mu   sync.Mutex
	book book
}

// Engine is the matching engine over all symbols.
type Engine struct {
	ledger *ledger.Ledger
	store  Store

	mu      sync.Mutex // guards symbols
	symbols map[string]*symbolBook

	ordersMu sync.RWMutex // guards orders
	orders   map[int64]*models.Order
}

// New creates an engine with empty books.
func New(l *ledger.Ledger, store Store) *Engine {
	return &Engine{
		ledger:  l,
		store:   store,
		symbols: make(map[string]*symbolBook),
		orders:  make(map[int64]*models.Order),
	}
}

func (e *Engine) symbolFor(symbol string) *symbolBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	sb, ok := e.symbols[symbol]
	if !ok {
		sb = &symbolBook{}
		e.symbols[symbol] = sb
	}
	return sb
}

func (e *Engine) trackOrder(o *models.Order) {
	e.ordersMu.Lock()
	e.orders[o.ID] = o
	e.ordersMu.Unlock()
}

func (e *Engine) lookupOrder(id int64) (*models.Order, bool) {
	e.ordersMu.RLock()
	o, ok := e.orders[id]
	e.ordersMu.RUnlock()
	return o, ok
}

// holdFor returns the asset and amount an order must reserve: buys reserve
// quote (price * amount), sells reserve base (amount).
func holdFor(side string, price, amount decimal.Decimal, base, quote string) (string, decimal.Decimal) {
	if side == models.SideBuy {
		return quote, price.Mul(amount)
	}
	return base, amount
}

// Place validates an order, reserves its funds, admits it to the book and
// matches it synchronously. Returns the persisted order and any trades.
func (e *Engine) Place(ctx context.Context, userID int64, symbol, side string, price, amount decimal.Decimal) (*models.Order, []models.Trade, error) {
	if side != models.SideBuy && side != models.SideSell {
		return nil, nil, fmt.Errorf("%w: side must be buy or sell", models.ErrValidation)
	}
	if !price.IsPositive() || !amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: price and amount must be positive", models.ErrValidation)
	}
	clean, base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return nil, nil, err
	}

	sb := e.symbolFor(clean)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Reserve funds before the order exists anywhere; an order is never on
	// the book without its hold.
	holdCoin, holdAmount := holdFor(side, price, amount, base, quote)
	if err := e.ledger.Hold(ctx, userID, holdCoin, holdAmount, ""); err != nil {
		return nil, nil, err
	}

	order := &models.Order{
		UserID: userID,
		Symbol: clean,
		Side:   side,
		Price:  price,
		Amount: amount,
		Status: models.OrderOpen,
	}
	order, err = e.store.CreateOrder(ctx, order)
	if err != nil {
		if relErr := e.ledger.Release(ctx, userID, holdCoin, holdAmount); relErr != nil {
			return nil, nil, fmt.Errorf("persisting order failed (%v) and hold release failed: %w", err, relErr)
		}
		return nil, nil, fmt.Errorf("failed to persist order: %w", err)
	}
	e.trackOrder(order)

	trades, err := e.match(ctx, sb, order, base, quote)
	if err != nil {
		return order, trades, err
	}

	if order.Remaining().IsPositive() {
		sb.book.add(order)
	}
	return order, trades, nil
}

// crosses reports whether the taker's limit crosses the resting price.
func crosses(takerSide string, takerPrice, restingPrice decimal.Decimal) bool {
	if takerSide == models.SideBuy {
		return takerPrice.GreaterThanOrEqual(restingPrice)
	}
	return takerPrice.LessThanOrEqual(restingPrice)
}

// match runs the taker against the opposite side of the book. Must be called
// with the symbol lock held. A settlement or persistence failure aborts the
// loop; completed trades stay settled.
func (e *Engine) match(ctx context.Context, sb *symbolBook, taker *models.Order, base, quote string) ([]models.Trade, error) {
	var trades []models.Trade

	for taker.Remaining().IsPositive() {
		resting := sb.book.bestOpposite(taker.Side)
		if resting == nil || !crosses(taker.Side, taker.Price, resting.Price) {
			break
		}

		qty := decimal.Min(taker.Remaining(), resting.Remaining())
		// Execution at the resting (maker) price.
		execPrice := resting.Price

		buyer, seller := taker, resting
		if taker.Side == models.SideSell {
			buyer, seller = resting, taker
		}

		if err := e.settle(ctx, buyer, seller, base, quote, execPrice, qty); err != nil {
			return trades, err
		}

		taker.FilledAmount = taker.FilledAmount.Add(qty)
		taker.Status = models.FillStatus(taker.FilledAmount, taker.Amount)
		resting.FilledAmount = resting.FilledAmount.Add(qty)
		resting.Status = models.FillStatus(resting.FilledAmount, resting.Amount)

		if err := e.store.UpdateOrderFill(ctx, taker.ID, taker.FilledAmount, taker.Status); err != nil {
			return trades, fmt.Errorf("failed to persist taker fill: %w", err)
		}
		if err := e.store.UpdateOrderFill(ctx, resting.ID, resting.FilledAmount, resting.Status); err != nil {
			return trades, fmt.Errorf("failed to persist maker fill: %w", err)
		}

		trade, err := e.store.CreateTrade(ctx, &models.Trade{
			Symbol:      taker.Symbol,
			BuyOrderID:  buyer.ID,
			SellOrderID: seller.ID,
			Price:       execPrice,
			Amount:      qty,
		})
		if err != nil {
			return trades, fmt.Errorf("failed to persist trade: %w", err)
		}
		trades = append(trades, *trade)

		if resting.Status == models.OrderFilled {
			sb.book.popOpposite(taker.Side)
		}
	}

	return trades, nil
}

// settle finalizes both legs of one match: the buyer's held quote pays the
// seller, the seller's held base pays the buyer. If the buyer's limit was
// above the execution price, the difference goes back to their available
// funds. Failures here mean a hold accounting invariant was broken.
func (e *Engine) settle(ctx context.Context, buyer, seller *models.Order, base, quote string, execPrice, qty decimal.Decimal) error {
	quoteAmount := execPrice.Mul(qty)

	if err := e.ledger.SettleHold(ctx, buyer.UserID, quote, quoteAmount, models.TxTrade, ""); err != nil {
		return fmt.Errorf("buyer quote settlement: %w", err)
	}
	if refund := buyer.Price.Sub(execPrice).Mul(qty); refund.IsPositive() {
		if err := e.ledger.Release(ctx, buyer.UserID, quote, refund); err != nil {
			return fmt.Errorf("buyer price-improvement release: %w", err)
		}
	}
	if err := e.ledger.Credit(ctx, seller.UserID, quote, quoteAmount, models.TxTrade, ""); err != nil {
		return fmt.Errorf("seller quote credit: %w", err)
	}
	if err := e.ledger.SettleHold(ctx, seller.UserID, base, qty, models.TxTrade, ""); err != nil {
		return fmt.Errorf("seller base settlement: %w", err)
	}
	if err := e.ledger.Credit(ctx, buyer.UserID, base, qty, models.TxTrade, ""); err != nil {
		return fmt.Errorf("buyer base credit: %w", err)
	}
	return nil
}

// Cancel removes a resting order's remaining amount from the book and
// releases its leftover hold. Only the owner may cancel, and only while the
// order is open or partially filled.
func (e *Engine) Cancel(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, ok := e.lookupOrder(orderID)
	if !ok || order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", models.ErrNotFound, orderID)
	}

	_, base, quote, err := ParseSymbol(order.Symbol)
	if err != nil {
		return nil, err
	}

	sb := e.symbolFor(order.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if order.Status != models.OrderOpen && order.Status != models.OrderPartiallyFilled {
		return nil, fmt.Errorf("%w: order is %s", models.ErrInvalidStateTransition, order.Status)
	}

	coin, amount := holdFor(order.Side, order.Price, order.Remaining(), base, quote)
	if err := e.ledger.Release(ctx, order.UserID, coin, amount); err != nil {
		return nil, fmt.Errorf("failed to release order hold: %w", err)
	}

	sb.book.remove(order.ID)
	order.Status = models.OrderCancelled
	if err := e.store.UpdateOrderFill(ctx, order.ID, order.FilledAmount, order.Status); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	return order, nil
}

// Snapshot returns the book's resting orders for a symbol: bids descending,
// asks ascending, remaining amounts only.
func (e *Engine) Snapshot(symbol string) (bids, asks []Level, err error) {
	clean, _, _, err := ParseSymbol(symbol)
	if err != nil {
		return nil, nil, err
	}

	sb := e.symbolFor(clean)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	bids = make([]Level, 0, len(sb.book.bids))
	for _, o := range sb.book.bids {
		bids = append(bids, Level{ID: o.ID, Price: o.Price, Amount: o.Remaining()})
	}
	asks = make([]Level, 0, len(sb.book.asks))
	for _, o := range sb.book.asks {
		asks = append(asks, Level{ID: o.ID, Price: o.Price, Amount: o.Remaining()})
	}
	return bids, asks, nil
}

// Restore re-admits persisted open orders after a restart. Holds are assumed
// to be present in the restored ledger state.
func (e *Engine) Restore(orders []*models.Order) {
	for _, o := range orders {
		if o.Status != models.OrderOpen && o.Status != models.OrderPartiallyFilled {
			continue
		}
		e.trackOrder(o)
		sb := e.symbolFor(o.Symbol)
		sb.mu.Lock()
		sb.book.add(o)
		sb.mu.Unlock()
	}
}
