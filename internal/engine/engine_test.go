package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/vantex/exchange/internal/ledger"
	"github.com/vantex/exchange/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memStore assigns sequential IDs and keeps persisted rows for assertions.
type memStore struct {
	mu         sync.Mutex
	nextOrder  int64
	nextTrade  int64
	orders     map[int64]models.Order
	trades     []models.Trade
	now        time.Time
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[int64]models.Order), now: time.Now()}
}

func (s *memStore) CreateOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrder++
	order.ID = s.nextOrder
	// Monotonic timestamps keep time priority deterministic in tests.
	s.now = s.now.Add(time.Millisecond)
	order.CreatedAt = s.now
	s.orders[order.ID] = *order
	return order, nil
}

func (s *memStore) UpdateOrderFill(_ context.Context, orderID int64, filled decimal.Decimal, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	o.FilledAmount = filled
	o.Status = status
	s.orders[orderID] = o
	return nil
}

func (s *memStore) CreateTrade(_ context.Context, trade *models.Trade) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrade++
	trade.ID = s.nextTrade
	trade.ExecutedAt = time.Now()
	s.trades = append(s.trades, *trade)
	return trade, nil
}

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger, *memStore) {
	t.Helper()
	l := ledger.New(ledger.NewMemJournal())
	store := newMemStore()
	return New(l, store), l, store
}

func fund(t *testing.T, l *ledger.Ledger, userID int64, coin, amount string) {
	t.Helper()
	assert.NoError(t, l.Credit(context.Background(), userID, coin, dec(amount), models.TxDeposit, ""))
}

// Empty book, A bids 1.0 @ 30000, B asks 0.5 @ 29000. The resting bid sets
// the price: one trade at 30000 for 0.5, A partially filled, B filled.
func TestEngine_MatchAtRestingPrice(t *testing.T) {
	ctx := context.Background()
	e, l, store := newTestEngine(t)
	fund(t, l, 1, "USDT", "100000")
	fund(t, l, 2, "BTC", "1")

	orderA, trades, err := e.Place(ctx, 1, "BTCUSDT", models.SideBuy, dec("30000"), dec("1.0"))
	assert.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, models.OrderOpen, orderA.Status)

	orderB, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("29000"), dec("0.5"))
	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(dec("30000")))
	assert.True(t, trades[0].Amount.Equal(dec("0.5")))
	assert.Equal(t, orderA.ID, trades[0].BuyOrderID)
	assert.Equal(t, orderB.ID, trades[0].SellOrderID)

	assert.Equal(t, models.OrderPartiallyFilled, orderA.Status)
	assert.True(t, orderA.FilledAmount.Equal(dec("0.5")))
	assert.Equal(t, models.OrderFilled, orderB.Status)

	// Buyer paid 15000 held USDT and received 0.5 BTC; the rest of the hold
	// backs the remaining bid.
	available, held := l.Balance(1, "USDT")
	assert.True(t, available.Equal(dec("70000")))
	assert.True(t, held.Equal(dec("15000")))
	available, _ = l.Balance(1, "BTC")
	assert.True(t, available.Equal(dec("0.5")))

	// Seller gave 0.5 BTC and received 15000 USDT.
	available, held = l.Balance(2, "BTC")
	assert.True(t, available.Equal(dec("0.5")))
	assert.True(t, held.IsZero())
	available, _ = l.Balance(2, "USDT")
	assert.True(t, available.Equal(dec("15000")))

	assert.Len(t, store.trades, 1)
}

// A taker buy above the best ask executes at the ask and gets the difference
// released back to available.
func TestEngine_TakerPriceImprovementRefund(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "BTC", "1")
	fund(t, l, 2, "USDT", "30000")

	_, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideSell, dec("29000"), dec("1"))
	assert.NoError(t, err)

	_, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(dec("29000")))

	// Held 30000, paid 29000, refunded 1000.
	available, held := l.Balance(2, "USDT")
	assert.True(t, available.Equal(dec("1000")))
	assert.True(t, held.IsZero())
}

func TestEngine_PriceTimePriority(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "BTC", "3")
	fund(t, l, 2, "BTC", "3")
	fund(t, l, 3, "USDT", "100000")

	// Two asks at the same price; the earlier one must fill first.
	first, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideSell, dec("30000"), dec("1"))
	assert.NoError(t, err)
	second, _, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("30000"), dec("1"))
	assert.NoError(t, err)

	_, trades, err := e.Place(ctx, 3, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].SellOrderID)
	assert.Equal(t, models.OrderFilled, first.Status)
	assert.Equal(t, models.OrderOpen, second.Status)
}

func TestEngine_SweepsMultipleLevels(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "BTC", "2")
	fund(t, l, 2, "USDT", "100000")

	_, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideSell, dec("29000"), dec("0.4"))
	assert.NoError(t, err)
	_, _, err = e.Place(ctx, 1, "BTCUSDT", models.SideSell, dec("29500"), dec("0.4"))
	assert.NoError(t, err)

	taker, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
	assert.NoError(t, err)
	assert.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(dec("29000")))
	assert.True(t, trades[1].Price.Equal(dec("29500")))
	assert.Equal(t, models.OrderPartiallyFilled, taker.Status)
	assert.True(t, taker.Remaining().Equal(dec("0.2")))

	// Fill sum equals filled_amount exactly.
	sum := trades[0].Amount.Add(trades[1].Amount)
	assert.True(t, taker.FilledAmount.Equal(sum))

	// The leftover rests as the best (and only) bid.
	bids, asks, err := e.Snapshot("BTCUSDT")
	assert.NoError(t, err)
	assert.Empty(t, asks)
	assert.Len(t, bids, 1)
	assert.True(t, bids[0].Amount.Equal(dec("0.2")))
}

// A sell whose base hold exceeds available funds never touches the book or
// any balance.
func TestEngine_InsufficientFundsLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	e, l, store := newTestEngine(t)
	fund(t, l, 1, "BTC", "0.1")

	_, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideSell, dec("30000"), dec("0.5"))
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	bids, asks, err := e.Snapshot("BTCUSDT")
	assert.NoError(t, err)
	assert.Empty(t, bids)
	assert.Empty(t, asks)

	available, held := l.Balance(1, "BTC")
	assert.True(t, available.Equal(dec("0.1")))
	assert.True(t, held.IsZero())
	assert.Empty(t, store.orders)
}

func TestEngine_PlaceValidation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name   string
		symbol string
		side   string
		price  string
		amount string
	}{
		{"BadSide", "BTCUSDT", "short", "1", "1"},
		{"ZeroPrice", "BTCUSDT", models.SideBuy, "0", "1"},
		{"NegativeAmount", "BTCUSDT", models.SideBuy, "1", "-1"},
		{"BadSymbol", "BTCEUR", models.SideBuy, "1", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.Place(ctx, 1, tt.symbol, tt.side, dec(tt.price), dec(tt.amount))
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "USDT", "30000")
	fund(t, l, 2, "BTC", "1")

	order, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
	assert.NoError(t, err)

	// Another user cannot cancel it.
	_, err = e.Cancel(ctx, 2, order.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	cancelled, err := e.Cancel(ctx, 1, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	// Hold fully released, book empty.
	available, held := l.Balance(1, "USDT")
	assert.True(t, available.Equal(dec("30000")))
	assert.True(t, held.IsZero())
	bids, _, _ := e.Snapshot("BTCUSDT")
	assert.Empty(t, bids)

	// Cancelling again is a state error; matching against it is impossible.
	_, err = e.Cancel(ctx, 1, order.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("29000"), dec("1"))
	assert.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEngine_CancelPartiallyFilledReleasesRemainder(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "USDT", "30000")
	fund(t, l, 2, "BTC", "1")

	order, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
	assert.NoError(t, err)
	_, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("30000"), dec("0.4"))
	assert.NoError(t, err)
	assert.Len(t, trades, 1)

	_, err = e.Cancel(ctx, 1, order.ID)
	assert.NoError(t, err)

	// 12000 settled on the fill, 18000 released on cancel.
	available, held := l.Balance(1, "USDT")
	assert.True(t, available.Equal(dec("18000")))
	assert.True(t, held.IsZero())
}

func TestEngine_SnapshotSortedAndAnonymous(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	fund(t, l, 1, "USDT", "100000")
	fund(t, l, 2, "BTC", "5")

	for _, p := range []string{"29000", "29500", "28500"} {
		_, _, err := e.Place(ctx, 1, "BTCUSDT", models.SideBuy, dec(p), dec("0.1"))
		assert.NoError(t, err)
	}
	for _, p := range []string{"31000", "30500", "31500"} {
		_, _, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec(p), dec("0.1"))
		assert.NoError(t, err)
	}

	bids, asks, err := e.Snapshot("btc/usdt")
	assert.NoError(t, err)
	assert.Len(t, bids, 3)
	assert.Len(t, asks, 3)

	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i-1].Price.GreaterThanOrEqual(bids[i].Price), "bids not descending")
	}
	for i := 1; i < len(asks); i++ {
		assert.True(t, asks[i-1].Price.LessThanOrEqual(asks[i].Price), "asks not ascending")
	}

	// Best bid strictly below best ask at rest.
	assert.True(t, bids[0].Price.LessThan(asks[0].Price))
}

// Concurrent placements for one symbol are admitted and matched in a total
// order: no over-fill and conservation of both assets.
func TestEngine_ConcurrentPlacements(t *testing.T) {
	ctx := context.Background()
	e, l, store := newTestEngine(t)
	fund(t, l, 1, "USDT", "1000000")
	fund(t, l, 2, "BTC", "100")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = e.Place(ctx, 1, "BTCUSDT", models.SideBuy, dec("30000"), dec("1"))
		}()
		go func() {
			defer wg.Done()
			_, _, _ = e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("30000"), dec("1"))
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	for id, o := range store.orders {
		assert.True(t, o.FilledAmount.LessThanOrEqual(o.Amount), "order %d over-filled", id)
	}

	// BTC conservation: everything is either user 2's (available or held) or
	// user 1's purchases.
	b1, h1 := l.Balance(1, "BTC")
	b2, h2 := l.Balance(2, "BTC")
	assert.True(t, b1.Add(h1).Add(b2).Add(h2).Equal(dec("100")))

	u1, hu1 := l.Balance(1, "USDT")
	u2, hu2 := l.Balance(2, "USDT")
	assert.True(t, u1.Add(hu1).Add(u2).Add(hu2).Equal(dec("1000000")))
}

func TestEngine_Restore(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)

	l.Restore(1, "USDT", dec("0"), dec("30000"))
	e.Restore([]*models.Order{
		{ID: 9, UserID: 1, Symbol: "BTCUSDT", Side: models.SideBuy, Price: dec("30000"), Amount: dec("1"), Status: models.OrderOpen},
		{ID: 10, UserID: 1, Symbol: "BTCUSDT", Side: models.SideBuy, Price: dec("29000"), Amount: dec("1"), Status: models.OrderCancelled},
	})

	bids, _, err := e.Snapshot("BTCUSDT")
	assert.NoError(t, err)
	assert.Len(t, bids, 1)
	assert.Equal(t, int64(9), bids[0].ID)

	// The restored order matches against new flow.
	fund(t, l, 2, "BTC", "1")
	_, trades, err := e.Place(ctx, 2, "BTCUSDT", models.SideSell, dec("30000"), dec("1"))
	assert.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in       string
		clean    string
		base     string
		wantErr  bool
	}{
		{"BTCUSDT", "BTCUSDT", "BTC", false},
		{"eth/usdt", "ETHUSDT", "ETH", false},
		{"USDT", "", "", true},
		{"BTCEUR", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		clean, base, quote, err := ParseSymbol(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, models.ErrValidation, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.clean, clean)
		assert.Equal(t, tt.base, base)
		assert.Equal(t, "USDT", quote)
	}
}
