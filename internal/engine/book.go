package engine

import (
	"sort"

	"github.com/vantex/exchange/internal/models"
)

// book holds the resting orders for one symbol. Callers serialize access
// through the owning symbol lock.
type book struct {
	bids []*models.Order // highest price first, then earliest time
	asks []*models.Order // lowest price first, then earliest time
}

// add inserts a resting order on its side and re-establishes price-time
// priority.
func (b *book) add(o *models.Order) {
	if o.Side == models.SideBuy {
		b.bids = append(b.bids, o)
		sort.SliceStable(b.bids, func(i, j int) bool {
			if b.bids[i].Price.Equal(b.bids[j].Price) {
				return b.bids[i].CreatedAt.Before(b.bids[j].CreatedAt)
			}
			return b.bids[i].Price.GreaterThan(b.bids[j].Price)
		})
	} else {
		b.asks = append(b.asks, o)
		sort.SliceStable(b.asks, func(i, j int) bool {
			if b.asks[i].Price.Equal(b.asks[j].Price) {
				return b.asks[i].CreatedAt.Before(b.asks[j].CreatedAt)
			}
			return b.asks[i].Price.LessThan(b.asks[j].Price)
		})
	}
}

// remove drops an order by id from either side. Returns false if it was not
// resting.
func (b *book) remove(orderID int64) bool {
	for i, o := range b.bids {
		if o.ID == orderID {
			b.bids = append(b.bids[:i], b.bids[i+1:]...)
			return true
		}
	}
	for i, o := range b.asks {
		if o.ID == orderID {
			b.asks = append(b.asks[:i], b.asks[i+1:]...)
			return true
		}
	}
	return false
}

// bestOpposite returns the top of the side an incoming order would match
// against, or nil if that side is empty.
func (b *book) bestOpposite(side string) *models.Order {
	if side == models.SideBuy {
		if len(b.asks) == 0 {
			return nil
		}
		return b.asks[0]
	}
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// popOpposite removes the current best order on the opposite side.
func (b *book) popOpposite(side string) {
	if side == models.SideBuy {
		b.asks = b.asks[1:]
	} else {
		b.bids = b.bids[1:]
	}
}
