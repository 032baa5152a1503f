// Package ledger is the authoritative store of per-(user, coin) balances.
// Every mutation is atomic per key and appends exactly one transaction row to
// the journal inside the same critical section.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/models"
)

// Journal receives one entry per balance mutation, together with the
// post-mutation balance snapshot. An error from Append aborts and reverts the
// mutation, so the ledger and the journal can never disagree.
type Journal interface {
	Append(ctx context.Context, tx models.Transaction, available, held decimal.Decimal) error
}

type balanceKey struct {
	userID int64
	coin   string
}

// entry carries its own lock so that mutations on disjoint keys never block
// each other.
type entry struct {
	mu        sync.Mutex
	available decimal.Decimal
	held      decimal.Decimal
}

// Ledger tracks available and held funds per (user, coin).
type Ledger struct {
	mu      sync.RWMutex // guards the entries map only
	entries map[balanceKey]*entry
	journal Journal
}

// New creates an empty ledger writing to the given journal.
func New(journal Journal) *Ledger {
	return &Ledger{
		entries: make(map[balanceKey]*entry),
		journal: journal,
	}
}

// entryFor returns the entry for a key, creating it lazily. Balances are
// never deleted once created.
func (l *Ledger) entryFor(userID int64, coin string) *entry {
	key := balanceKey{userID: userID, coin: coin}

	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	return nil
}

// Credit increases available funds. Always succeeds for a positive amount.
// txType records why the funds appeared (deposit, admin_credit, trade).
func (l *Ledger) Credit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, txType, requestID string) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.available = e.available.Add(amount)
	if err := l.append(ctx, e, userID, coin, amount, txType, requestID); err != nil {
		e.available = e.available.Sub(amount)
		return err
	}
	return nil
}

// Debit decreases available funds, failing if they are insufficient.
func (l *Ledger) Debit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, txType, requestID string) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.GreaterThan(e.available) {
		return fmt.Errorf("%w: %s %s available, %s requested", models.ErrInsufficientFunds, e.available, coin, amount)
	}
	e.available = e.available.Sub(amount)
	if err := l.append(ctx, e, userID, coin, amount, txType, requestID); err != nil {
		e.available = e.available.Add(amount)
		return err
	}
	return nil
}

// Hold reserves available funds so they cannot be committed twice. The user's
// total balance is unchanged.
func (l *Ledger) Hold(ctx context.Context, userID int64, coin string, amount decimal.Decimal, requestID string) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.GreaterThan(e.available) {
		return fmt.Errorf("%w: %s %s available, %s requested", models.ErrInsufficientFunds, e.available, coin, amount)
	}
	e.available = e.available.Sub(amount)
	e.held = e.held.Add(amount)
	if err := l.append(ctx, e, userID, coin, amount, models.TxHold, requestID); err != nil {
		e.available = e.available.Add(amount)
		e.held = e.held.Sub(amount)
		return err
	}
	return nil
}

// Release moves held funds back to available.
func (l *Ledger) Release(ctx context.Context, userID int64, coin string, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.GreaterThan(e.held) {
		return fmt.Errorf("%w: release of %s %s exceeds held %s", models.ErrInvalidStateTransition, amount, coin, e.held)
	}
	e.held = e.held.Sub(amount)
	e.available = e.available.Add(amount)
	if err := l.append(ctx, e, userID, coin, amount, models.TxRelease, ""); err != nil {
		e.held = e.held.Add(amount)
		e.available = e.available.Sub(amount)
		return err
	}
	return nil
}

// SettleHold permanently removes held funds, finalizing the operation the
// hold was taken for (a completed withdrawal or a matched trade leg).
func (l *Ledger) SettleHold(ctx context.Context, userID int64, coin string, amount decimal.Decimal, txType, requestID string) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.GreaterThan(e.held) {
		return fmt.Errorf("%w: settle of %s %s exceeds held %s", models.ErrInvalidStateTransition, amount, coin, e.held)
	}
	e.held = e.held.Sub(amount)
	if err := l.append(ctx, e, userID, coin, amount, txType, requestID); err != nil {
		e.held = e.held.Add(amount)
		return err
	}
	return nil
}

// append must be called with the entry lock held.
func (l *Ledger) append(ctx context.Context, e *entry, userID int64, coin string, amount decimal.Decimal, txType, requestID string) error {
	return l.journal.Append(ctx, models.Transaction{
		UserID:    userID,
		Type:      txType,
		Coin:      coin,
		Amount:    amount,
		RequestID: requestID,
	}, e.available, e.held)
}

// Balance returns the current available and held funds for a key.
func (l *Ledger) Balance(userID int64, coin string) (available, held decimal.Decimal) {
	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available, e.held
}

// Balances returns all balances for a user, ordered by coin.
func (l *Ledger) Balances(userID int64) []models.Balance {
	l.mu.RLock()
	keys := make([]balanceKey, 0)
	for key := range l.entries {
		if key.userID == userID {
			keys = append(keys, key)
		}
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].coin < keys[j].coin })

	balances := make([]models.Balance, 0, len(keys))
	for _, key := range keys {
		available, held := l.Balance(userID, key.coin)
		balances = append(balances, models.Balance{
			UserID:    userID,
			Coin:      key.coin,
			Available: available,
			Held:      held,
		})
	}
	return balances
}

// Restore seeds a balance without journaling. Used only when rebuilding the
// ledger from persisted state at startup.
func (l *Ledger) Restore(userID int64, coin string, available, held decimal.Decimal) {
	e := l.entryFor(userID, coin)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = available
	e.held = held
}
