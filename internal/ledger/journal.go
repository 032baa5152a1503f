package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/models"
)

// MemJournal is an in-memory Journal. It backs tests and tooling that do not
// need durable storage; the server uses the Postgres store instead.
type MemJournal struct {
	mu         sync.Mutex
	nextID     int64
	entries    []models.Transaction
	requestIDs map[string]bool
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{requestIDs: make(map[string]bool)}
}

// Append records the transaction, enforcing request id uniqueness.
func (j *MemJournal) Append(_ context.Context, tx models.Transaction, _, _ decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if tx.RequestID != "" {
		if j.requestIDs[tx.RequestID] {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRequest, tx.RequestID)
		}
		j.requestIDs[tx.RequestID] = true
	}

	j.nextID++
	tx.ID = j.nextID
	tx.CreatedAt = time.Now()
	j.entries = append(j.entries, tx)
	return nil
}

// Entries returns a copy of all recorded transactions in append order.
func (j *MemJournal) Entries() []models.Transaction {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.Transaction, len(j.entries))
	copy(out, j.entries)
	return out
}
