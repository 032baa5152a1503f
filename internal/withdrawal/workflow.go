// Package withdrawal implements the human-approval state machine for
// withdrawal requests. Funds are held in the ledger when a request is created
// and resolved exactly once on a terminal transition.
package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vantex/exchange/internal/ledger"
	"github.com/vantex/exchange/internal/models"
)

// maxNoteLen bounds operator free-text fields; content is not validated.
const maxNoteLen = 500

// Store persists withdrawal requests.
type Store interface {
	CreateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) (*models.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error
}

// Workflow drives withdrawal requests through
// pending -> approved -> completed, or pending -> rejected.
type Workflow struct {
	ledger *ledger.Ledger
	store  Store

	mu       sync.Mutex // serializes status transitions
	requests map[int64]*models.WithdrawalRequest
}

// New creates a workflow over the given ledger and store.
func New(l *ledger.Ledger, store Store) *Workflow {
	return &Workflow{
		ledger:   l,
		store:    store,
		requests: make(map[int64]*models.WithdrawalRequest),
	}
}

// Restore re-attaches persisted requests after a restart. Terminal requests
// are kept so that late admin actions fail with a state error rather than a
// not-found.
func (w *Workflow) Restore(reqs []*models.WithdrawalRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, req := range reqs {
		w.requests[req.ID] = req
	}
}

// Submit validates and creates a pending request, holding the amount in the
// ledger first so the funds cannot be spent while the request is reviewed.
func (w *Workflow) Submit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, address, requestID string) (*models.WithdrawalRequest, error) {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	if coin == "" {
		return nil, fmt.Errorf("%w: coin is required", models.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	address = strings.TrimSpace(address)
	if address == "" || len(address) > 255 {
		return nil, fmt.Errorf("%w: destination address is required", models.ErrValidation)
	}

	if err := w.ledger.Hold(ctx, userID, coin, amount, requestID); err != nil {
		return nil, err
	}

	req := &models.WithdrawalRequest{
		UserID:             userID,
		Coin:               coin,
		Amount:             amount,
		DestinationAddress: address,
		Status:             models.WithdrawalPending,
	}
	created, err := w.store.CreateWithdrawal(ctx, req)
	if err != nil {
		// Undo the hold; the request never existed.
		if relErr := w.ledger.Release(ctx, userID, coin, amount); relErr != nil {
			return nil, fmt.Errorf("persisting withdrawal failed (%v) and hold release failed: %w", err, relErr)
		}
		return nil, fmt.Errorf("failed to persist withdrawal: %w", err)
	}

	w.mu.Lock()
	w.requests[created.ID] = created
	w.mu.Unlock()
	return created, nil
}

// Approve moves a pending request to approved. Funds stay held.
func (w *Workflow) Approve(ctx context.Context, id int64, note string) (*models.WithdrawalRequest, error) {
	if err := validNote(note); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	req, err := w.get(id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.WithdrawalPending {
		return nil, transitionErr(req.Status, models.WithdrawalApproved)
	}

	now := time.Now().UTC()
	req.Status = models.WithdrawalApproved
	req.Note = note
	req.ReviewedAt = &now
	if err := w.store.UpdateWithdrawal(ctx, req); err != nil {
		req.Status = models.WithdrawalPending
		req.Note = ""
		req.ReviewedAt = nil
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}
	return req, nil
}

// Reject moves a pending request to rejected and releases the held amount
// back to available.
func (w *Workflow) Reject(ctx context.Context, id int64, note string) (*models.WithdrawalRequest, error) {
	if err := validNote(note); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	req, err := w.get(id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.WithdrawalPending {
		return nil, transitionErr(req.Status, models.WithdrawalRejected)
	}

	if err := w.ledger.Release(ctx, req.UserID, req.Coin, req.Amount); err != nil {
		return nil, fmt.Errorf("failed to release withdrawal hold: %w", err)
	}

	now := time.Now().UTC()
	req.Status = models.WithdrawalRejected
	req.Note = note
	req.ReviewedAt = &now
	if err := w.store.UpdateWithdrawal(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}
	return req, nil
}

// Complete moves an approved request to completed, permanently debiting the
// held amount and recording a withdraw transaction.
func (w *Workflow) Complete(ctx context.Context, id int64, txHash string) (*models.WithdrawalRequest, error) {
	if err := validNote(txHash); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	req, err := w.get(id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.WithdrawalApproved {
		return nil, transitionErr(req.Status, models.WithdrawalCompleted)
	}

	if err := w.ledger.SettleHold(ctx, req.UserID, req.Coin, req.Amount, models.TxWithdraw, ""); err != nil {
		return nil, fmt.Errorf("failed to settle withdrawal hold: %w", err)
	}

	now := time.Now().UTC()
	req.Status = models.WithdrawalCompleted
	req.TxHash = txHash
	req.CompletedAt = &now
	if err := w.store.UpdateWithdrawal(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist completion: %w", err)
	}
	return req, nil
}

// get must be called with w.mu held.
func (w *Workflow) get(id int64) (*models.WithdrawalRequest, error) {
	req, ok := w.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal request %d", models.ErrNotFound, id)
	}
	return req, nil
}

func transitionErr(from, to string) error {
	return fmt.Errorf("%w: cannot move withdrawal from %s to %s", models.ErrInvalidStateTransition, from, to)
}

func validNote(s string) error {
	if len(s) > maxNoteLen {
		return fmt.Errorf("%w: note exceeds %d characters", models.ErrValidation, maxNoteLen)
	}
	return nil
}
