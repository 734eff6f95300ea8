package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger owns the payments table: creation under the contest-uniqueness
// invariant, lookups by provider order id, and the status state machine.
// All invariant checks live here so no caller can bypass them.
type Ledger struct{ db *gorm.DB }

func NewLedger(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// validTransitions is the automated part of the state machine. REFUNDED is
// reachable from any non-terminal status through the manual admin override
// only, handled separately in Transition.
var validTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func canTransition(from, to string) bool {
	if to == StatusRefunded {
		return !IsTerminal(from)
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type CreateInput struct {
	ContestID       string
	UserID          string
	Provider        string
	ProviderOrderID string
	Amount          decimal.Decimal
	Currency        string
	Metadata        datatypes.JSON
}

// Create inserts a pending payment. Must run inside the caller's transaction
// with the contest row locked: the at-most-one-active-payment invariant is
// re-checked here, under the lock, before the insert.
func (l *Ledger) Create(ctx context.Context, tx *gorm.DB, in CreateInput) (Payment, error) {
	active, err := l.activeExists(ctx, tx, in.ContestID)
	if err != nil {
		return Payment{}, err
	}
	if active {
		return Payment{}, ErrDuplicateActivePayment
	}

	now := time.Now()
	p := Payment{
		ID:              uuid.NewString(),
		ContestID:       in.ContestID,
		UserID:          in.UserID,
		Provider:        in.Provider,
		ProviderOrderID: in.ProviderOrderID,
		Amount:          in.Amount,
		Currency:        in.Currency,
		Status:          StatusPending,
		Metadata:        in.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(&p).Error; err != nil {
		if isDup(err) {
			return Payment{}, ErrDuplicateActivePayment
		}
		return Payment{}, err
	}
	return p, nil
}

// ActiveExists reports whether the contest already has a payment in a
// non-terminal-failure state (pending, processing or completed).
func (l *Ledger) ActiveExists(ctx context.Context, contestID string) (bool, error) {
	return l.activeExists(ctx, l.db, contestID)
}

func (l *Ledger) activeExists(ctx context.Context, tx *gorm.DB, contestID string) (bool, error) {
	var cnt int64
	err := tx.WithContext(ctx).Model(&Payment{}).
		Where("contest_id = ? AND status IN ?", contestID,
			[]string{StatusPending, StatusProcessing, StatusCompleted}).
		Count(&cnt).Error
	return cnt > 0, err
}

// FindByProviderOrder resolves the payment a provider signal refers to.
func (l *Ledger) FindByProviderOrder(ctx context.Context, provider, orderID string) (Payment, error) {
	var p Payment
	err := l.db.WithContext(ctx).
		First(&p, "provider = ? AND provider_order_id = ?", provider, orderID).Error
	return p, err
}

// FindByProviderOrderLocked is FindByProviderOrder with a row lock, for use
// inside a settlement transaction.
func (l *Ledger) FindByProviderOrderLocked(ctx context.Context, tx *gorm.DB, provider, orderID string) (Payment, error) {
	var p Payment
	err := lockForUpdate(tx.WithContext(ctx)).
		First(&p, "provider = ? AND provider_order_id = ?", provider, orderID).Error
	return p, err
}

type TransitionExtra struct {
	ProviderPaymentID *string
}

// Transition applies newStatus to the (already locked) payment. Re-applying a
// terminal status is a no-op success: that absorbs duplicate webhook
// delivery. Any other move outside the state machine is ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, tx *gorm.DB, p *Payment, newStatus string, extra TransitionExtra) error {
	if p.Status == newStatus {
		return nil
	}
	if IsTerminal(p.Status) {
		if IsTerminal(newStatus) {
			// e.g. a late "failed" event after completion: absorb, the
			// stored terminal state is authoritative
			return nil
		}
		return ErrInvalidTransition
	}
	if !canTransition(p.Status, newStatus) {
		return ErrInvalidTransition
	}

	now := time.Now()
	updates := map[string]any{
		"status":     newStatus,
		"updated_at": now,
	}
	if extra.ProviderPaymentID != nil && *extra.ProviderPaymentID != "" {
		updates["provider_payment_id"] = *extra.ProviderPaymentID
		p.ProviderPaymentID = extra.ProviderPaymentID
	}
	if newStatus == StatusCompleted {
		updates["paid_at"] = &now
		p.PaidAt = &now
	}

	if err := tx.WithContext(ctx).Model(&Payment{}).
		Where("id = ?", p.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	p.Status = newStatus
	p.UpdatedAt = now
	return nil
}
