package payments

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

const (
	ProviderCard   = "card"
	ProviderWallet = "wallet"
)

// IsTerminal reports whether no further automated transition may happen.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusRefunded
}

// Payment is the platform-fee charge for activating a contest. Rows are
// append-only: they are created pending and mutated only by the Coordinator,
// never deleted. Amount is the display-currency decimal the fee was frozen at;
// minor units exist only at the provider boundary.
type Payment struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	ContestID string `gorm:"type:char(36);not null;index:ix_payments_contest_id"`
	UserID    string `gorm:"type:char(36);not null;index:ix_payments_user_id"`

	Provider          string  `gorm:"type:varchar(16);not null;uniqueIndex:ux_payments_provider_order,priority:1"`
	ProviderOrderID   string  `gorm:"type:varchar(128);not null;uniqueIndex:ux_payments_provider_order,priority:2"`
	ProviderPaymentID *string `gorm:"type:varchar(128)"`

	Amount   decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency string          `gorm:"type:char(3);not null"`
	Status   string          `gorm:"type:varchar(32);not null"`

	Metadata datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time  `gorm:"type:datetime(3);not null"`
	UpdatedAt time.Time  `gorm:"type:datetime(3);not null"`
	PaidAt    *time.Time `gorm:"type:datetime(3)"`
}

func (Payment) TableName() string { return "payments" }

// ProviderEvent records every inbound webhook delivery. The unique
// (provider, event_id) pair is the dedupe key: providers retry and do not
// guarantee exactly-once.
type ProviderEvent struct {
	ID          string         `gorm:"type:char(36);primaryKey"`
	Provider    string         `gorm:"type:varchar(16);not null;uniqueIndex:ux_provider_events_provider_event,priority:1"`
	EventID     string         `gorm:"type:varchar(128);not null;uniqueIndex:ux_provider_events_provider_event,priority:2"`
	EventType   string         `gorm:"type:varchar(64);not null"`
	PayloadJSON datatypes.JSON `gorm:"type:json;not null"`

	ReceivedAt   time.Time  `gorm:"type:datetime(3);not null"`
	ProcessedAt  *time.Time `gorm:"type:datetime(3)"`
	ProcessError *string    `gorm:"type:varchar(255)"`
}

func (ProviderEvent) TableName() string { return "provider_events" }
