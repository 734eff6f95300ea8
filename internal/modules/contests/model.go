package contests

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusDraft           = "draft"
	StatusPendingApproval = "pending_approval"
	StatusOpen            = "open"
	StatusClosed          = "closed"
	StatusCancelled       = "cancelled"
)

type Contest struct {
	ID       string          `gorm:"type:char(36);primaryKey"`
	ClientID string          `gorm:"type:char(36);not null;index:ix_contests_client_id"`
	Title    string          `gorm:"type:varchar(255);not null"`
	Budget   decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency string          `gorm:"type:char(3);not null"`
	Status   string          `gorm:"type:varchar(32);not null"`

	CreatedAt time.Time `gorm:"type:datetime(3);not null"`
	UpdatedAt time.Time `gorm:"type:datetime(3);not null"`
}

func (Contest) TableName() string { return "contests" }
