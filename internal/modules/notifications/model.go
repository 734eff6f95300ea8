package notifications

import "time"

const (
	KindContestActivated = "contest_activated"
	KindPaymentFailed    = "payment_failed"
)

type Notification struct {
	ID     string `gorm:"type:char(36);primaryKey"`
	UserID string `gorm:"type:char(36);not null;index:ix_notifications_user_id"`
	Kind   string `gorm:"type:varchar(64);not null"`
	Title  string `gorm:"type:varchar(255);not null"`
	Body   string `gorm:"type:text;not null"`

	ReadAt    *time.Time `gorm:"type:datetime(3)"`
	CreatedAt time.Time  `gorm:"type:datetime(3);not null"`
}

func (Notification) TableName() string { return "notifications" }
