package notifications

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/mailer"
)

// Service persists in-app notifications and mirrors them to email on a
// best-effort basis. Email delivery failing never fails the caller.
type Service struct {
	mail     mailer.Service
	logger   *slog.Logger
	fromAddr string
	fromName string
}

func NewService(mail mailer.Service, logger *slog.Logger, fromAddr, fromName string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{mail: mail, logger: logger, fromAddr: fromAddr, fromName: fromName}
}

// Pending is the email mirror of a persisted notification. Enqueue returns
// it instead of sending so no SMTP round-trip ever happens inside the
// caller's transaction; callers hand it to Deliver after commit.
type Pending struct {
	UserID string
	Title  string
	Body   string
}

// Enqueue inserts the notification row inside the caller's transaction so it
// commits or rolls back together with the business state change.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, userID, kind, title, body string) (Pending, error) {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(&n).Error; err != nil {
		return Pending{}, err
	}
	return Pending{UserID: userID, Title: title, Body: body}, nil
}

// Deliver mirrors a committed notification to email, best effort. db must be
// the root handle, not an open transaction.
func (s *Service) Deliver(ctx context.Context, db *gorm.DB, p Pending) {
	if p.UserID == "" {
		return
	}
	s.sendEmail(ctx, db, p.UserID, p.Title, p.Body)
}

func (s *Service) sendEmail(ctx context.Context, tx *gorm.DB, userID, subject, body string) {
	if s.mail == nil {
		return
	}

	var email string
	if err := tx.WithContext(ctx).Table("users").Select("email").Where("id = ?", userID).Scan(&email).Error; err != nil || email == "" {
		s.logger.WarnContext(ctx, "notification email skipped, user lookup failed", "user_id", userID, "err", err)
		return
	}

	err := s.mail.Send(ctx, mailer.Email{
		From:     s.fromAddr,
		FromName: s.fromName,
		To:       []string{email},
		Subject:  subject,
		TextBody: body,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "notification email send failed", "user_id", userID, "err", err)
	}
}
