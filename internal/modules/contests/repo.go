package contests

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Get(ctx context.Context, id string) (Contest, error) {
	var c Contest
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	return c, err
}

// OpenIfPendingApproval flips a contest to open only if it still sits in
// pending_approval. The guard keeps a concurrent path (admin manual approval)
// from being clobbered. Returns how many rows changed (0 or 1).
func (r *Repo) OpenIfPendingApproval(ctx context.Context, tx *gorm.DB, id string) (int64, error) {
	res := tx.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status = ?", id, StatusPendingApproval).
		Updates(map[string]any{
			"status":     StatusOpen,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
