package meter

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
)

// Repository persists expense records. Rows are append-only.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.ExpenseRecord) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.ExpenseRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an expense record repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, record *models.ExpenseRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.ExpenseRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.ExpenseRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
