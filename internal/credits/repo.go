package credits

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// Repository manages persistence for credit accounts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, account *models.CreditAccount) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CreditAccount, error)
	// LockByID loads the account under a row lock. Callers must be inside a
	// transaction or the lock is meaningless.
	LockByID(ctx context.Context, id uuid.UUID) (*models.CreditAccount, error)
	FindByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	Save(ctx context.Context, account *models.CreditAccount) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credit account repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, account *models.CreditAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.CreditAccount, error) {
	var account models.CreditAccount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.CreditAccount, error) {
	var account models.CreditAccount
	q := r.db.WithContext(ctx)
	// sqlite (tests) has no FOR UPDATE; its single-writer lock serializes instead
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error) {
	column := "owner_user_id"
	if ownerType == enums.OwnerTypeOrganization {
		column = "owner_org_id"
	}
	var account models.CreditAccount
	err := r.db.WithContext(ctx).Where(column+" = ?", ownerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) Save(ctx context.Context, account *models.CreditAccount) error {
	return r.db.WithContext(ctx).Save(account).Error
}
