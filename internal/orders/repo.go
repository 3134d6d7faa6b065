package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// Repository manages persistence for payment orders.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.PaymentOrder) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentOrder, error)
	// LockByID loads the order under a row lock. Callers must be inside a
	// transaction or the lock is meaningless.
	LockByID(ctx context.Context, id uuid.UUID) (*models.PaymentOrder, error)
	// FindByKindCorrelation returns nil, nil when no order matches.
	FindByKindCorrelation(ctx context.Context, kind enums.OrderKind, correlationID string) (*models.PaymentOrder, error)
	// LockByKindCorrelation is the locking variant used by the reconciler.
	LockByKindCorrelation(ctx context.Context, kind enums.OrderKind, correlationID string) (*models.PaymentOrder, error)
	Save(ctx context.Context, order *models.PaymentOrder) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a payment order repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) locking(q *gorm.DB) *gorm.DB {
	// sqlite (tests) has no FOR UPDATE; its single-writer lock serializes instead
	if r.db.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *repository) Create(ctx context.Context, order *models.PaymentOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	q := r.locking(r.db.WithContext(ctx))
	if err := q.Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByKindCorrelation(ctx context.Context, kind enums.OrderKind, correlationID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("kind = ? AND correlation_id = ?", kind, correlationID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) LockByKindCorrelation(ctx context.Context, kind enums.OrderKind, correlationID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	q := r.locking(r.db.WithContext(ctx))
	err := q.Where("kind = ? AND correlation_id = ?", kind, correlationID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) Save(ctx context.Context, order *models.PaymentOrder) error {
	return r.db.WithContext(ctx).Save(order).Error
}
