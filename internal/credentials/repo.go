package credentials

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// Repository is the durable credential store.
type Repository interface {
	Create(ctx context.Context, credential *models.ProviderCredential) error
	// ListByScope returns the scope's credentials in creation order,
	// including disabled ones; filtering is the router's concern.
	ListByScope(ctx context.Context, scope ScopeRef) ([]models.ProviderCredential, error)
	SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credential repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, credential *models.ProviderCredential) error {
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(credential).Error
}

func (r *repository) ListByScope(ctx context.Context, scope ScopeRef) ([]models.ProviderCredential, error) {
	q := r.db.WithContext(ctx).Where("scope = ?", scope.Scope)
	switch scope.Scope {
	case enums.CredentialScopeUser:
		q = q.Where("owner_user_id = ?", scope.OwnerID)
	case enums.CredentialScopeOrganization:
		q = q.Where("owner_org_id = ?", scope.OwnerID)
	}
	var creds []models.ProviderCredential
	if err := q.Order("created_at ASC").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *repository) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	return r.db.WithContext(ctx).
		Model(&models.ProviderCredential{}).
		Where("id = ?", id).
		Update("disabled", disabled).Error
}
