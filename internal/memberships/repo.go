package memberships

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
)

// Repository exposes the organization membership lookups payer resolution
// needs.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the repo to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ListUserOrganizations returns the organizations a user belongs to, most
// recently created organization first.
func (r *Repository) ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]models.Organization, error) {
	var orgs []models.Organization
	err := r.db.WithContext(ctx).
		Model(&models.Organization{}).
		Joins("JOIN organization_memberships ON organization_memberships.organization_id = organizations.id").
		Where("organization_memberships.user_id = ?", userID).
		Order("organizations.created_at DESC").
		Find(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// IsMember reports whether the user belongs to the organization.
func (r *Repository) IsMember(ctx context.Context, userID, organizationID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OrganizationMembership{}).
		Where("user_id = ? AND organization_id = ?", userID, organizationID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateOrganization persists a new organization.
func (r *Repository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(org).Error
}

// CreateMembership links a user to an organization.
func (r *Repository) CreateMembership(ctx context.Context, userID, organizationID uuid.UUID) (*models.OrganizationMembership, error) {
	membership := &models.OrganizationMembership{
		ID:             uuid.New(),
		UserID:         userID,
		OrganizationID: organizationID,
	}
	if err := r.db.WithContext(ctx).Create(membership).Error; err != nil {
		return nil, err
	}
	return membership, nil
}
