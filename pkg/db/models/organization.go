package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the minimal org record the metering layer needs.
type Organization struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name      string    `gorm:"column:name;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// OrganizationMembership links a user to an organization.
type OrganizationMembership struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_org_memberships_user_org"`
	OrganizationID uuid.UUID `gorm:"column:organization_id;type:uuid;not null;uniqueIndex:ux_org_memberships_user_org"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}
