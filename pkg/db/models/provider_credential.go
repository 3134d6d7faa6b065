package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// ProviderCredential is the durable record of one provider API credential.
// The secret is sealed at rest; health state lives in the cache tier only.
type ProviderCredential struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Provider    string                `gorm:"column:provider;not null;index"`
	Scope       enums.CredentialScope `gorm:"column:scope;not null;index"`
	OwnerUserID *uuid.UUID            `gorm:"column:owner_user_id;type:uuid;index"`
	OwnerOrgID  *uuid.UUID            `gorm:"column:owner_org_id;type:uuid;index"`

	EncryptedSecret []byte `gorm:"column:encrypted_secret;not null"`
	BYOK            bool   `gorm:"column:byok;not null;default:false"`
	Disabled        bool   `gorm:"column:disabled;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
