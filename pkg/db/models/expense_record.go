package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// ExpenseRecord is an immutable usage log row. Cost is nil for free-quota
// consumption where the ledger was never touched.
type ExpenseRecord struct {
	ID          uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID   *uuid.UUID           `gorm:"column:account_id;type:uuid;index"`
	PayerUserID *uuid.UUID           `gorm:"column:payer_user_id;type:uuid;index"`
	PayerOrgID  *uuid.UUID           `gorm:"column:payer_org_id;type:uuid;index"`
	Capability  enums.CapabilityKind `gorm:"column:capability;not null"`
	Model       string               `gorm:"column:model;not null;default:''"`
	Cost        *decimal.Decimal     `gorm:"column:cost;type:numeric(20,8)"`
	Details     json.RawMessage      `gorm:"column:details;type:jsonb"`
	CreatedAt   time.Time            `gorm:"column:created_at;autoCreateTime"`
}
