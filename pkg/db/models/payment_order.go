package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// PaymentOrder mirrors one external gateway transaction. Orders are never
// deleted; void/expire/cancel are terminal statuses.
type PaymentOrder struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerUserID *uuid.UUID `gorm:"column:owner_user_id;type:uuid;index"`
	OwnerOrgID  *uuid.UUID `gorm:"column:owner_org_id;type:uuid;index"`

	Kind enums.OrderKind `gorm:"column:kind;not null;uniqueIndex:ux_payment_orders_kind_correlation"`
	// CorrelationID is the gateway's object id, unique per kind.
	CorrelationID string            `gorm:"column:correlation_id;not null;uniqueIndex:ux_payment_orders_kind_correlation"`
	Status        enums.OrderStatus `gorm:"column:status;not null"`

	Amount   decimal.Decimal `gorm:"column:amount;type:numeric(20,8);not null;default:0"`
	Currency string          `gorm:"column:currency;not null;default:'usd'"`

	// Snapshot is the last-known gateway object, used for idempotent-update
	// diffing via SnapshotHash.
	Snapshot     json.RawMessage `gorm:"column:snapshot;type:jsonb"`
	SnapshotHash string          `gorm:"column:snapshot_hash;not null;default:''"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// OwnerType reports who owns the order.
func (o *PaymentOrder) OwnerType() enums.OwnerType {
	if o.OwnerOrgID != nil {
		return enums.OwnerTypeOrganization
	}
	return enums.OwnerTypeUser
}
