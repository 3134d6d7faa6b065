package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// CreditAccount is the balance record owned by exactly one user or organization.
// The balance may go negative (overdraft is a metering policy, not a ledger
// constraint). All mutations happen under the account's row lock.
type CreditAccount struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerUserID *uuid.UUID     `gorm:"column:owner_user_id;type:uuid;uniqueIndex"`
	OwnerOrgID  *uuid.UUID     `gorm:"column:owner_org_id;type:uuid;uniqueIndex"`
	Balance     decimal.Decimal `gorm:"column:balance;type:numeric(20,8);not null;default:0"`

	AutoRechargeEnabled   bool            `gorm:"column:auto_recharge_enabled;not null;default:false"`
	AutoRechargeThreshold decimal.Decimal `gorm:"column:auto_recharge_threshold;type:numeric(20,8);not null;default:0"`
	AutoRechargeAmount    decimal.Decimal `gorm:"column:auto_recharge_amount;type:numeric(20,8);not null;default:0"`

	StripeCustomerID *string `gorm:"column:stripe_customer_id"`

	// At most one outstanding gateway object id per order kind.
	OnetimeSessionID      *string `gorm:"column:onetime_session_id"`
	PaymentIntentID       *string `gorm:"column:payment_intent_id"`
	SubscriptionSessionID *string `gorm:"column:subscription_session_id"`
	SubscriptionID        *string `gorm:"column:subscription_id"`
	InvoiceID             *string `gorm:"column:invoice_id"`

	RechargeInProgress bool `gorm:"column:recharge_in_progress;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// OwnerType reports who owns the account.
func (a *CreditAccount) OwnerType() enums.OwnerType {
	if a.OwnerOrgID != nil {
		return enums.OwnerTypeOrganization
	}
	return enums.OwnerTypeUser
}

// CorrelationIDFor returns the outstanding gateway id stamped for the kind.
func (a *CreditAccount) CorrelationIDFor(kind enums.OrderKind) *string {
	switch kind {
	case enums.OrderKindOnetimeCheckout:
		return a.OnetimeSessionID
	case enums.OrderKindSubscriptionCheckout:
		return a.SubscriptionSessionID
	case enums.OrderKindPaymentIntent:
		return a.PaymentIntentID
	case enums.OrderKindInvoice:
		return a.InvoiceID
	default:
		return nil
	}
}

// SetCorrelationID stamps (or clears, with nil) the outstanding id for the kind.
func (a *CreditAccount) SetCorrelationID(kind enums.OrderKind, id *string) {
	switch kind {
	case enums.OrderKindOnetimeCheckout:
		a.OnetimeSessionID = id
	case enums.OrderKindSubscriptionCheckout:
		a.SubscriptionSessionID = id
	case enums.OrderKindPaymentIntent:
		a.PaymentIntentID = id
	case enums.OrderKindInvoice:
		a.InvoiceID = id
	}
}

// CorrelationColumnFor maps an order kind to its account column name.
func CorrelationColumnFor(kind enums.OrderKind) string {
	switch kind {
	case enums.OrderKindOnetimeCheckout:
		return "onetime_session_id"
	case enums.OrderKindSubscriptionCheckout:
		return "subscription_session_id"
	case enums.OrderKindPaymentIntent:
		return "payment_intent_id"
	case enums.OrderKindInvoice:
		return "invoice_id"
	default:
		return ""
	}
}
