package recharge

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/credits"
	"github.com/perceptra-ai/metering-backend/internal/gateway"
	"github.com/perceptra-ai/metering-backend/internal/orders"
	"github.com/perceptra-ai/metering-backend/pkg/config"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	"github.com/perceptra-ai/metering-backend/pkg/metrics"
)

type orderStore interface {
	CreateOrderTx(ctx context.Context, tx *gorm.DB, ownerType enums.OwnerType, ownerID uuid.UUID, snap orders.Snapshot) (*models.PaymentOrder, error)
	CancelByKindTx(ctx context.Context, tx *gorm.DB, account *models.CreditAccount, kind enums.OrderKind, forceCancel, failOnInconsistency bool) (orders.CancelOutcome, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service initiates recharges when a balance drops below its threshold. The
// gateway object, the order row, and the correlation id stamp all happen
// under the account's row lock, so two concurrent evaluations cannot create
// two outstanding operations.
type Service struct {
	accounts credits.Repository
	orders   orderStore
	gateway  gateway.Gateway
	txRunner txRunner
	logger   *logger.Logger
	metrics  *metrics.BillingMetrics
	billing  config.BillingConfig
	currency string
}

// ServiceParams groups orchestrator dependencies.
type ServiceParams struct {
	Accounts          credits.Repository
	Orders            orderStore
	Gateway           gateway.Gateway
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
	Billing           config.BillingConfig
	Currency          string
}

// NewService wires the orchestrator.
func NewService(params ServiceParams) (*Service, error) {
	if params.Accounts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "accounts repo required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order store required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		accounts: params.Accounts,
		orders:   params.Orders,
		gateway:  params.Gateway,
		txRunner: params.TransactionRunner,
		logger:   params.Logger,
		metrics:  params.Metrics,
		billing:  params.Billing,
		currency: currency,
	}, nil
}

// Evaluate runs after a debit. An operation already outstanding is the
// normal concurrent case and is not an error.
func (s *Service) Evaluate(ctx context.Context, account *models.CreditAccount) error {
	if account == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account required")
	}
	if !account.AutoRechargeEnabled || account.Balance.GreaterThanOrEqual(account.AutoRechargeThreshold) {
		return nil
	}
	err := s.Trigger(ctx, account.ID, false)
	switch {
	case pkgerrors.HasCode(err, pkgerrors.CodeRechargeInProgress):
		s.logger.Info(s.logger.WithAccountID(ctx, account.ID.String()), "recharge already outstanding, skipping")
		return nil
	case pkgerrors.HasCode(err, pkgerrors.CodeNoPaymentMethod):
		s.logger.Info(s.logger.WithAccountID(ctx, account.ID.String()), "no payment method on file, skipping recharge")
		return nil
	}
	return err
}

// Trigger initiates one recharge for the account. With recreate set, an
// outstanding operation of the same kind is canceled first instead of
// aborting.
func (s *Service) Trigger(ctx context.Context, accountID uuid.UUID, recreate bool) error {
	ctx = s.logger.WithAccountID(ctx, accountID.String())

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		return pkgerrors.New(pkgerrors.CodeCustomerMissing, "account has no gateway customer")
	}

	pmID, useInvoice, err := s.resolvePaymentMethod(ctx, *account.StripeCustomerID)
	if err != nil {
		return err
	}
	if pmID == "" {
		return pkgerrors.New(pkgerrors.CodeNoPaymentMethod, "customer has no payment method on file")
	}

	kind := enums.OrderKindInvoice
	if !useInvoice {
		kind = enums.OrderKindPaymentIntent
	}

	return s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.accounts.WithTx(tx)
		locked, err := repo.LockByID(ctx, accountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock account")
		}
		// A concurrent settlement may have refilled the balance already.
		if !locked.AutoRechargeEnabled || locked.Balance.GreaterThanOrEqual(locked.AutoRechargeThreshold) {
			return nil
		}
		if locked.RechargeInProgress || locked.CorrelationIDFor(kind) != nil {
			if !recreate {
				return pkgerrors.New(pkgerrors.CodeRechargeInProgress, "recharge operation already outstanding")
			}
			if _, err := s.orders.CancelByKindTx(ctx, tx, locked, kind, true, false); err != nil {
				return err
			}
		}

		creditAmount := locked.AutoRechargeAmount
		if creditAmount.IsZero() || creditAmount.IsNegative() {
			return pkgerrors.New(pkgerrors.CodeValidation, "auto-recharge amount not configured")
		}
		fee := decimal.NewFromInt(int64(s.billing.PlatformFeePercent)).Div(decimal.NewFromInt(100))
		charged := creditAmount.Add(creditAmount.Mul(fee))

		snap, correlationID, err := s.createGatewayOperation(ctx, kind, *locked.StripeCustomerID, pmID, creditAmount, charged)
		if err != nil {
			return err
		}

		ownerType := locked.OwnerType()
		ownerID := locked.OwnerUserID
		if ownerType == enums.OwnerTypeOrganization {
			ownerID = locked.OwnerOrgID
		}
		if _, err := s.orders.CreateOrderTx(ctx, tx, ownerType, *ownerID, snap); err != nil {
			return s.unwind(ctx, kind, correlationID, err)
		}

		locked.SetCorrelationID(kind, &correlationID)
		locked.RechargeInProgress = true
		if err := repo.Save(ctx, locked); err != nil {
			return s.unwind(ctx, kind, correlationID, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp recharge state"))
		}

		s.logger.Info(ctx, "initiated "+string(kind)+" recharge "+correlationID)
		return nil
	})
}

// resolvePaymentMethod prefers the customer's default payment method, which
// an invoice can charge directly; without one, the first stored method is
// charged through an off-session payment intent.
func (s *Service) resolvePaymentMethod(ctx context.Context, customerID string) (pmID string, useInvoice bool, err error) {
	customer, err := s.gateway.RetrieveCustomer(ctx, customerID)
	if err != nil {
		return "", false, err
	}
	if customer.DefaultPaymentMethodID != "" {
		return customer.DefaultPaymentMethodID, true, nil
	}
	methods, err := s.gateway.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return "", false, err
	}
	if len(methods) == 0 {
		return "", false, nil
	}
	return methods[0].ID, false, nil
}

func (s *Service) createGatewayOperation(ctx context.Context, kind enums.OrderKind, customerID, pmID string, creditAmount, charged decimal.Decimal) (orders.Snapshot, string, error) {
	meta := map[string]string{"credit_amount": creditAmount.String()}
	switch kind {
	case enums.OrderKindInvoice:
		inv, err := s.gateway.CreateInvoice(ctx, gateway.InvoiceParams{
			CustomerID:      customerID,
			Amount:          charged,
			Currency:        s.currency,
			Description:     "credit auto-recharge",
			PaymentMethodID: pmID,
			Metadata:        meta,
		})
		if err != nil {
			return orders.Snapshot{}, "", err
		}
		return orders.SnapshotFromInvoice(inv, creditAmount, s.currency), inv.ID, nil
	default:
		pi, err := s.gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentParams{
			CustomerID:      customerID,
			Amount:          charged,
			Currency:        s.currency,
			PaymentMethodID: pmID,
			Confirm:         true,
			OffSession:      true,
			Metadata:        meta,
		})
		if err != nil {
			return orders.Snapshot{}, "", err
		}
		return orders.SnapshotFromPaymentIntent(pi, creditAmount, s.currency), pi.ID, nil
	}
}

// unwind tears down a gateway object created in a transaction that is about
// to roll back, so no external charge is left without a local record.
func (s *Service) unwind(ctx context.Context, kind enums.OrderKind, correlationID string, cause error) error {
	var unwindErr error
	switch kind {
	case enums.OrderKindInvoice:
		_, unwindErr = s.gateway.VoidInvoice(ctx, correlationID)
	default:
		_, unwindErr = s.gateway.CancelPaymentIntent(ctx, correlationID)
	}
	if unwindErr != nil {
		s.logger.Error(ctx, "failed to unwind gateway operation "+correlationID, unwindErr)
		return multierr.Append(cause, unwindErr)
	}
	return cause
}
