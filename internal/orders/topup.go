package orders

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/gateway"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
)

// TopUpParams describes a user-initiated one-time credit purchase.
type TopUpParams struct {
	OwnerType  enums.OwnerType
	OwnerID    uuid.UUID
	Amount     decimal.Decimal
	Currency   string
	SuccessURL string
	CancelURL  string
}

// InitiateTopUp opens a hosted checkout session for a one-time credit
// purchase and records the pending order. The session id is stamped on the
// account so reconciliation can match the completion event once it arrives;
// while a stamp is outstanding a second top-up fails with a conflict. If any
// step after the gateway call fails, the session is expired before the error
// propagates so no live checkout is left without a local record.
func (s *Service) InitiateTopUp(ctx context.Context, params TopUpParams) (*gateway.CheckoutSession, error) {
	if !params.OwnerType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid owner type")
	}
	if !params.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "top-up amount must be positive")
	}
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	account, err := s.ledger.GetOrCreateForOwner(ctx, params.OwnerType, params.OwnerID)
	if err != nil {
		return nil, err
	}
	// Fast-path rejection; the locked stamp inside the transaction below is
	// what actually enforces single-outstanding under concurrency.
	if account.CorrelationIDFor(enums.OrderKindOnetimeCheckout) != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "a checkout for this account is already outstanding")
	}

	customerID := ""
	if account.StripeCustomerID != nil {
		customerID = *account.StripeCustomerID
	}
	sess, err := s.gateway.CreateCheckout(ctx, gateway.CheckoutParams{
		CustomerID: customerID,
		Amount:     params.Amount,
		Currency:   currency,
		SuccessURL: params.SuccessURL,
		CancelURL:  params.CancelURL,
		Metadata:   map[string]string{"credit_amount": params.Amount.String()},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "create checkout session")
	}

	snap := SnapshotFromCheckout(enums.OrderKindOnetimeCheckout, sess, params.Amount, currency)
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.CreateOrderTx(ctx, tx, params.OwnerType, params.OwnerID, snap); err != nil {
			return err
		}
		return s.ledger.StampCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, sess.ID)
	})
	if err != nil {
		return nil, s.expireAbandonedCheckout(ctx, sess.ID, err)
	}

	s.logger.Info(s.logger.WithAccountID(ctx, account.ID.String()), "opened top-up checkout "+sess.ID)
	return sess, nil
}

func (s *Service) expireAbandonedCheckout(ctx context.Context, sessionID string, cause error) error {
	if _, err := s.gateway.ExpireCheckout(ctx, sessionID); err != nil {
		s.logger.Error(ctx, "failed to expire checkout session "+sessionID, err)
		return multierr.Append(cause, err)
	}
	return cause
}
