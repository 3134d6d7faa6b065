package reconcile

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/orders"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	"github.com/perceptra-ai/metering-backend/pkg/metrics"
)

type ledger interface {
	FindByOwnerTx(ctx context.Context, tx *gorm.DB, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	SettleTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, correlationID string, amount decimal.Decimal) (*models.CreditAccount, error)
	SetSubscriptionIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, subscriptionID *string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Reconciler applies gateway webhook events to local orders and the ledger.
// Deliveries are at-least-once and may arrive out of order; idempotence comes
// from the terminal-state guard, not from transport-level dedup.
type Reconciler struct {
	orders   orders.Repository
	ledger   ledger
	txRunner txRunner
	logger   *logger.Logger
	metrics  *metrics.BillingMetrics
}

// Params groups reconciler dependencies.
type Params struct {
	Orders            orders.Repository
	Ledger            ledger
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
}

// New wires the reconciler.
func New(params Params) (*Reconciler, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Reconciler{
		orders:   params.Orders,
		ledger:   params.Ledger,
		txRunner: params.TransactionRunner,
		logger:   params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// update is what one webhook event means for the local order.
type update struct {
	kind           enums.OrderKind
	correlationID  string
	status         enums.OrderStatus
	paymentStatus  string
	subscriptionID string
}

// HandleEvent applies one webhook event. Events referencing unknown orders
// are logged and swallowed so the webhook endpoint keeps acknowledging the
// gateway; only decode failures surface as errors.
func (r *Reconciler) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionExpired,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session event")
		}
		kind := enums.OrderKindOnetimeCheckout
		if sess.Mode == stripe.CheckoutSessionModeSubscription {
			kind = enums.OrderKindSubscriptionCheckout
		}
		upd := update{
			kind:          kind,
			correlationID: sess.ID,
			status:        enums.OrderStatus(sess.Status),
			paymentStatus: string(sess.PaymentStatus),
		}
		if sess.Subscription != nil {
			upd.subscriptionID = sess.Subscription.ID
		}
		return r.apply(ctx, upd)
	case stripe.EventTypeInvoicePaid,
		stripe.EventTypeInvoicePaymentFailed,
		stripe.EventTypeInvoiceVoided,
		stripe.EventTypeInvoiceMarkedUncollectible:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode invoice event")
		}
		return r.apply(ctx, update{
			kind:          enums.OrderKindInvoice,
			correlationID: inv.ID,
			status:        enums.OrderStatus(inv.Status),
		})
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode payment intent event")
		}
		return r.apply(ctx, update{
			kind:          enums.OrderKindPaymentIntent,
			correlationID: pi.ID,
			status:        enums.OrderStatus(pi.Status),
		})
	default:
		return nil
	}
}

func (r *Reconciler) apply(ctx context.Context, upd update) error {
	if upd.correlationID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event object has no id")
	}
	ctx = r.logger.WithFields(ctx, map[string]any{
		"order_kind":     string(upd.kind),
		"correlation_id": upd.correlationID,
	})

	return r.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.orders.WithTx(tx)
		order, err := repo.LockByKindCorrelation(ctx, upd.kind, upd.correlationID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order for event")
		}
		if order == nil {
			inconsistency := pkgerrors.New(pkgerrors.CodeReconcileInconsistent, "webhook event references unknown order")
			r.logger.Error(ctx, "reconcile inconsistency", inconsistency)
			r.metrics.IncReconcileEvent("missing_order")
			return nil
		}

		alreadyPaid, err := wasPaid(order)
		if err != nil {
			return err
		}

		// Paid is terminal. Events arrive at least once and out of order,
		// so a non-terminal event landing after settlement must not roll
		// the order back to an open state.
		if alreadyPaid && !isPaid(upd) {
			r.logger.Warn(ctx, "dropping stale event for settled order")
			r.metrics.IncReconcileEvent("stale_event")
			return nil
		}

		snap := r.buildSnapshot(order, upd)
		payload, hash, err := snap.Encode()
		if err != nil {
			return err
		}
		if hash != order.SnapshotHash {
			order.Status = upd.status
			order.Snapshot = payload
			order.SnapshotHash = hash
			if err := repo.Save(ctx, order); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist reconciled order")
			}
			r.metrics.IncReconcileEvent("updated")
		} else {
			r.metrics.IncReconcileEvent("unchanged")
		}

		if !isPaid(upd) || alreadyPaid {
			return nil
		}
		return r.settle(ctx, tx, order, upd)
	})
}

func (r *Reconciler) settle(ctx context.Context, tx *gorm.DB, order *models.PaymentOrder, upd update) error {
	ownerID := order.OwnerUserID
	if order.OwnerType() == enums.OwnerTypeOrganization {
		ownerID = order.OwnerOrgID
	}
	if ownerID == nil {
		r.logger.Error(ctx, "paid order has no owner", pkgerrors.New(pkgerrors.CodeReconcileInconsistent, "ownerless order"))
		r.metrics.IncReconcileEvent("missing_owner")
		return nil
	}
	account, err := r.ledger.FindByOwnerTx(ctx, tx, order.OwnerType(), *ownerID)
	if err != nil {
		return err
	}
	if account == nil {
		r.logger.Error(ctx, "paid order owner has no credit account", pkgerrors.New(pkgerrors.CodeReconcileInconsistent, "account missing"))
		r.metrics.IncReconcileEvent("missing_account")
		return nil
	}

	if _, err := r.ledger.SettleTx(ctx, tx, account.ID, order.Kind, order.CorrelationID, order.Amount); err != nil {
		return err
	}
	if order.Kind == enums.OrderKindSubscriptionCheckout && upd.subscriptionID != "" {
		subID := upd.subscriptionID
		if err := r.ledger.SetSubscriptionIDTx(ctx, tx, account.ID, &subID); err != nil {
			return err
		}
	}
	r.metrics.IncReconcileEvent("settled")
	r.logger.Info(ctx, "credited account from settled order")
	return nil
}

// buildSnapshot keeps the stored amount and currency; webhook events only
// move the lifecycle fields.
func (r *Reconciler) buildSnapshot(order *models.PaymentOrder, upd update) orders.Snapshot {
	switch upd.kind {
	case enums.OrderKindInvoice:
		return orders.Snapshot{
			Kind: upd.kind,
			Invoice: &orders.InvoiceSnapshot{
				InvoiceID: upd.correlationID,
				Status:    string(upd.status),
				Amount:    order.Amount.String(),
				Currency:  order.Currency,
			},
		}
	case enums.OrderKindPaymentIntent:
		return orders.Snapshot{
			Kind: upd.kind,
			PaymentIntent: &orders.PaymentIntentSnapshot{
				PaymentIntentID: upd.correlationID,
				Status:          string(upd.status),
				Amount:          order.Amount.String(),
				Currency:        order.Currency,
			},
		}
	default:
		return orders.Snapshot{
			Kind: upd.kind,
			Checkout: &orders.CheckoutSnapshot{
				SessionID:     upd.correlationID,
				Status:        string(upd.status),
				PaymentStatus: upd.paymentStatus,
				Amount:        order.Amount.String(),
				Currency:      order.Currency,
			},
		}
	}
}

// isPaid reports whether the event is the kind-specific terminal "funds
// received" transition. Checkout sessions can complete before their async
// payment clears, so payment status is checked too.
func isPaid(upd update) bool {
	if upd.status != enums.PaidStatusFor(upd.kind) {
		return false
	}
	switch upd.kind {
	case enums.OrderKindOnetimeCheckout, enums.OrderKindSubscriptionCheckout:
		return upd.paymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
	default:
		return true
	}
}

// wasPaid reports whether the stored order had already reached its terminal
// paid state. This guard is what makes replayed deliveries credit only once.
func wasPaid(order *models.PaymentOrder) (bool, error) {
	if order.Status != enums.PaidStatusFor(order.Kind) {
		return false, nil
	}
	switch order.Kind {
	case enums.OrderKindOnetimeCheckout, enums.OrderKindSubscriptionCheckout:
		snap, err := orders.DecodeSnapshot(order.Snapshot)
		if err != nil {
			return false, err
		}
		return snap.Checkout != nil && snap.Checkout.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid), nil
	default:
		return true, nil
	}
}
