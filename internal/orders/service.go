package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/gateway"
	"github.com/perceptra-ai/metering-backend/pkg/db"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
)

// CancelOutcome reports what a cancel-by-kind call found.
type CancelOutcome string

const (
	// CancelOutcomeCanceled means the outstanding order was canceled.
	CancelOutcomeCanceled CancelOutcome = "canceled"
	// CancelOutcomeSkipped means the order exists but its status is not
	// cancelable.
	CancelOutcomeSkipped CancelOutcome = "skipped"
	// CancelOutcomeNone means no operation of the kind was outstanding.
	CancelOutcomeNone CancelOutcome = "none"
	// CancelOutcomeUnknown means the account referenced an order that does
	// not exist; the dangling id was cleared.
	CancelOutcomeUnknown CancelOutcome = "unknown"
)

type ledger interface {
	FindByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	FindByOwnerTx(ctx context.Context, tx *gorm.DB, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	GetOrCreateForOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	StampCorrelationIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, id string) error
	ClearCorrelationIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, expectedID string) (bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the order store: payment-order bookkeeping plus the cancel
// flows that keep orders and account correlation ids consistent.
type Service struct {
	repo     Repository
	ledger   ledger
	gateway  gateway.Gateway
	txRunner txRunner
	logger   *logger.Logger
}

// ServiceParams groups order store dependencies.
type ServiceParams struct {
	Repo              Repository
	Ledger            ledger
	Gateway           gateway.Gateway
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// NewService wires the order store.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
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
	return &Service{
		repo:     params.Repo,
		ledger:   params.Ledger,
		gateway:  params.Gateway,
		txRunner: params.TransactionRunner,
		logger:   params.Logger,
	}, nil
}

// CreateOrderTx inserts an order inside the caller's transaction. If the
// surrounding operation fails after the gateway-side object was created, the
// caller must void or cancel that object before propagating the error, so no
// external charge is left without a local record.
func (s *Service) CreateOrderTx(ctx context.Context, tx *gorm.DB, ownerType enums.OwnerType, ownerID uuid.UUID, snap Snapshot) (*models.PaymentOrder, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if !snap.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order kind")
	}
	correlationID := snap.CorrelationID()
	if correlationID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "snapshot has no correlation id")
	}

	amount, err := snap.Amount()
	if err != nil {
		return nil, err
	}
	payload, hash, err := snap.Encode()
	if err != nil {
		return nil, err
	}

	order := &models.PaymentOrder{
		Kind:          snap.Kind,
		CorrelationID: correlationID,
		Status:        snap.Status(),
		Amount:        amount,
		Currency:      snap.Currency(),
		Snapshot:      payload,
		SnapshotHash:  hash,
	}
	owned := ownerID
	if ownerType == enums.OwnerTypeOrganization {
		order.OwnerOrgID = &owned
	} else {
		order.OwnerUserID = &owned
	}
	if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "an order with this correlation id already exists")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert payment order")
	}
	return order, nil
}

// FindByKindCorrelation exposes the correlation lookup.
func (s *Service) FindByKindCorrelation(ctx context.Context, kind enums.OrderKind, correlationID string) (*models.PaymentOrder, error) {
	return s.repo.FindByKindCorrelation(ctx, kind, correlationID)
}

// CancelOrder cancels one order in its own transaction. Returns false when
// the order's status is not cancelable, unless forceCancel turns that into
// an error.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, forceCancel bool) (bool, error) {
	var canceled bool
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		canceled, err = s.CancelOrderTx(ctx, tx, orderID, forceCancel)
		return err
	})
	return canceled, err
}

// CancelOrderTx is the transactional core of CancelOrder: row-locks the
// order, gates on the cancelable status set, invokes the kind-appropriate
// gateway teardown, records the resulting terminal status, and clears the
// account's correlation id when it still points at this order.
func (s *Service) CancelOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, forceCancel bool) (bool, error) {
	repo := s.repo.WithTx(tx)
	order, err := repo.LockByID(ctx, orderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment order")
	}

	if !order.Status.IsCancelable() {
		if forceCancel {
			return false, pkgerrors.New(pkgerrors.CodeOrderNotCancelable, "order status "+string(order.Status)+" is not cancelable")
		}
		return false, nil
	}

	snap, err := s.tearDownGatewayObject(ctx, order)
	if err != nil {
		return false, err
	}

	payload, hash, err := snap.Encode()
	if err != nil {
		return false, err
	}
	order.Status = snap.Status()
	order.Snapshot = payload
	order.SnapshotHash = hash
	if err := repo.Save(ctx, order); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist canceled order")
	}

	ownerID := order.OwnerUserID
	if order.OwnerType() == enums.OwnerTypeOrganization {
		ownerID = order.OwnerOrgID
	}
	if ownerID != nil {
		account, err := s.ledger.FindByOwnerTx(ctx, tx, order.OwnerType(), *ownerID)
		if err != nil {
			return false, err
		}
		if account != nil {
			if _, err := s.ledger.ClearCorrelationIDTx(ctx, tx, account.ID, order.Kind, order.CorrelationID); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func (s *Service) tearDownGatewayObject(ctx context.Context, order *models.PaymentOrder) (Snapshot, error) {
	switch order.Kind {
	case enums.OrderKindOnetimeCheckout, enums.OrderKindSubscriptionCheckout:
		sess, err := s.gateway.ExpireCheckout(ctx, order.CorrelationID)
		if err != nil {
			return Snapshot{}, err
		}
		if sess.Status == "" {
			sess.Status = string(enums.OrderStatusExpired)
		}
		return SnapshotFromCheckout(order.Kind, sess, order.Amount, order.Currency), nil
	case enums.OrderKindInvoice:
		inv, err := s.gateway.VoidInvoice(ctx, order.CorrelationID)
		if err != nil {
			return Snapshot{}, err
		}
		if inv.Status == "" {
			inv.Status = string(enums.OrderStatusVoid)
		}
		return SnapshotFromInvoice(inv, order.Amount, order.Currency), nil
	case enums.OrderKindPaymentIntent:
		pi, err := s.gateway.CancelPaymentIntent(ctx, order.CorrelationID)
		if err != nil {
			return Snapshot{}, err
		}
		if pi.Status == "" {
			pi.Status = string(enums.OrderStatusCanceled)
		}
		return SnapshotFromPaymentIntent(pi, order.Amount, order.Currency), nil
	default:
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeInternal, "unknown order kind "+string(order.Kind))
	}
}

// CancelByKind cancels whatever operation of the kind the owner's account has
// outstanding, in its own transaction.
func (s *Service) CancelByKind(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID, kind enums.OrderKind, forceCancel, failOnInconsistency bool) (CancelOutcome, error) {
	account, err := s.ledger.FindByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return CancelOutcomeNone, err
	}
	if account == nil {
		return CancelOutcomeNone, nil
	}

	outcome := CancelOutcomeNone
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		outcome, err = s.CancelByKindTx(ctx, tx, account, kind, forceCancel, failOnInconsistency)
		return err
	})
	return outcome, err
}

// CancelByKindTx runs cancel-by-kind inside the caller's transaction. The
// recharge orchestrator calls this while already holding the account's row
// lock, so no separate transaction may be opened here.
func (s *Service) CancelByKindTx(ctx context.Context, tx *gorm.DB, account *models.CreditAccount, kind enums.OrderKind, forceCancel, failOnInconsistency bool) (CancelOutcome, error) {
	correlationID := account.CorrelationIDFor(kind)
	if correlationID == nil || *correlationID == "" {
		return CancelOutcomeNone, nil
	}

	order, err := s.repo.WithTx(tx).FindByKindCorrelation(ctx, kind, *correlationID)
	if err != nil {
		return CancelOutcomeNone, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup outstanding order")
	}
	if order == nil {
		if failOnInconsistency {
			return CancelOutcomeNone, pkgerrors.New(pkgerrors.CodeOrderNotFound, "account references order "+*correlationID+" which does not exist")
		}
		ctx = s.logger.WithAccountID(ctx, account.ID.String())
		s.logger.Warn(ctx, "clearing dangling "+string(kind)+" correlation id "+*correlationID)
		if _, err := s.ledger.ClearCorrelationIDTx(ctx, tx, account.ID, kind, *correlationID); err != nil {
			return CancelOutcomeNone, err
		}
		return CancelOutcomeUnknown, nil
	}

	canceled, err := s.CancelOrderTx(ctx, tx, order.ID, forceCancel)
	if err != nil {
		return CancelOutcomeNone, err
	}
	if !canceled {
		return CancelOutcomeSkipped, nil
	}
	return CancelOutcomeCanceled, nil
}
