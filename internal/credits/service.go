package credits

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
)

// creditScale is the fixed precision credits are rounded up to; crediting a
// hair more than owed beats accumulating fractional drift against users.
const creditScale = 8

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the ledger. Every mutation runs under the account's row lock so
// concurrent debits serialize and never lose an update. No balance floor is
// enforced here; overdraft is the meter's policy decision.
type Service struct {
	repo     Repository
	txRunner txRunner
}

// ServiceParams groups ledger dependencies.
type ServiceParams struct {
	Repo              Repository
	TransactionRunner txRunner
}

// NewService wires the ledger service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credits repo required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Service{repo: params.Repo, txRunner: params.TransactionRunner}, nil
}

// FindByOwner returns the owner's account, or nil when none exists yet.
func (s *Service) FindByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error) {
	account, err := s.repo.FindByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit account")
	}
	return account, nil
}

// FindByOwnerTx is FindByOwner bound to an open transaction. Callers that
// hold a transaction must use this variant so the lookup shares its
// connection.
func (s *Service) FindByOwnerTx(ctx context.Context, tx *gorm.DB, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	account, err := s.repo.WithTx(tx).FindByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit account")
	}
	return account, nil
}

// GetOrCreateForOwner returns the owner's account, creating it lazily.
func (s *Service) GetOrCreateForOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error) {
	if !ownerType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid owner type")
	}
	if ownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}

	existing, err := s.repo.FindByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit account")
	}
	if existing != nil {
		return existing, nil
	}

	account := &models.CreditAccount{Balance: decimal.Zero}
	owned := ownerID
	if ownerType == enums.OwnerTypeOrganization {
		account.OwnerOrgID = &owned
	} else {
		account.OwnerUserID = &owned
	}
	if err := s.repo.Create(ctx, account); err != nil {
		// A concurrent creator may have won; reload instead of failing.
		reloaded, findErr := s.repo.FindByOwner(ctx, ownerType, ownerID)
		if findErr == nil && reloaded != nil {
			return reloaded, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create credit account")
	}
	return account, nil
}

// Debit subtracts amount from the account under its row lock and returns the
// updated account. The balance may go negative.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*models.CreditAccount, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if amount.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "debit amount must be non-negative")
	}

	var updated *models.CreditAccount
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := repo.LockByID(ctx, accountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit account")
		}
		account.Balance = account.Balance.Sub(amount)
		if err := repo.Save(ctx, account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist debit")
		}
		updated = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreditTx adds amount to the account inside the caller's transaction,
// rounding up to the fixed credit precision. Used by the reconciler only.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, amount decimal.Decimal) (*models.CreditAccount, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if amount.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credit amount must be non-negative")
	}

	repo := s.repo.WithTx(tx)
	account, err := repo.LockByID(ctx, accountID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit account")
	}
	account.Balance = account.Balance.Add(amount.RoundUp(creditScale))
	if err := repo.Save(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist credit")
	}
	return account, nil
}

// SettleTx applies a terminal "funds received" settlement inside the caller's
// transaction: credits the amount, clears the kind's correlation id when it
// still points at correlationID, and lifts the recharge-in-progress flag.
func (s *Service) SettleTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, correlationID string, amount decimal.Decimal) (*models.CreditAccount, error) {
	account, err := s.CreditTx(ctx, tx, accountID, amount)
	if err != nil {
		return nil, err
	}
	if current := account.CorrelationIDFor(kind); current != nil && *current == correlationID {
		account.SetCorrelationID(kind, nil)
	}
	account.RechargeInProgress = false
	if err := s.repo.WithTx(tx).Save(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist settlement")
	}
	return account, nil
}

// SetSubscriptionIDTx stamps (or clears, with nil) the account's active
// subscription id inside the caller's transaction.
func (s *Service) SetSubscriptionIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, subscriptionID *string) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	repo := s.repo.WithTx(tx)
	account, err := repo.LockByID(ctx, accountID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit account")
	}
	account.SubscriptionID = subscriptionID
	if err := repo.Save(ctx, account); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp subscription id")
	}
	return nil
}

// StampCorrelationIDTx records a new outstanding gateway id for the kind
// inside the caller's transaction. The row lock makes the vacancy check and
// the write atomic: a second stamp for the same kind fails with a conflict
// instead of silently orphaning the first operation.
func (s *Service) StampCorrelationIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, id string) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	repo := s.repo.WithTx(tx)
	account, err := repo.LockByID(ctx, accountID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit account")
	}
	if current := account.CorrelationIDFor(kind); current != nil && *current != id {
		return pkgerrors.New(pkgerrors.CodeConflict, "an operation of this kind is already outstanding")
	}
	account.SetCorrelationID(kind, &id)
	if err := repo.Save(ctx, account); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp correlation id")
	}
	return nil
}

// ClearCorrelationIDTx clears the outstanding id for kind only when it still
// equals expectedID, inside the caller's transaction. Returns whether the
// field was cleared; a stale reconciliation must not erase a newer in-flight
// operation.
func (s *Service) ClearCorrelationIDTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, kind enums.OrderKind, expectedID string) (bool, error) {
	if tx == nil {
		return false, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if !kind.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "invalid order kind")
	}

	repo := s.repo.WithTx(tx)
	account, err := repo.LockByID(ctx, accountID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit account")
	}
	current := account.CorrelationIDFor(kind)
	if current == nil || *current != expectedID {
		return false, nil
	}
	account.SetCorrelationID(kind, nil)
	if err := repo.Save(ctx, account); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear correlation id")
	}
	return true, nil
}
