package meter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/pkg/config"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	"github.com/perceptra-ai/metering-backend/pkg/metrics"
)

type ledger interface {
	GetOrCreateForOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.CreditAccount, error)
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*models.CreditAccount, error)
}

type membershipStore interface {
	ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]models.Organization, error)
	IsMember(ctx context.Context, userID, organizationID uuid.UUID) (bool, error)
}

type quotaLimiter interface {
	FixedWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
	FreeQuotaKey(requesterID, day string) string
}

type rechargeEvaluator interface {
	Evaluate(ctx context.Context, account *models.CreditAccount) error
}

type scheduler interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Service is the expense meter: payer candidate resolution, affordability
// checks, billing with overdraft policy, and the free-quota fast path.
type Service struct {
	ledger      ledger
	memberships membershipStore
	expenses    Repository
	quota       quotaLimiter
	costs       CostModel
	recharge    rechargeEvaluator
	supervisor  scheduler
	logger      *logger.Logger
	metrics     *metrics.BillingMetrics
	billing     config.BillingConfig
}

// ServiceParams groups meter dependencies. Recharge may be nil when
// auto-recharge is not wired (tests).
type ServiceParams struct {
	Ledger      ledger
	Memberships membershipStore
	Expenses    Repository
	Quota       quotaLimiter
	Costs       CostModel
	Recharge    rechargeEvaluator
	Supervisor  scheduler
	Logger      *logger.Logger
	Metrics     *metrics.BillingMetrics
	Billing     config.BillingConfig
}

// NewService wires the expense meter.
func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.Memberships == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "memberships required")
	}
	if params.Expenses == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "expenses repo required")
	}
	if params.Quota == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "quota limiter required")
	}
	if params.Costs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cost model required")
	}
	if params.Supervisor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "supervisor required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		ledger:      params.Ledger,
		memberships: params.Memberships,
		expenses:    params.Expenses,
		quota:       params.Quota,
		costs:       params.Costs,
		recharge:    params.Recharge,
		supervisor:  params.Supervisor,
		logger:      params.Logger,
		metrics:     params.Metrics,
		billing:     params.Billing,
	}, nil
}

// ResolveCandidates returns the payer accounts for the requester in charge
// order. Acting on behalf of one organization narrows the list to exactly
// that organization's account, membership-gated. Otherwise the personal
// account comes first, then organization accounts ordered by most recently
// created organization.
func (s *Service) ResolveCandidates(ctx context.Context, requester Requester) ([]*models.CreditAccount, error) {
	if requester.OnBehalfOfOrg != nil {
		member, err := s.memberships.IsMember(ctx, requester.UserID, *requester.OnBehalfOfOrg)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check membership")
		}
		if !member {
			return nil, nil
		}
		account, err := s.ledger.GetOrCreateForOwner(ctx, enums.OwnerTypeOrganization, *requester.OnBehalfOfOrg)
		if err != nil {
			return nil, err
		}
		return []*models.CreditAccount{account}, nil
	}

	personal, err := s.ledger.GetOrCreateForOwner(ctx, enums.OwnerTypeUser, requester.UserID)
	if err != nil {
		return nil, err
	}
	candidates := []*models.CreditAccount{personal}

	orgs, err := s.memberships.ListUserOrganizations(ctx, requester.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list organizations")
	}
	for _, org := range orgs {
		account, err := s.ledger.GetOrCreateForOwner(ctx, enums.OwnerTypeOrganization, org.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, account)
	}
	return candidates, nil
}

// CanAfford decides whether the request may proceed. Zero or absent
// estimated cost goes through the free-quota window instead of the ledger.
func (s *Service) CanAfford(ctx context.Context, requester Requester, capability Capability, params map[string]any, byok bool) error {
	if !capability.Chargeable && !byok {
		return pkgerrors.New(pkgerrors.CodeNotChargeable, "capability "+capability.Model+" is not chargeable")
	}

	candidates, err := s.ResolveCandidates(ctx, requester)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return pkgerrors.New(pkgerrors.CodeNoPayerAvailable, "no payer account available")
	}
	if err := s.checkNonNegative(ctx, candidates); err != nil {
		return err
	}

	estimate, err := s.costs.EstimateCost(capability, params)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "estimate cost")
	}
	if estimate == nil || estimate.IsZero() {
		return s.consumeFreeQuota(ctx, requester)
	}

	for _, candidate := range candidates {
		if candidate.Balance.GreaterThanOrEqual(*estimate) {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeInsufficientCredits, "no candidate account covers the estimated cost")
}

// checkNonNegative surfaces an already-negative balance. That state means a
// prior accounting bug, so it fails the request loudly instead of being
// clamped.
func (s *Service) checkNonNegative(ctx context.Context, candidates []*models.CreditAccount) error {
	for _, candidate := range candidates {
		if candidate.Balance.IsNegative() {
			err := pkgerrors.New(pkgerrors.CodeNegativeBalance, "account "+candidate.ID.String()+" has a negative balance")
			s.logger.Error(s.logger.WithAccountID(ctx, candidate.ID.String()), "negative balance detected at affordability check", err)
			return err
		}
	}
	return nil
}

// consumeFreeQuota takes one unit from the requester's daily window. The
// limiter gets a short deadline; on timeout or error the check fails open,
// since the guarded path is zero-cost anyway.
func (s *Service) consumeFreeQuota(ctx context.Context, requester Requester) error {
	timeout := s.billing.FreeQuotaTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	quotaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	day := time.Now().UTC().Format("2006-01-02")
	key := s.quota.FreeQuotaKey(requester.UserID.String(), day)
	allowed, _, err := s.quota.FixedWindowAllow(quotaCtx, key, s.billing.FreeQuotaPerDay, 24*time.Hour)
	if err != nil {
		s.logger.Warn(ctx, "free-quota limiter unavailable, failing open: "+err.Error())
		s.metrics.IncQuotaTimeout()
		return nil
	}
	if !allowed {
		return pkgerrors.New(pkgerrors.CodeFreeQuotaExceeded, "daily free quota exhausted")
	}
	return nil
}

// ScheduleBill hands the billing step to the supervisor so it completes
// after the response without blocking it. Billing is not cancelable once the
// call has returned a chargeable result.
func (s *Service) ScheduleBill(ctx context.Context, requester Requester, capability Capability, byok bool, details map[string]any) error {
	return s.supervisor.Go(ctx, "bill-generation", func(ctx context.Context) error {
		return s.BillGeneration(ctx, requester, capability, byok, details)
	})
}

// BillGeneration charges the actual cost of a completed call: the first
// candidate able to cover it pays, otherwise the largest balance is
// overdrafted. Every billed or free call leaves one expense record.
func (s *Service) BillGeneration(ctx context.Context, requester Requester, capability Capability, byok bool, details map[string]any) error {
	candidates, err := s.ResolveCandidates(ctx, requester)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return pkgerrors.New(pkgerrors.CodeNoPayerAvailable, "no payer account available")
	}
	if err := s.checkNonNegative(ctx, candidates); err != nil {
		return err
	}

	cost, err := s.costs.ComputeCost(capability, details)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "compute cost")
	}
	if cost == nil || cost.IsZero() {
		s.metrics.IncBillingOutcome("free_quota")
		return s.recordExpense(ctx, requester, nil, capability, nil, details)
	}

	charged := *cost
	if byok {
		charged = charged.Mul(decimal.NewFromInt(int64(s.billing.PlatformFeePercent))).Div(decimal.NewFromInt(100))
	}

	payer := s.pickPayer(candidates, charged)
	overdraft := payer.Balance.LessThan(charged)

	updated, err := s.ledger.Debit(ctx, payer.ID, charged)
	if err != nil {
		return err
	}
	if overdraft {
		s.metrics.IncOverdraft()
		s.metrics.IncBillingOutcome("overdraft")
		overdraftErr := pkgerrors.New(pkgerrors.CodeInsufficientCredits, "no candidate covered the cost, overdrafted max-balance account")
		s.logger.Error(s.logger.WithAccountID(ctx, updated.ID.String()), "overdraft debit", overdraftErr)
	} else {
		s.metrics.IncBillingOutcome("charged")
	}

	if err := s.recordExpense(ctx, requester, updated, capability, &charged, details); err != nil {
		return err
	}

	if s.recharge != nil {
		if err := s.recharge.Evaluate(ctx, updated); err != nil {
			s.logger.Error(s.logger.WithAccountID(ctx, updated.ID.String()), "auto-recharge evaluation failed", err)
		}
	}
	return nil
}

// pickPayer returns the first candidate able to cover the charge, falling
// back to the largest balance.
func (s *Service) pickPayer(candidates []*models.CreditAccount, charged decimal.Decimal) *models.CreditAccount {
	for _, candidate := range candidates {
		if candidate.Balance.GreaterThanOrEqual(charged) {
			return candidate
		}
	}
	richest := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Balance.GreaterThan(richest.Balance) {
			richest = candidate
		}
	}
	return richest
}

func (s *Service) recordExpense(ctx context.Context, requester Requester, account *models.CreditAccount, capability Capability, cost *decimal.Decimal, details map[string]any) error {
	record := &models.ExpenseRecord{
		Capability: capability.Kind,
		Model:      capability.Model,
		Cost:       cost,
	}
	if account != nil {
		id := account.ID
		record.AccountID = &id
		record.PayerUserID = account.OwnerUserID
		record.PayerOrgID = account.OwnerOrgID
	} else {
		userID := requester.UserID
		record.PayerUserID = &userID
	}
	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode call details")
		}
		record.Details = payload
	}
	if err := s.expenses.Create(ctx, record); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert expense record")
	}
	return nil
}
