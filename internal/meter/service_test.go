package meter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/credits"
	"github.com/perceptra-ai/metering-backend/internal/memberships"
	"github.com/perceptra-ai/metering-backend/pkg/config"
	"github.com/perceptra-ai/metering-backend/pkg/db"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	redispkg "github.com/perceptra-ai/metering-backend/pkg/redis"
	"github.com/perceptra-ai/metering-backend/pkg/tasks"
)

var testDDL = []string{
	`CREATE TABLE credit_accounts (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT UNIQUE,
		owner_org_id TEXT UNIQUE,
		balance NUMERIC NOT NULL DEFAULT 0,
		auto_recharge_enabled INTEGER NOT NULL DEFAULT 0,
		auto_recharge_threshold NUMERIC NOT NULL DEFAULT 0,
		auto_recharge_amount NUMERIC NOT NULL DEFAULT 0,
		stripe_customer_id TEXT,
		onetime_session_id TEXT,
		payment_intent_id TEXT,
		subscription_session_id TEXT,
		subscription_id TEXT,
		invoice_id TEXT,
		recharge_in_progress INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE organization_memberships (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		created_at DATETIME,
		UNIQUE (user_id, organization_id)
	)`,
	`CREATE TABLE expense_records (
		id TEXT PRIMARY KEY,
		account_id TEXT,
		payer_user_id TEXT,
		payer_org_id TEXT,
		capability TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		cost NUMERIC,
		details TEXT,
		created_at DATETIME
	)`,
}

type stubCosts struct {
	estimate *decimal.Decimal
	compute  *decimal.Decimal
}

func (c *stubCosts) EstimateCost(capability Capability, params map[string]any) (*decimal.Decimal, error) {
	return c.estimate, nil
}

func (c *stubCosts) ComputeCost(capability Capability, details map[string]any) (*decimal.Decimal, error) {
	return c.compute, nil
}

type rechargeRecorder struct {
	accounts []uuid.UUID
}

func (r *rechargeRecorder) Evaluate(ctx context.Context, account *models.CreditAccount) error {
	r.accounts = append(r.accounts, account.ID)
	return nil
}

type testEnv struct {
	client      *db.Client
	ledger      *credits.Service
	memberships *memberships.Repository
	expenses    Repository
	costs       *stubCosts
	recharge    *rechargeRecorder
	supervisor  *tasks.Supervisor
	meter       *Service
}

func dec(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func newTestEnv(t *testing.T, billing config.BillingConfig) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("failed to get sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, ddl := range testDDL {
		if err := conn.Exec(ddl).Error; err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}

	client := db.NewWithConn(conn)
	ledger, err := credits.NewService(credits.ServiceParams{
		Repo:              credits.NewRepository(conn),
		TransactionRunner: client,
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	mr := miniredis.RunT(t)
	redisClient := redispkg.NewFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	env := &testEnv{
		client:      client,
		ledger:      ledger,
		memberships: memberships.NewRepository(conn),
		expenses:    NewRepository(conn),
		costs:       &stubCosts{},
		recharge:    &rechargeRecorder{},
		supervisor:  tasks.NewSupervisor(logg),
	}

	svc, err := NewService(ServiceParams{
		Ledger:      ledger,
		Memberships: env.memberships,
		Expenses:    env.expenses,
		Quota:       redisClient,
		Costs:       env.costs,
		Recharge:    env.recharge,
		Supervisor:  env.supervisor,
		Logger:      logg,
		Billing:     billing,
	})
	if err != nil {
		t.Fatalf("failed to build meter: %v", err)
	}
	env.meter = svc
	return env
}

func defaultBilling() config.BillingConfig {
	return config.BillingConfig{
		PlatformFeePercent: 10,
		FreeQuotaPerDay:    2,
		FreeQuotaTimeout:   2 * time.Second,
	}
}

func (e *testEnv) seedUser(t *testing.T, balance string) Requester {
	t.Helper()
	userID := uuid.New()
	account, err := e.ledger.GetOrCreateForOwner(context.Background(), enums.OwnerTypeUser, userID)
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	account.Balance = decimal.RequireFromString(balance)
	if err := e.client.DB().Save(account).Error; err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
	return Requester{UserID: userID}
}

func (e *testEnv) seedOrg(t *testing.T, requester Requester, balance string, createdAt time.Time) *models.CreditAccount {
	t.Helper()
	ctx := context.Background()
	org := &models.Organization{Name: "org-" + uuid.NewString()[:8], CreatedAt: createdAt}
	if err := e.memberships.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("failed to create org: %v", err)
	}
	if _, err := e.memberships.CreateMembership(ctx, requester.UserID, org.ID); err != nil {
		t.Fatalf("failed to create membership: %v", err)
	}
	account, err := e.ledger.GetOrCreateForOwner(ctx, enums.OwnerTypeOrganization, org.ID)
	if err != nil {
		t.Fatalf("failed to create org account: %v", err)
	}
	account.Balance = decimal.RequireFromString(balance)
	if err := e.client.DB().Save(account).Error; err != nil {
		t.Fatalf("failed to seed org balance: %v", err)
	}
	return account
}

func (e *testEnv) balanceOf(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	var account models.CreditAccount
	if err := e.client.DB().Where("id = ?", accountID).First(&account).Error; err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	return account.Balance.String()
}

func (e *testEnv) expenseCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := e.client.DB().Model(&models.ExpenseRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count expenses: %v", err)
	}
	return count
}

var chatCapability = Capability{
	Kind:       enums.CapabilityKindChatCompletion,
	Model:      "gpt-test",
	Provider:   "openai",
	Chargeable: true,
}

func TestOrgCoversWhatPersonalCannot(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "2.00")
	orgAccount := env.seedOrg(t, requester, "10.00", time.Now())

	env.costs.estimate = dec("3.5")
	env.costs.compute = dec("3.5")

	if err := env.meter.CanAfford(ctx, requester, chatCapability, nil, false); err != nil {
		t.Fatalf("expected org to cover the estimate: %v", err)
	}
	if err := env.meter.BillGeneration(ctx, requester, chatCapability, false, nil); err != nil {
		t.Fatalf("billing failed: %v", err)
	}

	personal, err := env.ledger.FindByOwner(ctx, enums.OwnerTypeUser, requester.UserID)
	if err != nil {
		t.Fatalf("reload personal failed: %v", err)
	}
	if got := personal.Balance.String(); got != "2" {
		t.Fatalf("personal balance must be untouched, got %s", got)
	}
	if got := env.balanceOf(t, orgAccount.ID); got != "6.5" {
		t.Fatalf("expected org balance 6.5, got %s", got)
	}
}

func TestOverdraftDebitsLargestBalance(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "1.00")
	orgAccount := env.seedOrg(t, requester, "2.00", time.Now())

	env.costs.compute = dec("3.5")

	if err := env.meter.BillGeneration(ctx, requester, chatCapability, false, nil); err != nil {
		t.Fatalf("billing failed: %v", err)
	}

	if got := env.balanceOf(t, orgAccount.ID); got != "-1.5" {
		t.Fatalf("expected overdrafted org balance -1.5, got %s", got)
	}
	if count := env.expenseCount(t); count != 1 {
		t.Fatalf("expected one expense record, got %d", count)
	}
	if len(env.recharge.accounts) != 1 || env.recharge.accounts[0] != orgAccount.ID {
		t.Fatalf("expected one recharge evaluation for the org account, got %v", env.recharge.accounts)
	}
}

func TestFreeQuotaPathNeverTouchesLedger(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "5.00")
	env.costs.estimate = nil
	env.costs.compute = nil

	// Quota is 2 per day.
	for i := 0; i < 2; i++ {
		if err := env.meter.CanAfford(ctx, requester, chatCapability, nil, false); err != nil {
			t.Fatalf("free call %d rejected: %v", i+1, err)
		}
	}
	err := env.meter.CanAfford(ctx, requester, chatCapability, nil, false)
	if !pkgerrors.HasCode(err, pkgerrors.CodeFreeQuotaExceeded) {
		t.Fatalf("expected FREE_QUOTA_EXCEEDED, got %v", err)
	}

	if err := env.meter.BillGeneration(ctx, requester, chatCapability, false, nil); err != nil {
		t.Fatalf("zero-cost billing failed: %v", err)
	}

	personal, err := env.ledger.FindByOwner(ctx, enums.OwnerTypeUser, requester.UserID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := personal.Balance.String(); got != "5" {
		t.Fatalf("ledger must be untouched, got %s", got)
	}

	records, err := env.expenses.ListByAccount(ctx, personal.ID, 10)
	if err != nil {
		t.Fatalf("list expenses failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("free-quota record must not reference an account, got %d", len(records))
	}
	if count := env.expenseCount(t); count != 1 {
		t.Fatalf("expected one zero-cost expense record, got %d", count)
	}
}

func TestByokScalesChargeByPlatformFee(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "10.00")
	env.costs.compute = dec("30")

	// Not chargeable without byok.
	notChargeable := chatCapability
	notChargeable.Chargeable = false
	if err := env.meter.CanAfford(ctx, requester, notChargeable, nil, false); !pkgerrors.HasCode(err, pkgerrors.CodeNotChargeable) {
		t.Fatalf("expected NOT_CHARGEABLE, got %v", err)
	}

	if err := env.meter.BillGeneration(ctx, requester, notChargeable, true, nil); err != nil {
		t.Fatalf("byok billing failed: %v", err)
	}

	personal, err := env.ledger.FindByOwner(ctx, enums.OwnerTypeUser, requester.UserID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	// 10% platform fee on a 30 compute cost.
	if got := personal.Balance.String(); got != "7" {
		t.Fatalf("expected balance 7 after byok fee, got %s", got)
	}
}

func TestNegativeBalanceIsSurfaced(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "-0.50")
	env.costs.estimate = dec("1")

	err := env.meter.CanAfford(ctx, requester, chatCapability, nil, false)
	if !pkgerrors.HasCode(err, pkgerrors.CodeNegativeBalance) {
		t.Fatalf("expected NEGATIVE_BALANCE, got %v", err)
	}
}

func TestOnBehalfOfOrgIsMembershipGated(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "5.00")
	orgAccount := env.seedOrg(t, requester, "5.00", time.Now())

	scoped := Requester{UserID: requester.UserID, OnBehalfOfOrg: orgAccount.OwnerOrgID}
	candidates, err := env.meter.ResolveCandidates(ctx, scoped)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != orgAccount.ID {
		t.Fatalf("expected exactly the org account, got %d candidates", len(candidates))
	}

	strangerOrg := uuid.New()
	outsider := Requester{UserID: requester.UserID, OnBehalfOfOrg: &strangerOrg}
	candidates, err = env.meter.ResolveCandidates(ctx, outsider)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("non-member must get no candidates, got %d", len(candidates))
	}

	err = env.meter.CanAfford(ctx, outsider, chatCapability, nil, false)
	if !pkgerrors.HasCode(err, pkgerrors.CodeNoPayerAvailable) {
		t.Fatalf("expected NO_PAYER_AVAILABLE, got %v", err)
	}
}

func TestResolveCandidatesOrdersOrgsByRecency(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "0")
	older := env.seedOrg(t, requester, "0", time.Now().Add(-2*time.Hour))
	newer := env.seedOrg(t, requester, "0", time.Now().Add(-1*time.Hour))

	candidates, err := env.meter.ResolveCandidates(ctx, requester)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected personal plus two orgs, got %d", len(candidates))
	}
	if candidates[0].OwnerUserID == nil {
		t.Fatal("personal account must come first")
	}
	if candidates[1].ID != newer.ID || candidates[2].ID != older.ID {
		t.Fatal("org accounts must be ordered by most recently created organization")
	}
}

func TestScheduleBillDrainsThroughSupervisor(t *testing.T) {
	env := newTestEnv(t, defaultBilling())
	ctx := context.Background()

	requester := env.seedUser(t, "5.00")
	env.costs.compute = dec("2")

	if err := env.meter.ScheduleBill(ctx, requester, chatCapability, false, map[string]any{"tokens": 120}); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.supervisor.Shutdown(drainCtx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	personal, err := env.ledger.FindByOwner(ctx, enums.OwnerTypeUser, requester.UserID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := personal.Balance.String(); got != "3" {
		t.Fatalf("expected balance 3 after drained billing, got %s", got)
	}
}
