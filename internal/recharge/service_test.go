package recharge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/internal/credits"
	"github.com/perceptra-ai/metering-backend/internal/gateway"
	"github.com/perceptra-ai/metering-backend/internal/orders"
	"github.com/perceptra-ai/metering-backend/pkg/config"
	"github.com/perceptra-ai/metering-backend/pkg/db"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
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
	`CREATE TABLE payment_orders (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT,
		owner_org_id TEXT,
		kind TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		snapshot TEXT,
		snapshot_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (kind, correlation_id)
	)`,
}

type stubGateway struct {
	mu sync.Mutex

	defaultPM string
	listedPMs []gateway.PaymentMethod
	invoiceID string

	invoicesCreated int
	intentsCreated  int
	invoicesVoided  int
	intentsCanceled int
}

func (g *stubGateway) CreateCheckout(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	return nil, fmt.Errorf("not implemented")
}

func (g *stubGateway) CreateInvoice(ctx context.Context, params gateway.InvoiceParams) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoicesCreated++
	id := g.invoiceID
	if id == "" {
		id = fmt.Sprintf("in_%d", g.invoicesCreated)
	}
	return &gateway.Invoice{ID: id, Status: "open"}, nil
}

func (g *stubGateway) CreatePaymentIntent(ctx context.Context, params gateway.PaymentIntentParams) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentsCreated++
	return &gateway.PaymentIntent{ID: fmt.Sprintf("pi_%d", g.intentsCreated), Status: "processing"}, nil
}

func (g *stubGateway) VoidInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoicesVoided++
	return &gateway.Invoice{ID: invoiceID, Status: "void"}, nil
}

func (g *stubGateway) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentsCanceled++
	return &gateway.PaymentIntent{ID: paymentIntentID, Status: "canceled"}, nil
}

func (g *stubGateway) ExpireCheckout(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	return &gateway.CheckoutSession{ID: sessionID, Status: "expired"}, nil
}

func (g *stubGateway) RetrieveCustomer(ctx context.Context, customerID string) (*gateway.Customer, error) {
	return &gateway.Customer{ID: customerID, DefaultPaymentMethodID: g.defaultPM}, nil
}

func (g *stubGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]gateway.PaymentMethod, error) {
	return g.listedPMs, nil
}

type testEnv struct {
	client   *db.Client
	ledger   *credits.Service
	accounts credits.Repository
	orders   *orders.Service
	gateway  *stubGateway
	recharge *Service
}

func newTestEnv(t *testing.T) *testEnv {
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
	accountsRepo := credits.NewRepository(conn)
	ledger, err := credits.NewService(credits.ServiceParams{
		Repo:              accountsRepo,
		TransactionRunner: client,
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	gw := &stubGateway{defaultPM: "pm_default"}

	orderSvc, err := orders.NewService(orders.ServiceParams{
		Repo:              orders.NewRepository(conn),
		Ledger:            ledger,
		Gateway:           gw,
		TransactionRunner: client,
		Logger:            logg,
	})
	if err != nil {
		t.Fatalf("failed to build orders: %v", err)
	}

	svc, err := NewService(ServiceParams{
		Accounts:          accountsRepo,
		Orders:            orderSvc,
		Gateway:           gw,
		TransactionRunner: client,
		Logger:            logg,
		Billing:           config.BillingConfig{PlatformFeePercent: 10},
	})
	if err != nil {
		t.Fatalf("failed to build recharge: %v", err)
	}
	return &testEnv{client: client, ledger: ledger, accounts: accountsRepo, orders: orderSvc, gateway: gw, recharge: svc}
}

func (e *testEnv) seedAccount(t *testing.T, balance, threshold, amount string) *models.CreditAccount {
	t.Helper()
	account, err := e.ledger.GetOrCreateForOwner(context.Background(), enums.OwnerTypeUser, uuid.New())
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	customerID := "cus_" + uuid.NewString()[:8]
	account.Balance = decimal.RequireFromString(balance)
	account.AutoRechargeEnabled = true
	account.AutoRechargeThreshold = decimal.RequireFromString(threshold)
	account.AutoRechargeAmount = decimal.RequireFromString(amount)
	account.StripeCustomerID = &customerID
	if err := e.client.DB().Save(account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func (e *testEnv) reload(t *testing.T, account *models.CreditAccount) *models.CreditAccount {
	t.Helper()
	reloaded, err := e.accounts.FindByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	return reloaded
}

func (e *testEnv) orderCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := e.client.DB().Model(&models.PaymentOrder{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count orders: %v", err)
	}
	return count
}

func TestEvaluateAboveThresholdIsNoop(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "10", "5", "20")

	if err := env.recharge.Evaluate(context.Background(), account); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if env.gateway.invoicesCreated != 0 {
		t.Fatal("no gateway operation expected above threshold")
	}
}

func TestEvaluateCreatesInvoiceAndStampsAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "2", "5", "20")

	if err := env.recharge.Evaluate(ctx, account); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if env.gateway.invoicesCreated != 1 {
		t.Fatalf("expected one invoice, got %d", env.gateway.invoicesCreated)
	}

	reloaded := env.reload(t, account)
	if !reloaded.RechargeInProgress {
		t.Fatal("expected recharge-in-progress flag")
	}
	if reloaded.InvoiceID == nil {
		t.Fatal("expected stamped invoice id")
	}

	order, err := env.orders.FindByKindCorrelation(ctx, enums.OrderKindInvoice, *reloaded.InvoiceID)
	if err != nil {
		t.Fatalf("order lookup failed: %v", err)
	}
	if order == nil {
		t.Fatal("expected an order row")
	}
	// The order carries the credit amount; the platform fee only affects the
	// gateway charge.
	if !order.Amount.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected order amount 20, got %s", order.Amount)
	}
}

func TestFallbackPaymentMethodUsesOffSessionIntent(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.defaultPM = ""
	env.gateway.listedPMs = []gateway.PaymentMethod{{ID: "pm_card", Brand: "visa", Last4: "4242"}}
	account := env.seedAccount(t, "1", "5", "10")

	if err := env.recharge.Evaluate(context.Background(), account); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if env.gateway.intentsCreated != 1 || env.gateway.invoicesCreated != 0 {
		t.Fatalf("expected one off-session intent, got intents=%d invoices=%d", env.gateway.intentsCreated, env.gateway.invoicesCreated)
	}

	reloaded := env.reload(t, account)
	if reloaded.PaymentIntentID == nil {
		t.Fatal("expected stamped payment intent id")
	}
}

func TestNoPaymentMethodIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.defaultPM = ""
	env.gateway.listedPMs = nil
	account := env.seedAccount(t, "1", "5", "10")

	if err := env.recharge.Evaluate(context.Background(), account); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if env.gateway.invoicesCreated != 0 || env.gateway.intentsCreated != 0 {
		t.Fatal("no gateway operation expected without a payment method")
	}
	if env.reload(t, account).RechargeInProgress {
		t.Fatal("account must stay unstamped")
	}
}

func TestTriggerReportsMissingPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.defaultPM = ""
	env.gateway.listedPMs = nil
	account := env.seedAccount(t, "1", "5", "10")

	err := env.recharge.Trigger(context.Background(), account.ID, false)
	if !pkgerrors.HasCode(err, pkgerrors.CodeNoPaymentMethod) {
		t.Fatalf("expected NO_PAYMENT_METHOD, got %v", err)
	}
	if env.gateway.invoicesCreated != 0 || env.gateway.intentsCreated != 0 {
		t.Fatal("no gateway operation expected without a payment method")
	}
}

func TestConcurrentEvaluationsCreateOneOperation(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "2", "5", "20")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.recharge.Evaluate(context.Background(), account); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent evaluate failed: %v", err)
	}

	if env.gateway.invoicesCreated != 1 {
		t.Fatalf("expected exactly one invoice, got %d", env.gateway.invoicesCreated)
	}
	if count := env.orderCount(t); count != 1 {
		t.Fatalf("expected exactly one order, got %d", count)
	}
}

func TestRecreateCancelsOutstandingOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "2", "5", "20")

	if err := env.recharge.Evaluate(ctx, account); err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	firstID := *env.reload(t, account).InvoiceID

	if err := env.recharge.Trigger(ctx, account.ID, true); err != nil {
		t.Fatalf("recreate failed: %v", err)
	}

	reloaded := env.reload(t, account)
	if reloaded.InvoiceID == nil || *reloaded.InvoiceID == firstID {
		t.Fatalf("expected a new invoice id, got %+v", reloaded.InvoiceID)
	}
	if env.gateway.invoicesVoided != 1 {
		t.Fatalf("expected the first invoice voided, got %d", env.gateway.invoicesVoided)
	}

	first, err := env.orders.FindByKindCorrelation(ctx, enums.OrderKindInvoice, firstID)
	if err != nil {
		t.Fatalf("order lookup failed: %v", err)
	}
	if first.Status != enums.OrderStatusVoid {
		t.Fatalf("expected first order voided, got %s", first.Status)
	}
}

func TestOrderInsertFailureUnwindsGatewayObject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, "2", "5", "20")

	// Force the insert to collide with a pre-existing order row.
	env.gateway.invoiceID = "in_dup"
	existing := orders.SnapshotFromInvoice(&gateway.Invoice{ID: "in_dup", Status: "open"}, decimal.RequireFromString("20"), "usd")
	err := env.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := env.orders.CreateOrderTx(ctx, tx, enums.OwnerTypeUser, *account.OwnerUserID, existing)
		return err
	})
	if err != nil {
		t.Fatalf("seed order failed: %v", err)
	}

	if err := env.recharge.Trigger(ctx, account.ID, false); err == nil {
		t.Fatal("expected insert collision to fail the trigger")
	}
	if env.gateway.invoicesVoided != 1 {
		t.Fatalf("expected the just-created invoice voided, got %d", env.gateway.invoicesVoided)
	}

	reloaded := env.reload(t, account)
	if reloaded.RechargeInProgress {
		t.Fatal("failed trigger must not leave the account stamped")
	}

	if count := env.orderCount(t); count != 1 {
		t.Fatalf("expected only the seeded order, got %d", count)
	}
}
