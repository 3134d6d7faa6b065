package credits

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perceptra-ai/metering-backend/pkg/db"
	"github.com/perceptra-ai/metering-backend/pkg/db/models"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
)

const creditAccountsDDL = `
CREATE TABLE credit_accounts (
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
)`

func newTestService(t *testing.T) (*Service, *db.Client) {
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
	// One connection keeps shared-cache sqlite stable under concurrent
	// transactions.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.Exec(creditAccountsDDL).Error; err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	client := db.NewWithConn(conn)
	svc, err := NewService(ServiceParams{Repo: NewRepository(conn), TransactionRunner: client})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return svc, client
}

func mustAccount(t *testing.T, svc *Service, client *db.Client, balance string) *models.CreditAccount {
	t.Helper()
	ownerID := uuid.New()
	account, err := svc.GetOrCreateForOwner(context.Background(), enums.OwnerTypeUser, ownerID)
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	account.Balance = decimal.RequireFromString(balance)
	if err := client.DB().Save(account).Error; err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
	return account
}

func TestGetOrCreateForOwnerIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ownerID := uuid.New()

	first, err := svc.GetOrCreateForOwner(ctx, enums.OwnerTypeOrganization, ownerID)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first.OwnerOrgID == nil || *first.OwnerOrgID != ownerID {
		t.Fatalf("expected org owner %s, got %+v", ownerID, first)
	}
	if !first.Balance.IsZero() {
		t.Fatalf("new account must start at zero, got %s", first.Balance)
	}

	second, err := svc.GetOrCreateForOwner(ctx, enums.OwnerTypeOrganization, ownerID)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same account, got %s and %s", first.ID, second.ID)
	}
}

func TestDebitSubtractsAndAllowsNegative(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, client, "10")

	updated, err := svc.Debit(ctx, account.ID, decimal.RequireFromString("3.5"))
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if got := updated.Balance.String(); got != "6.5" {
		t.Fatalf("expected balance 6.5, got %s", got)
	}

	// No floor: debiting past zero overdrafts the account.
	updated, err = svc.Debit(ctx, account.ID, decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("overdraft debit failed: %v", err)
	}
	if got := updated.Balance.String(); got != "-3.5" {
		t.Fatalf("expected balance -3.5, got %s", got)
	}
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	svc, client := newTestService(t)
	account := mustAccount(t, svc, client, "10")

	if _, err := svc.Debit(context.Background(), account.ID, decimal.RequireFromString("-1")); err == nil {
		t.Fatal("expected negative debit to be rejected")
	}
}

func TestCreditTxRoundsUp(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, client, "0")

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.CreditTx(ctx, tx, account.ID, decimal.RequireFromString("1.123456789"))
		return err
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	reloaded, err := svc.repo.FindByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.Balance.String(); got != "1.12345679" {
		t.Fatalf("expected rounded-up balance 1.12345679, got %s", got)
	}
}

func TestClearCorrelationIDTxComparesBeforeClearing(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, client, "0")

	sessionID := "cs_test_123"
	account.SetCorrelationID(enums.OrderKindOnetimeCheckout, &sessionID)
	if err := client.DB().Save(account).Error; err != nil {
		t.Fatalf("failed to stamp correlation id: %v", err)
	}

	var cleared bool
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		cleared, err = svc.ClearCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, "cs_stale")
		return err
	})
	if err != nil {
		t.Fatalf("stale clear errored: %v", err)
	}
	if cleared {
		t.Fatal("stale id must not clear a newer in-flight operation")
	}

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		cleared, err = svc.ClearCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, sessionID)
		return err
	})
	if err != nil {
		t.Fatalf("matching clear errored: %v", err)
	}
	if !cleared {
		t.Fatal("matching id should clear")
	}

	reloaded, err := svc.repo.FindByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.OnetimeSessionID != nil {
		t.Fatalf("expected cleared session id, got %q", *reloaded.OnetimeSessionID)
	}
}

func TestStampCorrelationIDTxRejectsOccupiedKind(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, client, "0")

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.StampCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, "cs_first")
	})
	if err != nil {
		t.Fatalf("first stamp errored: %v", err)
	}

	// Restamping the same id is a no-op, not a conflict.
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.StampCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, "cs_first")
	})
	if err != nil {
		t.Fatalf("idempotent restamp errored: %v", err)
	}

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.StampCorrelationIDTx(ctx, tx, account.ID, enums.OrderKindOnetimeCheckout, "cs_second")
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict for occupied kind, got %v", err)
	}

	reloaded, err := svc.repo.FindByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.OnetimeSessionID == nil || *reloaded.OnetimeSessionID != "cs_first" {
		t.Fatal("conflicting stamp must not overwrite the outstanding id")
	}
}

func TestConcurrentDebitsDoNotLoseUpdates(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, client, "100")

	const workers = 16
	debit := decimal.RequireFromString("1.25")

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, account.ID, debit); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent debit failed: %v", err)
	}

	reloaded, err := svc.repo.FindByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	want := decimal.RequireFromString("100").Sub(debit.Mul(decimal.NewFromInt(workers)))
	if !reloaded.Balance.Equal(want) {
		t.Fatalf("expected balance %s after %d debits, got %s", want, workers, reloaded.Balance)
	}
}
