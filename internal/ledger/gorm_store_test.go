package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSubscriber(t *testing.T, store *GormStore, userID, status string, credits, used int) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertPlan(ctx, "starter", "Starter", credits); err != nil {
		t.Fatalf("upsert plan: %v", err)
	}
	if err := store.UpsertSubscription(ctx, SubscriptionRecord{
		UserID:        userID,
		PlanID:        "starter",
		Status:        status,
		UsedThisMonth: used,
	}); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
}

func TestGormStoreUseAndRefundCredits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, store, "u1", StatusActive, 5, 0)
	if err := store.SeedCosts(ctx, map[string]int{"image": 2}); err != nil {
		t.Fatalf("seed costs: %v", err)
	}

	ok, err := store.UseCredits(ctx, "u1", "image")
	if err != nil || !ok {
		t.Fatalf("use credits = (%v, %v), want (true, nil)", ok, err)
	}
	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Available() != 3 {
		t.Fatalf("expected 3 available after image, got %d", acct.Available())
	}

	ok, err = store.RefundCredits(ctx, "u1", "image")
	if err != nil || !ok {
		t.Fatalf("refund credits = (%v, %v), want (true, nil)", ok, err)
	}
	acct, _ = store.Account(ctx, "u1")
	if acct.Available() != 5 {
		t.Fatalf("expected 5 available after refund, got %d", acct.Available())
	}
}

func TestGormStoreUseCreditsInsufficient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, store, "u1", StatusActive, 1, 1)

	ok, err := store.UseCredits(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("use credits: %v", err)
	}
	if ok {
		t.Fatalf("expected consume to be refused at zero balance")
	}
	acct, _ := store.Account(ctx, "u1")
	if acct.UsedThisMonth != 1 {
		t.Fatalf("used counter changed on refusal: %d", acct.UsedThisMonth)
	}
}

func TestGormStoreRefundPastMonthBoundaryCreditsBonus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, store, "u1", StatusActive, 5, 0)
	if err := store.SeedCosts(ctx, map[string]int{"video": 3}); err != nil {
		t.Fatalf("seed costs: %v", err)
	}

	ok, err := store.RefundCredits(ctx, "u1", "video")
	if err != nil || !ok {
		t.Fatalf("refund credits = (%v, %v)", ok, err)
	}
	acct, _ := store.Account(ctx, "u1")
	if acct.Bonus != 3 || acct.UsedThisMonth != 0 {
		t.Fatalf("expected bonus 3 and used 0, got bonus %d used %d", acct.Bonus, acct.UsedThisMonth)
	}
}

func TestGormStoreNoSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, err := store.Account(ctx, "ghost")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Active() || acct.Available() != 0 {
		t.Fatalf("expected inactive empty account, got %+v", acct)
	}
	ok, err := store.UseCredits(ctx, "ghost", "chat")
	if err != nil || ok {
		t.Fatalf("use credits = (%v, %v), want (false, nil)", ok, err)
	}
	if err := store.GrantBonus(ctx, "ghost", 5); !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", err)
	}
}

func TestGormStoreOperationCostDefault(t *testing.T) {
	store := newTestStore(t)
	cost, err := store.OperationCost(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("operation cost: %v", err)
	}
	if cost != DefaultOperationCost {
		t.Fatalf("expected default cost %d, got %d", DefaultOperationCost, cost)
	}
}

func TestGormStoreHasOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SeedCosts(ctx, map[string]int{"summary": 3}); err != nil {
		t.Fatalf("seed costs: %v", err)
	}

	known, err := store.HasOperation(ctx, "summary")
	if err != nil || !known {
		t.Fatalf("HasOperation(summary) = (%v, %v), want (true, nil)", known, err)
	}
	known, err = store.HasOperation(ctx, "whatever")
	if err != nil || known {
		t.Fatalf("HasOperation(whatever) = (%v, %v), want (false, nil)", known, err)
	}
}

func TestGormStoreRecordTransactionDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := Transaction{
		UserID:      "u1",
		OperationID: NewOperationID("op-1"),
		Operation:   "chat",
		Type:        TypeConsume,
		Amount:      1,
		CreatedAt:   time.Now().UTC(),
	}

	inserted, err := store.RecordTransaction(ctx, tx)
	if err != nil || !inserted {
		t.Fatalf("first record = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = store.RecordTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate (user, operation id, type) to be ignored")
	}

	refund := tx
	refund.Type = TypeRefund
	if inserted, err := store.RecordTransaction(ctx, refund); err != nil || !inserted {
		t.Fatalf("refund record = (%v, %v), want (true, nil)", inserted, err)
	}

	exists, err := store.HasTransaction(ctx, "u1", "op-1", TypeConsume)
	if err != nil || !exists {
		t.Fatalf("has transaction = (%v, %v), want (true, nil)", exists, err)
	}
}

func TestGormStoreRecordTransactionWithoutOperationID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := Transaction{UserID: "u1", Operation: "chat", Type: TypeConsume, Amount: 1}

	for i := 0; i < 2; i++ {
		inserted, err := store.RecordTransaction(ctx, tx)
		if err != nil || !inserted {
			t.Fatalf("record %d = (%v, %v), want (true, nil)", i, inserted, err)
		}
	}
	txs, err := store.Transactions(ctx, "u1")
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 unkeyed rows, got %d", len(txs))
	}
	if _, ok := txs[0].OperationID.Value(); ok {
		t.Fatalf("expected unkeyed row to read back without operation id")
	}
}
