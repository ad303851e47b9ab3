package mitigation

import (
	"context"
	"testing"
	"time"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

func seedOrder(t *testing.T, store *storage.MemoryStore) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:            "o-1",
		UserID:        "u-1",
		RestaurantID:  "r-1",
		Items:         []models.OrderItem{{MenuItemID: "pad-thai", Quantity: 1}},
		Total:         1200,
		Status:        models.OrderConfirmed,
		PaymentStatus: models.PaymentPaid,
		CreatedAt:     time.Now(),
	}
	if err := store.SaveOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestWalletCreditIssuerAppendsLedgerRow(t *testing.T) {
	store := storage.NewMemoryStore()
	seedOrder(t, store)
	store.PutWallet(&models.Wallet{ID: "w-1", OwnerID: "u-1", Role: "customer"})

	issuer := NewWalletCreditIssuer(store, store, 500)
	if err := issuer.IssueCredit(context.Background(), "o-1"); err != nil {
		t.Fatalf("IssueCredit: %v", err)
	}

	txs, err := store.ListWalletTransactions(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("ListWalletTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	if txs[0].Type != "credit" || txs[0].Amount != 500 || txs[0].OrderID != "o-1" {
		t.Fatalf("unexpected transaction %+v", txs[0])
	}
}

func TestWalletCreditIssuerUnknownOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	issuer := NewWalletCreditIssuer(store, store, 500)
	if err := issuer.IssueCredit(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestStoreRerouterClonesAndRetires(t *testing.T) {
	store := storage.NewMemoryStore()
	seedOrder(t, store)

	rr := NewStoreRerouter(store)
	newID, err := rr.RerouteOrder(context.Background(), "o-1", "r-backup", "key-1")
	if err != nil {
		t.Fatalf("RerouteOrder: %v", err)
	}
	if newID != "key-1" {
		t.Fatalf("expected replacement id key-1, got %q", newID)
	}

	repl, err := store.GetOrder(context.Background(), newID)
	if err != nil {
		t.Fatalf("GetOrder replacement: %v", err)
	}
	if repl.RestaurantID != "r-backup" || repl.UserID != "u-1" || repl.Total != 1200 {
		t.Fatalf("replacement not cloned correctly: %+v", repl)
	}

	orig, err := store.GetOrder(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("GetOrder original: %v", err)
	}
	if orig.Status != models.OrderCancelled {
		t.Fatalf("original should be cancelled, got %s", orig.Status)
	}
}
