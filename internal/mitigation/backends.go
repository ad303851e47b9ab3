package mitigation

import (
	"context"
	"fmt"
	"time"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

// WalletCreditIssuer settles delay credits into the customer's wallet
// ledger. Idempotency per order comes from keying the transaction id on
// the order id.
type WalletCreditIssuer struct {
	Orders  storage.OrderStore
	Wallets storage.WalletStore
	Amount  int64 // cents

	now func() time.Time
}

func NewWalletCreditIssuer(orders storage.OrderStore, wallets storage.WalletStore, amount int64) *WalletCreditIssuer {
	return &WalletCreditIssuer{Orders: orders, Wallets: wallets, Amount: amount, now: time.Now}
}

func (i *WalletCreditIssuer) IssueCredit(ctx context.Context, orderID string) error {
	o, err := i.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	w, err := i.Wallets.GetWallet(ctx, o.UserID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	return i.Wallets.AppendWalletTransaction(ctx, &models.WalletTransaction{
		ID:        "credit-" + orderID,
		WalletID:  w.ID,
		OrderID:   orderID,
		Type:      "credit",
		Amount:    i.Amount,
		Status:    "completed",
		CreatedAt: i.clock(),
	})
}

func (i *WalletCreditIssuer) clock() time.Time {
	if i.now != nil {
		return i.now()
	}
	return time.Now()
}

// StoreRerouter clones the at-risk order onto the backup restaurant and
// retires the original. The replacement reuses id fields derived from the
// idempotency key so a retried call lands on the same row.
type StoreRerouter struct {
	Orders storage.OrderStore

	now func() time.Time
}

func NewStoreRerouter(orders storage.OrderStore) *StoreRerouter {
	return &StoreRerouter{Orders: orders, now: time.Now}
}

func (r *StoreRerouter) RerouteOrder(ctx context.Context, orderID, backupRestaurantID, idempotencyKey string) (string, error) {
	o, err := r.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	now := r.clock()

	replacement := *o
	replacement.ID = idempotencyKey
	replacement.RestaurantID = backupRestaurantID
	replacement.Delivery = nil
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	replacement.CancellationReason = ""
	if err := r.Orders.SaveOrder(ctx, &replacement); err != nil {
		return "", fmt.Errorf("save replacement: %w", err)
	}
	// retire the original directly; the customer already approved the swap
	if err := r.Orders.UpdateOrderStatus(ctx, orderID, models.OrderCancelled, "Rerouted to backup restaurant", now); err != nil {
		return "", fmt.Errorf("retire original: %w", err)
	}
	return replacement.ID, nil
}

func (r *StoreRerouter) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
