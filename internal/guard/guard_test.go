package guard

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

type fakeRefunds struct {
	calls []string // "orderID|reason"
	err   error
}

func (f *fakeRefunds) Enqueue(orderID, reason string) error {
	f.calls = append(f.calls, orderID+"|"+reason)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedOrder(t *testing.T, st *storage.MemoryStore, pay models.PaymentStatus, status models.OrderStatus) {
	t.Helper()
	err := st.SaveOrder(context.Background(), &models.Order{
		ID:            "o1",
		UserID:        "u1",
		RestaurantID:  "r1",
		Status:        status,
		PaymentStatus: pay,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPaymentGateBlocksUnpaidOrder(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPending, models.OrderPaymentPending)
	g := New(st, &fakeRefunds{}, testLogger())

	if g.UpdateOrderStatus(context.Background(), "o1", models.OrderConfirmed, Options{}) {
		t.Fatal("expected payment gate to block confirmation")
	}
	o, _ := st.GetOrder(context.Background(), "o1")
	if o.Status != models.OrderPaymentPending {
		t.Fatalf("blocked transition mutated status: %s", o.Status)
	}
}

func TestPaymentGatePassesForPaidAndCaptured(t *testing.T) {
	for _, pay := range []models.PaymentStatus{models.PaymentPaid, models.PaymentCaptured} {
		st := storage.NewMemoryStore()
		seedOrder(t, st, pay, models.OrderPaymentPending)
		g := New(st, &fakeRefunds{}, testLogger())
		if !g.UpdateOrderStatus(context.Background(), "o1", models.OrderConfirmed, Options{}) {
			t.Fatalf("payment %s should pass the gate", pay)
		}
		o, _ := st.GetOrder(context.Background(), "o1")
		if o.Status != models.OrderConfirmed {
			t.Fatalf("status not applied: %s", o.Status)
		}
	}
}

func TestDeliveryGateBlocksUntilHandoff(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPaid, models.OrderOnTheWay)
	_ = st.SaveDelivery(context.Background(), &models.Delivery{ID: "d1", OrderID: "o1", Status: models.DeliveryPickedUp})
	g := New(st, &fakeRefunds{}, testLogger())

	if g.UpdateOrderStatus(context.Background(), "o1", models.OrderDelivered, Options{}) {
		t.Fatal("expected delivery gate to block delivered")
	}

	_ = st.SaveDelivery(context.Background(), &models.Delivery{ID: "d1", OrderID: "o1", Status: models.DeliveryDelivered})
	if !g.UpdateOrderStatus(context.Background(), "o1", models.OrderDelivered, Options{}) {
		t.Fatal("delivered should pass once the courier completed handoff")
	}
}

func TestDeliveredFailsWhenDeliveryUnreadable(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPaid, models.OrderOnTheWay)
	g := New(st, &fakeRefunds{}, testLogger())
	// no delivery row at all
	if g.UpdateOrderStatus(context.Background(), "o1", models.OrderDelivered, Options{}) {
		t.Fatal("expected failure when delivery cannot be read")
	}
}

func TestCancellationStampsDefaultReasonAndEnqueuesOneRefund(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPaid, models.OrderConfirmed)
	refunds := &fakeRefunds{}
	g := New(st, refunds, testLogger())

	if !g.UpdateOrderStatus(context.Background(), "o1", models.OrderCancelled, Options{}) {
		t.Fatal("cancellation should be applied")
	}
	o, _ := st.GetOrder(context.Background(), "o1")
	if o.CancellationReason != DefaultCancelReason {
		t.Fatalf("expected default reason, got %q", o.CancellationReason)
	}
	if len(refunds.calls) != 1 || refunds.calls[0] != "o1|"+DefaultCancelReason {
		t.Fatalf("expected exactly one refund enqueue, got %v", refunds.calls)
	}
}

func TestCancellationKeepsCallerReason(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPending, models.OrderPaymentPending)
	refunds := &fakeRefunds{}
	g := New(st, refunds, testLogger())

	if !g.UpdateOrderStatus(context.Background(), "o1", models.OrderCancelled, Options{CancellationReason: "out of stock"}) {
		t.Fatal("cancellation should be applied regardless of payment state")
	}
	o, _ := st.GetOrder(context.Background(), "o1")
	if o.CancellationReason != "out of stock" {
		t.Fatalf("caller reason lost: %q", o.CancellationReason)
	}
	if len(refunds.calls) != 1 {
		t.Fatalf("expected one refund enqueue, got %v", refunds.calls)
	}
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPaid, models.OrderDelivered)
	g := New(st, &fakeRefunds{}, testLogger())
	if g.UpdateOrderStatus(context.Background(), "o1", models.OrderCancelled, Options{}) {
		t.Fatal("delivered order must not be cancellable")
	}
}

func TestUnknownOrderReturnsFalse(t *testing.T) {
	g := New(storage.NewMemoryStore(), &fakeRefunds{}, testLogger())
	if g.UpdateOrderStatus(context.Background(), "missing", models.OrderConfirmed, Options{}) {
		t.Fatal("expected false for unknown order")
	}
}

// End-to-end: payment proof flips payment_status, then the confirmation
// that was blocked goes through.
func TestConfirmAfterPaymentProof(t *testing.T) {
	st := storage.NewMemoryStore()
	seedOrder(t, st, models.PaymentPending, models.OrderPaymentPending)
	g := New(st, &fakeRefunds{}, testLogger())
	ctx := context.Background()

	if g.UpdateOrderStatus(ctx, "o1", models.OrderConfirmed, Options{}) {
		t.Fatal("confirmation should be blocked while payment is pending")
	}
	if err := st.SetPaymentStatus(ctx, "o1", models.PaymentPaid); err != nil {
		t.Fatal(err)
	}
	if !g.UpdateOrderStatus(ctx, "o1", models.OrderConfirmed, Options{}) {
		t.Fatal("confirmation should succeed after payment proof")
	}
	o, _ := st.GetOrder(ctx, "o1")
	if o.Status != models.OrderConfirmed {
		t.Fatalf("stored order not confirmed: %s", o.Status)
	}
}
