package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/storage"
)

// RefundEnqueuer submits a refund-review task for a cancelled order.
type RefundEnqueuer interface {
	Enqueue(orderID, reason string) error
}

// Options carries per-call knobs for UpdateOrderStatus.
type Options struct {
	CancellationReason string
}

const DefaultCancelReason = "Restaurant cancelled"

// Guard validates status transitions before they reach the backend. It
// enforces the two correctness-critical gates: payment approval before any
// in-flight status, and courier handoff before delivered.
type Guard struct {
	Store   storage.OrderStore
	Refunds RefundEnqueuer
	Logger  *slog.Logger

	// DefaultCancelReason overrides the package default when non-empty.
	DefaultCancelReason string

	now func() time.Time
}

func New(store storage.OrderStore, refunds RefundEnqueuer, logger *slog.Logger) *Guard {
	return &Guard{Store: store, Refunds: refunds, Logger: logger}
}

// UpdateOrderStatus applies one status transition if its preconditions hold.
// It reports success as a boolean and never returns an error: blocked
// transitions and backend failures are both logged and reported as false.
func (g *Guard) UpdateOrderStatus(ctx context.Context, orderID string, newStatus models.OrderStatus, opts Options) bool {
	cur, err := g.Store.GetOrder(ctx, orderID)
	if err != nil {
		g.Logger.Error("order read failed", "order_id", orderID, "error", err)
		return false
	}
	if cur.Status.Terminal() {
		observability.TransitionsBlocked.WithLabelValues("terminal").Inc()
		g.Logger.Warn("transition blocked: order is terminal", "order_id", orderID, "status", cur.Status, "requested", newStatus)
		return false
	}

	switch {
	case newStatus == models.OrderDelivered:
		d, err := g.Store.GetDeliveryByOrder(ctx, orderID)
		if err != nil {
			g.Logger.Error("delivery read failed", "order_id", orderID, "error", err)
			return false
		}
		if d.Status != models.DeliveryDelivered {
			// driver has not completed handoff yet; not an error
			observability.TransitionsBlocked.WithLabelValues("delivery").Inc()
			g.Logger.Info("transition blocked: delivery not complete", "order_id", orderID, "delivery_status", d.Status)
			return false
		}

	case newStatus.InFlight():
		if !cur.PaymentStatus.Approved() {
			observability.TransitionsBlocked.WithLabelValues("payment").Inc()
			g.Logger.Info("transition blocked: payment not approved", "order_id", orderID, "payment_status", cur.PaymentStatus, "requested", newStatus)
			return false
		}
	}

	reason := ""
	if newStatus == models.OrderCancelled {
		reason = opts.CancellationReason
		if reason == "" {
			reason = g.cancelReason()
		}
	}

	if err := g.Store.UpdateOrderStatus(ctx, orderID, newStatus, reason, g.clock()()); err != nil {
		g.Logger.Error("status update failed", "order_id", orderID, "requested", newStatus, "error", err)
		return false
	}
	observability.TransitionsApplied.WithLabelValues(string(newStatus)).Inc()

	if newStatus == models.OrderCancelled && g.Refunds != nil {
		if err := g.Refunds.Enqueue(orderID, reason); err != nil {
			// refund review is retried out of band; the cancellation stands
			g.Logger.Error("refund enqueue failed", "order_id", orderID, "error", err)
		}
	}
	return true
}

func (g *Guard) cancelReason() string {
	if g.DefaultCancelReason != "" {
		return g.DefaultCancelReason
	}
	return DefaultCancelReason
}

func (g *Guard) clock() func() time.Time {
	if g.now != nil {
		return g.now
	}
	return time.Now
}
