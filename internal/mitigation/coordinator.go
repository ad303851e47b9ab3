package mitigation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/rollout"
)

// CreditStatus is the per-order credit workflow state for one viewing
// session. issued is terminal; failed may retry.
type CreditStatus string

const (
	CreditIdle    CreditStatus = "idle"
	CreditIssuing CreditStatus = "issuing"
	CreditIssued  CreditStatus = "issued"
	CreditFailed  CreditStatus = "failed"
)

// RerouteStatus is the per-order reroute workflow state. sent and declined
// are both terminal for the session.
type RerouteStatus string

const (
	RerouteIdle     RerouteStatus = "idle"
	RerouteSending  RerouteStatus = "sending"
	RerouteSent     RerouteStatus = "sent"
	RerouteDeclined RerouteStatus = "declined"
)

// ErrNotAllowed is returned when the rollout policy forbids the requested
// remediation for the order's restaurant.
var ErrNotAllowed = errors.New("rollout policy does not allow this action")

// Offer is what the customer surface may present for an at-risk order.
type Offer struct {
	Credit  bool
	Reroute bool
	// Observed means the at-risk condition was recorded for metrics but
	// rollout policy forbids an actionable offer.
	Observed bool
}

// CreditIssuer performs the backend credit RPC; it must be idempotent per
// order.
type CreditIssuer interface {
	IssueCredit(ctx context.Context, orderID string) error
}

// Rerouter performs the backend reroute RPC and returns the replacement
// order's id.
type Rerouter interface {
	RerouteOrder(ctx context.Context, orderID, backupRestaurantID, idempotencyKey string) (string, error)
}

type orderState struct {
	credit  CreditStatus
	reroute RerouteStatus
}

// Coordinator drives the credit-for-delay and reroute remediations for
// at-risk orders, gated by the rollout policy. Workflow state is session
// scoped and never persisted; backend side effects are what survive.
type Coordinator struct {
	Rollout  rollout.Source
	Credits  CreditIssuer
	Reroutes Rerouter
	Logger   *slog.Logger

	mu    sync.Mutex
	state map[string]*orderState
}

func NewCoordinator(src rollout.Source, credits CreditIssuer, reroutes Rerouter, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Rollout:  src,
		Credits:  credits,
		Reroutes: reroutes,
		Logger:   logger,
		state:    make(map[string]*orderState),
	}
}

// AtRisk reports whether the fresh ETA slips past the promised delivery
// window.
func AtRisk(o *models.Order, etaMinutes int, now time.Time) bool {
	if o.EstimatedDeliveryTime.IsZero() {
		return false
	}
	return now.Add(time.Duration(etaMinutes) * time.Minute).After(o.EstimatedDeliveryTime)
}

// OfferFor decides which remediations may be shown for an at-risk order.
// The rollout config is re-read on every call; admin kill-switch flips take
// effect on the next decision, not the next process restart.
func (c *Coordinator) OfferFor(ctx context.Context, o *models.Order, atRisk bool) (Offer, error) {
	if !atRisk {
		return Offer{}, nil
	}
	cfg, err := c.Rollout.Current(ctx)
	if err != nil {
		c.Logger.Error("rollout config read failed", "order_id", o.ID, "error", err)
		return Offer{}, err
	}

	c.mu.Lock()
	st := c.stateFor(o.ID)
	credit := cfg.AllowsSubstitution(o.RestaurantID) && st.credit != CreditIssued && st.credit != CreditIssuing
	reroute := cfg.AllowsReroute(o.RestaurantID) && st.reroute == RerouteIdle
	c.mu.Unlock()

	if !credit && !reroute {
		observability.OffersObserved.Inc()
		return Offer{Observed: true}, nil
	}
	return Offer{Credit: credit, Reroute: reroute}, nil
}

// IssueCredit runs the credit workflow for one order. The rollout policy is
// re-read and enforced here, not just at offer time: the offer is advisory,
// the action is the enablement. A single idempotent request per order:
// issued is permanent, failed may be retried, and a concurrent call while
// issuing is a no-op.
func (c *Coordinator) IssueCredit(ctx context.Context, o *models.Order) (CreditStatus, error) {
	cfg, err := c.Rollout.Current(ctx)
	if err != nil {
		c.Logger.Error("rollout config read failed", "order_id", o.ID, "error", err)
		return CreditIdle, err
	}
	if !cfg.AllowsSubstitution(o.RestaurantID) {
		c.Logger.Info("credit refused by rollout", "order_id", o.ID, "restaurant_id", o.RestaurantID)
		return CreditIdle, ErrNotAllowed
	}

	c.mu.Lock()
	st := c.stateFor(o.ID)
	switch st.credit {
	case CreditIssued, CreditIssuing:
		cur := st.credit
		c.mu.Unlock()
		return cur, nil
	}
	st.credit = CreditIssuing
	c.mu.Unlock()

	err = c.Credits.IssueCredit(ctx, o.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		st.credit = CreditFailed
		observability.CreditsFailed.Inc()
		c.Logger.Error("credit issuance failed", "order_id", o.ID, "error", err)
		return CreditFailed, nil
	}
	st.credit = CreditIssued
	observability.CreditsIssued.Inc()
	return CreditIssued, nil
}

// Reroute submits the reroute RPC for a backup restaurant and returns the
// replacement order id. The rollout policy is re-read and enforced here,
// like IssueCredit. The sending state is claimed under the lock before the
// RPC so concurrent requests cannot double-submit; it reverts to idle on
// error. Once sent (or declined) the session takes no further reroute
// actions for this order.
func (c *Coordinator) Reroute(ctx context.Context, o *models.Order, backupRestaurantID string) (string, error) {
	cfg, err := c.Rollout.Current(ctx)
	if err != nil {
		c.Logger.Error("rollout config read failed", "order_id", o.ID, "error", err)
		return "", err
	}
	if !cfg.AllowsReroute(o.RestaurantID) {
		c.Logger.Info("reroute refused by rollout", "order_id", o.ID, "restaurant_id", o.RestaurantID)
		return "", ErrNotAllowed
	}

	c.mu.Lock()
	st := c.stateFor(o.ID)
	if st.reroute != RerouteIdle {
		c.mu.Unlock()
		return "", nil
	}
	st.reroute = RerouteSending
	c.mu.Unlock()

	key := uuid.NewString()
	newID, err := c.Reroutes.RerouteOrder(ctx, o.ID, backupRestaurantID, key)

	c.mu.Lock()
	if err != nil {
		// back to idle so the user keeps the retry affordance
		st.reroute = RerouteIdle
		c.mu.Unlock()
		c.Logger.Error("reroute failed", "order_id", o.ID, "backup", backupRestaurantID, "error", err)
		return "", err
	}
	st.reroute = RerouteSent
	c.mu.Unlock()
	observability.ReroutesSent.Inc()
	return newID, nil
}

// Decline records that the customer chose to keep waiting. Terminal for the
// session.
func (c *Coordinator) Decline(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateFor(orderID)
	if st.reroute == RerouteIdle {
		st.reroute = RerouteDeclined
	}
}

// Status returns the session workflow state for an order.
func (c *Coordinator) Status(orderID string) (CreditStatus, RerouteStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateFor(orderID)
	return st.credit, st.reroute
}

// caller must hold the lock
func (c *Coordinator) stateFor(orderID string) *orderState {
	st, ok := c.state[orderID]
	if !ok {
		st = &orderState{credit: CreditIdle, reroute: RerouteIdle}
		c.state[orderID] = st
	}
	return st
}
