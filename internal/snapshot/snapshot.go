package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

// Scope selects which actor's orders a snapshot tracks. Exactly one field
// should be set.
type Scope struct {
	UserID       string
	RestaurantID string
	OrderIDs     []string
}

func (s Scope) Validate() error {
	n := 0
	if s.UserID != "" {
		n++
	}
	if s.RestaurantID != "" {
		n++
	}
	if len(s.OrderIDs) > 0 {
		n++
	}
	if n != 1 {
		return fmt.Errorf("scope must set exactly one of user, restaurant, order ids")
	}
	return nil
}

// RestaurantVisiblePayments is the payment-status allow-list for the
// restaurant surface. Orders in failed/refunded/voided states stay off the
// kitchen queue.
var RestaurantVisiblePayments = []models.PaymentStatus{
	models.PaymentPaid,
	models.PaymentPendingReview,
	models.PaymentPending,
	models.PaymentHold,
	models.PaymentInitiated,
	models.PaymentCaptured,
}

// VisibleToScope is the single visibility predicate shared by the bulk
// loader and the change-event handlers, so the two can never drift apart.
func VisibleToScope(s Scope, o *models.Order) bool {
	switch {
	case s.UserID != "":
		return o.UserID == s.UserID
	case s.RestaurantID != "":
		if o.RestaurantID != s.RestaurantID {
			return false
		}
		for _, p := range RestaurantVisiblePayments {
			if o.PaymentStatus == p {
				return true
			}
		}
		return false
	default:
		for _, id := range s.OrderIDs {
			if o.ID == id {
				return true
			}
		}
		return false
	}
}

// Filter translates the scope into the bulk-load query, applying the same
// payment allow-list VisibleToScope enforces on events.
func (s Scope) Filter() storage.OrderFilter {
	f := storage.OrderFilter{UserID: s.UserID, RestaurantID: s.RestaurantID, IDs: s.OrderIDs}
	if s.RestaurantID != "" {
		f.PaymentStatuses = RestaurantVisiblePayments
	}
	return f
}

// Lister is the slice of the storage surface the snapshot needs for its
// initial load.
type Lister interface {
	ListOrders(ctx context.Context, f storage.OrderFilter) ([]models.Order, error)
}

// Store is an eventually-consistent, per-actor local view of orders. It is
// seeded by one bulk load and kept fresh by change events; rows are held
// newest-created-first, with realtime inserts prepended rather than
// re-sorted.
type Store struct {
	// MaxOrders caps the view to the newest N orders when positive. Set it
	// before Load; it is not safe to change afterwards.
	MaxOrders int

	mu     sync.RWMutex
	scope  Scope
	orders []models.Order
	loaded bool
}

func New(scope Scope) *Store {
	return &Store{scope: scope}
}

func (s *Store) Scope() Scope { return s.scope }

// Load seeds the snapshot. On error the previous contents are preserved so a
// stale view keeps rendering while the caller surfaces the failure.
func (s *Store) Load(ctx context.Context, lister Lister) error {
	if err := s.scope.Validate(); err != nil {
		return err
	}
	f := s.scope.Filter()
	f.Limit = s.MaxOrders
	rows, err := lister.ListOrders(ctx, f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.orders = rows
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Orders returns a copy of the current view, newest-created-first.
func (s *Store) Orders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Order(nil), s.orders...)
}

func (s *Store) Get(id string) (*models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.find(id); i >= 0 {
		cp := s.orders[i]
		return &cp, true
	}
	return nil, false
}

// caller must hold the lock
func (s *Store) find(id string) int {
	for i := range s.orders {
		if s.orders[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyOrderEvent reconciles one orders-table change event. The visibility
// predicate is re-evaluated on every event: rows that transition out of the
// allow-list are evicted, rows that transition back in reappear without a
// reload.
func (s *Store) ApplyOrderEvent(typ models.EventType, newRow, oldRow *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if typ == models.EventDelete {
		id := ""
		if oldRow != nil {
			id = oldRow.ID
		} else if newRow != nil {
			id = newRow.ID
		}
		if i := s.find(id); i >= 0 {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
		}
		return
	}
	if newRow == nil {
		return
	}

	i := s.find(newRow.ID)
	if !VisibleToScope(s.scope, newRow) {
		if i >= 0 {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
		}
		return
	}

	row := *newRow
	if i >= 0 {
		// Order events do not carry the delivery join; keep whatever the
		// delivery stream has merged so far.
		if row.Delivery == nil {
			row.Delivery = s.orders[i].Delivery
		}
		s.orders[i] = row
		return
	}
	s.orders = append([]models.Order{row}, s.orders...)
	if s.MaxOrders > 0 && len(s.orders) > s.MaxOrders {
		s.orders = s.orders[:s.MaxOrders]
	}
}

// ApplyDeliveryEvent merges a deliveries-table change into the owning
// order's delivery field. The merge only ever overwrites that one field, so
// it is idempotent and commutative with order events regardless of arrival
// order; it never adds or removes the order itself.
func (s *Store) ApplyDeliveryEvent(typ models.EventType, d *models.Delivery) {
	if typ == models.EventDelete || d == nil || d.OrderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(d.OrderID); i >= 0 {
		cp := *d
		s.orders[i].Delivery = &cp
	}
}
