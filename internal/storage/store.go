package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/order-tracking/internal/models"
)

var ErrNotFound = errors.New("not found")

// OrderFilter selects orders for a bulk load. Exactly one of UserID,
// RestaurantID or IDs should be set; PaymentStatuses further narrows the
// result when non-empty. Limit caps the result to the newest N orders
// when positive.
type OrderFilter struct {
	UserID          string
	RestaurantID    string
	IDs             []string
	PaymentStatuses []models.PaymentStatus
	Limit           int
}

// OrderStore defines persistence operations for orders and deliveries.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) error
	SetPaymentStatus(ctx context.Context, id string, p models.PaymentStatus) error

	SaveDelivery(ctx context.Context, d *models.Delivery) error
	GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error)
}

// PayoutRecord tracks one restaurant payout attempt, keyed by the caller's
// idempotency token so retries land on the same row.
type PayoutRecord struct {
	IdempotencyKey string
	OrderID        string
	PayoutRef      string
	Status         string // initiated, paid, failed
	UpdatedAt      time.Time
}

// WalletStore covers the wallet/payout read-through surface.
type WalletStore interface {
	GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID string) ([]models.WalletTransaction, error)
	AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error

	GetPayout(ctx context.Context, idempotencyKey string) (*PayoutRecord, error)
	SavePayout(ctx context.Context, rec *PayoutRecord) error
}

// MetricsStore holds the daily trusted-arrival aggregates the kill switch
// reads.
type MetricsStore interface {
	GetArrivalMetrics(ctx context.Context, day string) (*models.ArrivalMetrics, error)
	SaveArrivalMetrics(ctx context.Context, m *models.ArrivalMetrics) error
}

// Store is the full persistence surface the server wires up.
type Store interface {
	OrderStore
	WalletStore
	MetricsStore
}

// MemoryStore backs the full Store surface with maps. Used for local runs
// and as the test double everywhere a Store is needed.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*models.Order
	delivs    map[string]*models.Delivery // keyed by order id
	wallets   map[string]*models.Wallet   // keyed by owner id
	walletTxs map[string][]models.WalletTransaction
	payouts   map[string]*PayoutRecord
	metrics   map[string]*models.ArrivalMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*models.Order),
		delivs:    make(map[string]*models.Delivery),
		wallets:   make(map[string]*models.Wallet),
		walletTxs: make(map[string][]models.WalletTransaction),
		payouts:   make(map[string]*PayoutRecord),
		metrics:   make(map[string]*models.ArrivalMetrics),
	}
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !matches(o, f) {
			continue
		}
		cp := *o
		if d, ok := m.delivs[o.ID]; ok {
			dc := *d
			cp.Delivery = &dc
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(o *models.Order, f OrderFilter) bool {
	switch {
	case f.UserID != "":
		if o.UserID != f.UserID {
			return false
		}
	case f.RestaurantID != "":
		if o.RestaurantID != f.RestaurantID {
			return false
		}
	case len(f.IDs) > 0:
		found := false
		for _, id := range f.IDs {
			if o.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.PaymentStatuses) > 0 {
		ok := false
		for _, p := range f.PaymentStatuses {
			if o.PaymentStatus == p {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	if reason != "" {
		o.CancellationReason = reason
	}
	return nil
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, id string, p models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentStatus = p
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SaveDelivery(ctx context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.delivs[d.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.delivs[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) PutWallet(w *models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wallets[w.OwnerID] = &cp
}

func (m *MemoryStore) ListWalletTransactions(ctx context.Context, walletID string) ([]models.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.WalletTransaction(nil), m.walletTxs[walletID]...), nil
}

func (m *MemoryStore) AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletTxs[tx.WalletID] = append(m.walletTxs[tx.WalletID], *tx)
	return nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, idempotencyKey string) (*PayoutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.payouts[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) SavePayout(ctx context.Context, rec *PayoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.payouts[rec.IdempotencyKey] = &cp
	return nil
}

func (m *MemoryStore) GetArrivalMetrics(ctx context.Context, day string) (*models.ArrivalMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	am, ok := m.metrics[day]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *am
	return &cp, nil
}

func (m *MemoryStore) SaveArrivalMetrics(ctx context.Context, am *models.ArrivalMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *am
	m.metrics[am.Day] = &cp
	return nil
}
