package snapshot

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

type fakeLister struct {
	rows []models.Order
	err  error
	last storage.OrderFilter
}

func (f *fakeLister) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]models.Order, error) {
	f.last = filter
	return f.rows, f.err
}

func restOrder(id string, created time.Time, pay models.PaymentStatus) models.Order {
	return models.Order{
		ID:            id,
		UserID:        "u1",
		RestaurantID:  "r1",
		Status:        models.OrderConfirmed,
		PaymentStatus: pay,
		CreatedAt:     created,
	}
}

func TestLoadAppliesRestaurantPaymentAllowList(t *testing.T) {
	l := &fakeLister{}
	s := New(Scope{RestaurantID: "r1"})
	if err := s.Load(context.Background(), l); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(l.last.PaymentStatuses, RestaurantVisiblePayments) {
		t.Fatalf("bulk load filter missing payment allow-list: %+v", l.last)
	}
}

func TestLoadErrorKeepsPreviousSnapshot(t *testing.T) {
	now := time.Now()
	l := &fakeLister{rows: []models.Order{restOrder("o1", now, models.PaymentPaid)}}
	s := New(Scope{RestaurantID: "r1"})
	if err := s.Load(context.Background(), l); err != nil {
		t.Fatalf("load: %v", err)
	}
	l.err = errors.New("backend down")
	if err := s.Load(context.Background(), l); err == nil {
		t.Fatal("expected reload error")
	}
	if got := s.Orders(); len(got) != 1 || got[0].ID != "o1" {
		t.Fatalf("stale snapshot not preserved: %+v", got)
	}
}

func TestScopeValidation(t *testing.T) {
	if err := (Scope{}).Validate(); err == nil {
		t.Fatal("empty scope should be rejected")
	}
	if err := (Scope{UserID: "u", RestaurantID: "r"}).Validate(); err == nil {
		t.Fatal("double scope should be rejected")
	}
	if err := (Scope{UserID: "u"}).Validate(); err != nil {
		t.Fatalf("single scope rejected: %v", err)
	}
}

func TestVisibilityReevaluatedOnEveryEvent(t *testing.T) {
	now := time.Now()
	o := restOrder("o1", now, models.PaymentPaid)
	s := New(Scope{RestaurantID: "r1"})
	s.ApplyOrderEvent(models.EventInsert, &o, nil)
	if len(s.Orders()) != 1 {
		t.Fatal("paid order should be visible to restaurant")
	}

	refunded := o
	refunded.PaymentStatus = models.PaymentRefunded
	s.ApplyOrderEvent(models.EventUpdate, &refunded, &o)
	if len(s.Orders()) != 0 {
		t.Fatal("refunded order should be evicted from restaurant snapshot")
	}

	// back to paid: re-added from the event alone, no reload
	s.ApplyOrderEvent(models.EventUpdate, &o, &refunded)
	if got := s.Orders(); len(got) != 1 || got[0].ID != "o1" {
		t.Fatalf("re-paid order should reappear, got %+v", got)
	}
}

func TestInsertsArePrepended(t *testing.T) {
	base := time.Now()
	s := New(Scope{UserID: "u1"})
	a := restOrder("a", base, models.PaymentPaid)
	b := restOrder("b", base.Add(time.Minute), models.PaymentPaid)
	s.ApplyOrderEvent(models.EventInsert, &a, nil)
	s.ApplyOrderEvent(models.EventInsert, &b, nil)
	got := s.Orders()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("expected newest-first [b a], got %+v", got)
	}
}

func TestDeleteRemovesByID(t *testing.T) {
	o := restOrder("o1", time.Now(), models.PaymentPaid)
	s := New(Scope{UserID: "u1"})
	s.ApplyOrderEvent(models.EventInsert, &o, nil)
	s.ApplyOrderEvent(models.EventDelete, nil, &o)
	if len(s.Orders()) != 0 {
		t.Fatal("delete event should remove the order")
	}
}

func TestDeliveryMergeIdempotent(t *testing.T) {
	o := restOrder("o1", time.Now(), models.PaymentPaid)
	s := New(Scope{UserID: "u1"})
	s.ApplyOrderEvent(models.EventInsert, &o, nil)

	d := models.Delivery{ID: "d1", OrderID: "o1", DriverID: "drv", Status: models.DeliveryPickedUp}
	s.ApplyDeliveryEvent(models.EventUpdate, &d)
	once := s.Orders()[0].Delivery
	s.ApplyDeliveryEvent(models.EventUpdate, &d)
	twice := s.Orders()[0].Delivery
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("delivery merge not idempotent: %+v vs %+v", once, twice)
	}
	if twice.Status != models.DeliveryPickedUp {
		t.Fatalf("merge lost status: %+v", twice)
	}
}

func TestOrderEventPreservesMergedDelivery(t *testing.T) {
	o := restOrder("o1", time.Now(), models.PaymentPaid)
	s := New(Scope{UserID: "u1"})
	s.ApplyOrderEvent(models.EventInsert, &o, nil)
	d := models.Delivery{ID: "d1", OrderID: "o1", Status: models.DeliveryAssigned}
	s.ApplyDeliveryEvent(models.EventUpdate, &d)

	// an order update without the delivery join must not wipe the merge
	upd := o
	upd.Status = models.OrderPreparing
	s.ApplyOrderEvent(models.EventUpdate, &upd, &o)
	got, _ := s.Get("o1")
	if got.Delivery == nil || got.Delivery.ID != "d1" {
		t.Fatalf("order event dropped merged delivery: %+v", got)
	}
	if got.Status != models.OrderPreparing {
		t.Fatalf("order event not applied: %+v", got)
	}
}

func TestDeliveryEventForUnknownOrderIsNoop(t *testing.T) {
	s := New(Scope{UserID: "u1"})
	d := models.Delivery{ID: "d1", OrderID: "missing", Status: models.DeliveryAssigned}
	s.ApplyDeliveryEvent(models.EventUpdate, &d)
	if len(s.Orders()) != 0 {
		t.Fatal("delivery event must never add orders")
	}
}

func TestMaxOrdersCapsLoadAndInserts(t *testing.T) {
	now := time.Now()
	l := &fakeLister{rows: []models.Order{
		restOrder("o2", now.Add(-time.Minute), models.PaymentPaid),
		restOrder("o1", now.Add(-2*time.Minute), models.PaymentPaid),
	}}
	s := New(Scope{RestaurantID: "r1"})
	s.MaxOrders = 2
	if err := s.Load(context.Background(), l); err != nil {
		t.Fatalf("load: %v", err)
	}
	if l.last.Limit != 2 {
		t.Fatalf("bulk load should carry the cap, got filter %+v", l.last)
	}

	o3 := restOrder("o3", now, models.PaymentPaid)
	s.ApplyOrderEvent(models.EventInsert, &o3, nil)
	got := s.Orders()
	if len(got) != 2 {
		t.Fatalf("cap of 2 should hold after insert, got %d rows", len(got))
	}
	if got[0].ID != "o3" || got[1].ID != "o2" {
		t.Fatalf("insert should evict the oldest row, got %+v", got)
	}
}
