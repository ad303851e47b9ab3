package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/order-tracking/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failSAdd int // number of times to fail SAdd before succeeding
	failHSet int // number of times to fail HSet before succeeding

	sAddCalls int
	sRemCalls int
	hSetCalls int
	delCalls  int

	sets   map[string][]string
	hashes map[string]map[string]interface{}
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{sets: map[string][]string{}, hashes: map[string]map[string]interface{}{}}
}

func (f *fakeUpdater) SAdd(ctx context.Context, key string, member string) error {
	f.sAddCalls++
	if f.sAddCalls <= f.failSAdd {
		return errors.New("sadd fail")
	}
	f.sets[key] = append(f.sets[key], member)
	return nil
}

func (f *fakeUpdater) SRem(ctx context.Context, key string, member string) error {
	f.sRemCalls++
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hSetCalls++
	if f.hSetCalls <= f.failHSet {
		return errors.New("hset fail")
	}
	f.hashes[key] = values
	return nil
}

func (f *fakeUpdater) Del(ctx context.Context, key string) error {
	f.delCalls++
	delete(f.hashes, key)
	return nil
}

func testOrder() *models.Order {
	return &models.Order{
		ID:            "o1",
		UserID:        "u1",
		RestaurantID:  "r1",
		Status:        models.OrderConfirmed,
		PaymentStatus: models.PaymentPaid,
		UpdatedAt:     time.Now(),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater()
	f.failSAdd = 1
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, models.EventUpdate, testOrder(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.sAddCalls < 2 {
		t.Fatalf("expected a retry, got sadd=%d", f.sAddCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if got := f.hashes["order:state:o1"]["status"]; got != "confirmed" {
		t.Fatalf("state hash not written, got %v", got)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater()
	f.failSAdd = 10
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, models.EventUpdate, testOrder(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestApplyEvent_IndexesBothActors(t *testing.T) {
	f := newFakeUpdater()
	if err := applyEvent(context.Background(), f, models.EventInsert, testOrder()); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if got := f.sets["orders:user:u1"]; len(got) != 1 || got[0] != "o1" {
		t.Fatalf("user index wrong: %v", got)
	}
	if got := f.sets["orders:restaurant:r1"]; len(got) != 1 || got[0] != "o1" {
		t.Fatalf("restaurant index wrong: %v", got)
	}
}

func TestApplyEvent_DeleteDropsState(t *testing.T) {
	f := newFakeUpdater()
	if err := applyEvent(context.Background(), f, models.EventInsert, testOrder()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := applyEvent(context.Background(), f, models.EventDelete, testOrder()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.sRemCalls != 2 || f.delCalls != 1 {
		t.Fatalf("expected 2 srem + 1 del, got srem=%d del=%d", f.sRemCalls, f.delCalls)
	}
	if _, ok := f.hashes["order:state:o1"]; ok {
		t.Fatal("state hash should be deleted")
	}
}

func TestDecodeOrderEvent(t *testing.T) {
	row, _ := json.Marshal(testOrder())
	ev, _ := json.Marshal(models.ChangeEvent{EventType: models.EventUpdate, Table: "orders", New: row})

	typ, o, err := decodeOrderEvent(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != models.EventUpdate || o.ID != "o1" {
		t.Fatalf("unexpected decode: typ=%s id=%s", typ, o.ID)
	}

	if _, _, err := decodeOrderEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage")
	}

	empty, _ := json.Marshal(models.ChangeEvent{EventType: models.EventUpdate, Table: "orders"})
	if _, _, err := decodeOrderEvent(empty); err == nil {
		t.Fatal("expected error for missing row")
	}

	old, _ := json.Marshal(testOrder())
	del, _ := json.Marshal(models.ChangeEvent{EventType: models.EventDelete, Table: "orders", Old: old})
	typ, o, err = decodeOrderEvent(del)
	if err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if typ != models.EventDelete || o.ID != "o1" {
		t.Fatalf("delete should use old row, got typ=%s id=%s", typ, o.ID)
	}
}
