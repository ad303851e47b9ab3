package realtime

import (
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/snapshot"
)

// SnapshotSink feeds decoded change events into one per-actor snapshot
// store.
type SnapshotSink struct {
	Store *snapshot.Store
}

func (s SnapshotSink) OrderChanged(typ models.EventType, newRow, oldRow *models.Order) {
	s.Store.ApplyOrderEvent(typ, newRow, oldRow)
}

func (s SnapshotSink) DeliveryChanged(typ models.EventType, d *models.Delivery) {
	s.Store.ApplyDeliveryEvent(typ, d)
}
