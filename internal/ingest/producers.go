package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-tracking/internal/models"
)

// RefundQueue publishes refund-review tasks enqueued when an order is
// cancelled. Consumers settle the refund asynchronously; the producer is
// fire-and-forget from the caller's point of view.
type RefundQueue struct {
	writer *kafka.Writer
}

func NewRefundQueue(brokers []string, topic string) *RefundQueue {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &RefundQueue{writer: w}
}

type RefundTask struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (q *RefundQueue) Enqueue(orderID, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(RefundTask{OrderID: orderID, Reason: reason})
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(orderID), Value: b})
}

func (q *RefundQueue) Close() error {
	if q.writer == nil {
		return nil
	}
	return q.writer.Close()
}

// ChangeEcho publishes row-change events after a successful write so every
// subscribed snapshot re-syncs from the stream instead of trusting local
// state.
type ChangeEcho struct {
	orders     *kafka.Writer
	deliveries *kafka.Writer
}

func NewChangeEcho(brokers []string, ordersTopic, deliveriesTopic string) *ChangeEcho {
	return &ChangeEcho{
		orders:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: ordersTopic, Balancer: &kafka.LeastBytes{}}),
		deliveries: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: deliveriesTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (e *ChangeEcho) OrderChanged(typ models.EventType, newRow, oldRow *models.Order) error {
	key := ""
	if newRow != nil {
		key = newRow.ID
	} else if oldRow != nil {
		key = oldRow.ID
	}
	ev := models.ChangeEvent{EventType: typ, Table: "orders"}
	var err error
	if newRow != nil {
		if ev.New, err = json.Marshal(newRow); err != nil {
			return err
		}
	}
	if oldRow != nil {
		if ev.Old, err = json.Marshal(oldRow); err != nil {
			return err
		}
	}
	return e.publish(e.orders, key, ev)
}

func (e *ChangeEcho) DeliveryChanged(typ models.EventType, d *models.Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	// key by order id so delivery events for one order stay ordered
	return e.publish(e.deliveries, d.OrderID, models.ChangeEvent{EventType: typ, Table: "deliveries", New: raw})
}

func (e *ChangeEcho) publish(w *kafka.Writer, key string, ev models.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (e *ChangeEcho) Close() error {
	if e.orders != nil {
		_ = e.orders.Close()
	}
	if e.deliveries != nil {
		return e.deliveries.Close()
	}
	return nil
}
