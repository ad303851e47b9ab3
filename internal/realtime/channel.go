package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
)

// Sink receives decoded change events. Events for one order arrive in
// emission order per table, but no ordering holds across the orders and
// deliveries tables, so sinks must merge commutatively.
type Sink interface {
	OrderChanged(typ models.EventType, newRow, oldRow *models.Order)
	DeliveryChanged(typ models.EventType, d *models.Delivery)
}

// Reader is the subset of kafka.Reader the channel consumes, kept small so
// tests can fake it.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Channel subscribes to the row-change topics for orders and deliveries and
// fans decoded events out to registered sinks.
type Channel struct {
	reader          Reader
	ordersTopic     string
	deliveriesTopic string
	logger          *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

type Config struct {
	Brokers         []string
	OrdersTopic     string
	DeliveriesTopic string
	Group           string
}

func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupTopics: []string{cfg.OrdersTopic, cfg.DeliveriesTopic},
		GroupID:     cfg.Group,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	return newChannel(r, cfg.OrdersTopic, cfg.DeliveriesTopic, logger)
}

func newChannel(r Reader, ordersTopic, deliveriesTopic string, logger *slog.Logger) *Channel {
	return &Channel{reader: r, ordersTopic: ordersTopic, deliveriesTopic: deliveriesTopic, logger: logger}
}

func (c *Channel) Subscribe(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

func (c *Channel) Unsubscribe(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.sinks {
		if cur == s {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			return
		}
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially
// and the backoff resets after the next successful read.
func (c *Channel) Run(ctx context.Context) error {
	defer c.reader.Close()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("realtime channel shutting down")
				return nil
			}
			c.logger.Warn("change event read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := c.dispatch(m); err != nil {
			observability.EventsInvalid.Inc()
			c.logger.Warn("invalid change event", "topic", m.Topic, "error", err)
		}
	}
}

func (c *Channel) dispatch(m kafka.Message) error {
	var ev models.ChangeEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return err
	}
	table := ev.Table
	if table == "" {
		switch m.Topic {
		case c.ordersTopic:
			table = "orders"
		case c.deliveriesTopic:
			table = "deliveries"
		}
	}

	switch table {
	case "orders":
		newRow, err := decodeOrder(ev.New)
		if err != nil {
			return err
		}
		oldRow, err := decodeOrder(ev.Old)
		if err != nil {
			return err
		}
		if newRow == nil && oldRow == nil {
			return fmt.Errorf("order event with no row")
		}
		observability.EventsConsumed.WithLabelValues("orders").Inc()
		for _, s := range c.snapshotSinks() {
			s.OrderChanged(ev.EventType, newRow, oldRow)
		}
	case "deliveries":
		d, err := decodeDelivery(ev.New)
		if err != nil {
			return err
		}
		if d == nil {
			if d, err = decodeDelivery(ev.Old); err != nil {
				return err
			}
		}
		if d == nil {
			return fmt.Errorf("delivery event with no row")
		}
		observability.EventsConsumed.WithLabelValues("deliveries").Inc()
		for _, s := range c.snapshotSinks() {
			s.DeliveryChanged(ev.EventType, d)
		}
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func (c *Channel) snapshotSinks() []Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Sink(nil), c.sinks...)
}

func decodeOrder(raw json.RawMessage) (*models.Order, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var o models.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func decodeDelivery(raw json.RawMessage) (*models.Delivery, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var d models.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
