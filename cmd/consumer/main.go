package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/order-tracking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_order_events_consumed_total",
		Help: "Total order change events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_order_events_invalid_total",
		Help: "Total invalid change events received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis index updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// The consumer tails the order change stream and maintains per-actor order
// indexes in redis: a set of order ids per customer and per restaurant, plus
// a small status hash per order for dashboards.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("ORDERS_TOPIC")
	if topic == "" {
		topic = "order-changes"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "order-tracking-indexer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	radapter := &redisAdapter{c: rc}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		typ, o, err := decodeOrderEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, typ, o, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for order=%s: %v", o.ID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

// decodeOrderEvent unwraps a change envelope and yields the row the index
// should act on: the new row normally, the old row for deletes.
func decodeOrderEvent(b []byte) (models.EventType, *models.Order, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return "", nil, err
	}
	row := ev.New
	if ev.EventType == models.EventDelete {
		row = ev.Old
	}
	if len(row) == 0 || string(row) == "null" {
		return "", nil, errMissingRow
	}
	var o models.Order
	if err := json.Unmarshal(row, &o); err != nil {
		return "", nil, err
	}
	if o.ID == "" {
		return "", nil, errMissingRow
	}
	return ev.EventType, &o, nil
}

var errMissingRow = errorString("change event has no usable row")

type errorString string

func (e errorString) Error() string { return string(e) }

// RedisUpdater is the subset of redis operations the indexer needs, kept
// small so tests can stub it.
type RedisUpdater interface {
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Del(ctx context.Context, key string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) SAdd(ctx context.Context, key string, member string) error {
	return r.c.SAdd(ctx, key, member).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key string, member string) error {
	return r.c.SRem(ctx, key, member).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// updateRedisWithRetry applies one event to the indexes with retry/backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, typ models.EventType, o *models.Order, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := applyEvent(ctx, rc, typ, o); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func applyEvent(ctx context.Context, rc RedisUpdater, typ models.EventType, o *models.Order) error {
	userKey := "orders:user:" + o.UserID
	restKey := "orders:restaurant:" + o.RestaurantID
	stateKey := "order:state:" + o.ID

	if typ == models.EventDelete {
		if err := rc.SRem(ctx, userKey, o.ID); err != nil {
			return err
		}
		if err := rc.SRem(ctx, restKey, o.ID); err != nil {
			return err
		}
		return rc.Del(ctx, stateKey)
	}

	if err := rc.SAdd(ctx, userKey, o.ID); err != nil {
		return err
	}
	if err := rc.SAdd(ctx, restKey, o.ID); err != nil {
		return err
	}
	return rc.HSet(ctx, stateKey, map[string]interface{}{
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
		"updated_at":     o.UpdatedAt.Format(time.RFC3339),
	})
}
