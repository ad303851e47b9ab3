package rollout

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/order-tracking/internal/models"
)

// Source hands out the active rollout policy. Implementations must return a
// fresh copy on every call: admin tooling mutates the config out of band,
// so callers re-read it before each offer decision instead of caching.
type Source interface {
	Current(ctx context.Context) (models.RolloutConfig, error)
	Put(ctx context.Context, cfg models.RolloutConfig) error
}

// RedisStore keeps the scalar policy fields in a hash and the allow-lists
// in two sets next to it.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, password, key string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, key: key}
}

func (r *RedisStore) substitutionKey() string { return r.key + ":substitution" }
func (r *RedisStore) rerouteKey() string      { return r.key + ":reroute" }

func (r *RedisStore) Current(ctx context.Context) (models.RolloutConfig, error) {
	var cfg models.RolloutConfig
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return cfg, err
	}
	cfg.ObserveOnly = fields["observe_only"] == "true"
	cfg.MinOnTimePct, _ = strconv.ParseFloat(fields["min_on_time_pct"], 64)
	cfg.MaxRerouteRate, _ = strconv.ParseFloat(fields["max_reroute_rate"], 64)
	cfg.MaxDailyCredit, _ = strconv.ParseInt(fields["max_daily_credit"], 10, 64)

	if cfg.SubstitutionAllow, err = r.client.SMembers(ctx, r.substitutionKey()).Result(); err != nil {
		return cfg, err
	}
	if cfg.RerouteAllow, err = r.client.SMembers(ctx, r.rerouteKey()).Result(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r *RedisStore) Put(ctx context.Context, cfg models.RolloutConfig) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, map[string]interface{}{
		"observe_only":     strconv.FormatBool(cfg.ObserveOnly),
		"min_on_time_pct":  strconv.FormatFloat(cfg.MinOnTimePct, 'f', -1, 64),
		"max_reroute_rate": strconv.FormatFloat(cfg.MaxRerouteRate, 'f', -1, 64),
		"max_daily_credit": strconv.FormatInt(cfg.MaxDailyCredit, 10),
	})
	pipe.Del(ctx, r.substitutionKey(), r.rerouteKey())
	if len(cfg.SubstitutionAllow) > 0 {
		pipe.SAdd(ctx, r.substitutionKey(), toAny(cfg.SubstitutionAllow)...)
	}
	if len(cfg.RerouteAllow) > 0 {
		pipe.SAdd(ctx, r.rerouteKey(), toAny(cfg.RerouteAllow)...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// MemorySource is the in-process Source used by tests and local runs
// without redis.
type MemorySource struct {
	mu  sync.RWMutex
	cfg models.RolloutConfig
}

func NewMemorySource(cfg models.RolloutConfig) *MemorySource {
	return &MemorySource{cfg: cfg}
}

func (m *MemorySource) Current(ctx context.Context) (models.RolloutConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.cfg
	cp.SubstitutionAllow = append([]string(nil), m.cfg.SubstitutionAllow...)
	cp.RerouteAllow = append([]string(nil), m.cfg.RerouteAllow...)
	return cp, nil
}

func (m *MemorySource) Put(ctx context.Context, cfg models.RolloutConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// EvaluateKillSwitch clears both allow-lists when any risk threshold is
// breached by the day's metrics. It returns the possibly-updated config and
// whether it tripped; the caller persists the result through Put.
func EvaluateKillSwitch(cfg models.RolloutConfig, m models.ArrivalMetrics) (models.RolloutConfig, bool) {
	tripped := false
	if cfg.MinOnTimePct > 0 && m.OnTimePct < cfg.MinOnTimePct {
		tripped = true
	}
	if cfg.MaxRerouteRate > 0 && m.RerouteRate > cfg.MaxRerouteRate {
		tripped = true
	}
	if cfg.MaxDailyCredit > 0 && m.CreditCost > cfg.MaxDailyCredit {
		tripped = true
	}
	if tripped {
		cfg.SubstitutionAllow = nil
		cfg.RerouteAllow = nil
	}
	return cfg, tripped
}
