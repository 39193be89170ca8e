package sharedstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

const (
	defaultPrefix      = "polytrader"
	defaultMaxActivity = 1000
)

// RedisConfig holds the connection settings of the shared Redis.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxActivity int // filas de actividad retenidas por instancia
	DialTimeout time.Duration
}

// RedisStore implements ports.SharedStore on Redis.
//
// Layout por instancia:
//
//	{prefix}:instances                 SET   ids registrados
//	{prefix}:{id}:state                STRING record JSON
//	{prefix}:{id}:open_trade           HASH  trade_id → record JSON
//	{prefix}:{id}:closed_trade         HASH  trade_id → record JSON
//	{prefix}:{id}:category             HASH  market_id → record JSON
//	{prefix}:{id}:activity             HASH  entry_id → record JSON
//	{prefix}:{id}:activity:ts          ZSET  entry_id por timestamp (para recortar)
//	{prefix}:{id}:blacklist            HASH  market_id → record JSON
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	maxActivity int
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("sharedstore.NewRedisStore: ping %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(rdb, cfg.Prefix, cfg.MaxActivity), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, maxActivity int) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if maxActivity <= 0 {
		maxActivity = defaultMaxActivity
	}
	return &RedisStore{rdb: rdb, prefix: prefix, maxActivity: maxActivity}
}

func (s *RedisStore) Upsert(ctx context.Context, records ...domain.ReconciliationRecord) error {
	if len(records) == 0 {
		return nil
	}
	payloads := make([][]byte, len(records))
	for i, r := range records {
		if err := validate(r); err != nil {
			return fmt.Errorf("sharedstore.Upsert: %w", err)
		}
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("sharedstore.Upsert: encode %s/%s: %w", r.Kind, r.Key, err)
		}
		payloads[i] = b
	}

	touchedActivity := make(map[string]bool)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range records {
			pipe.SAdd(ctx, s.instancesKey(), r.InstanceID)
			key := s.kindKey(r.InstanceID, r.Kind)
			switch r.Kind {
			case domain.RecordState:
				pipe.Set(ctx, key, payloads[i], 0)
			case domain.RecordActivity:
				pipe.HSet(ctx, key, r.Key, payloads[i])
				pipe.ZAdd(ctx, key+":ts", redis.Z{Score: float64(r.UpdatedAt.UnixMilli()), Member: r.Key})
				touchedActivity[r.InstanceID] = true
			default:
				pipe.HSet(ctx, key, r.Key, payloads[i])
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sharedstore.Upsert: %w", err)
	}

	for id := range touchedActivity {
		if err := s.trimActivity(ctx, id); err != nil {
			return fmt.Errorf("sharedstore.Upsert: %w", err)
		}
	}
	return nil
}

// trimActivity keeps only the newest maxActivity rows of an instance.
func (s *RedisStore) trimActivity(ctx context.Context, instanceID string) error {
	key := s.kindKey(instanceID, domain.RecordActivity)
	n, err := s.rdb.ZCard(ctx, key+":ts").Result()
	if err != nil {
		return fmt.Errorf("trim activity: %w", err)
	}
	over := n - int64(s.maxActivity)
	if over <= 0 {
		return nil
	}
	oldest, err := s.rdb.ZPopMin(ctx, key+":ts", over).Result()
	if err != nil {
		return fmt.Errorf("trim activity: %w", err)
	}
	fields := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if m, ok := z.Member.(string); ok {
			fields = append(fields, m)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) Delete(ctx context.Context, instanceID string, kind domain.RecordKind, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	key := s.kindKey(instanceID, kind)
	var err error
	switch kind {
	case domain.RecordState:
		err = s.rdb.Del(ctx, key).Err()
	case domain.RecordActivity:
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, keys...)
			members := make([]any, len(keys))
			for i, k := range keys {
				members[i] = k
			}
			pipe.ZRem(ctx, key+":ts", members...)
			return nil
		})
	default:
		err = s.rdb.HDel(ctx, key, keys...).Err()
	}
	if err != nil {
		return fmt.Errorf("sharedstore.Delete: %s/%s: %w", instanceID, kind, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, instanceID string, kind domain.RecordKind) ([]string, error) {
	key := s.kindKey(instanceID, kind)
	var (
		keys []string
		err  error
	)
	switch kind {
	case domain.RecordState:
		var n int64
		n, err = s.rdb.Exists(ctx, key).Result()
		if n > 0 {
			keys = []string{instanceID}
		}
	default:
		keys, err = s.rdb.HKeys(ctx, key).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("sharedstore.Keys: %s/%s: %w", instanceID, kind, err)
	}
	return keys, nil
}

func (s *RedisStore) ListInstances(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedstore.ListInstances: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Load(ctx context.Context, instanceID string) ([]domain.ReconciliationRecord, error) {
	var out []domain.ReconciliationRecord

	raw, err := s.rdb.Get(ctx, s.kindKey(instanceID, domain.RecordState)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("sharedstore.Load: state: %w", err)
	default:
		var r domain.ReconciliationRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("sharedstore.Load: decode state: %w", err)
		}
		out = append(out, r)
	}

	for _, kind := range []domain.RecordKind{domain.RecordOpenTrade, domain.RecordClosedTrade, domain.RecordCategory, domain.RecordActivity, domain.RecordBlacklist} {
		rows, err := s.rdb.HGetAll(ctx, s.kindKey(instanceID, kind)).Result()
		if err != nil {
			return nil, fmt.Errorf("sharedstore.Load: %s: %w", kind, err)
		}
		for field, v := range rows {
			var r domain.ReconciliationRecord
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				return nil, fmt.Errorf("sharedstore.Load: decode %s/%s: %w", kind, field, err)
			}
			out = append(out, r)
		}
	}

	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) instancesKey() string {
	return fmt.Sprintf("%s:instances", s.prefix)
}

func (s *RedisStore) kindKey(instanceID string, kind domain.RecordKind) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, instanceID, kind)
}
