package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/storage/redis/v3"

	"price-truth/internal/config"
	"price-truth/internal/model"
)

const (
	redisRecordPrefix = "pricetruth:record:"
	redisRoundsPrefix = "pricetruth:rounds:"
	redisIndexKey     = "pricetruth:index"
	redisPingKey      = "pricetruth:ping"
	defaultHistoryCap = 500
)

// kvStorage is the fiber storage contract the redis backend is built on.
type kvStorage interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
	Close() error
}

// RedisStore keeps JSON records and a capped round history in Redis.
// The key index is read-modify-written under a process-local mutex only.
type RedisStore struct {
	mu         sync.Mutex
	kv         kvStorage
	historyCap int
}

var _ RecordStore = (*RedisStore)(nil)

// OpenRedis connects using cfg.URL. The fiber driver panics when the server is unreachable.
func OpenRedis(cfg config.RedisConfig) (store *RedisStore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("redis: connect %s: %v", cfg.URL, r)
		}
	}()
	kv := redis.New(redis.Config{URL: cfg.URL})
	return NewRedisStore(kv, cfg.HistoryLimit), nil
}

// NewRedisStore wraps an existing storage.
func NewRedisStore(kv kvStorage, historyCap int) *RedisStore {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &RedisStore{kv: kv, historyCap: historyCap}
}

func (s *RedisStore) GetRecord(_ context.Context, productKey string) (model.PriceTruthRecord, error) {
	data, err := s.kv.Get(redisRecordPrefix + productKey)
	if err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("redis: get record %s: %w", productKey, err)
	}
	if len(data) == 0 {
		return model.PriceTruthRecord{}, ErrNotFound
	}
	var rec model.PriceTruthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("redis: decode record %s: %w", productKey, err)
	}
	return rec, nil
}

func (s *RedisStore) SaveRecord(_ context.Context, rec model.PriceTruthRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(redisRecordPrefix+rec.ProductKey, data, 0); err != nil {
		return fmt.Errorf("redis: set record: %w", err)
	}

	keys, err := s.index()
	if err != nil {
		return err
	}
	if !contains(keys, rec.ProductKey) {
		keys = append(keys, rec.ProductKey)
		if err := s.setJSON(redisIndexKey, keys); err != nil {
			return err
		}
	}

	rounds, err := s.rounds(rec.ProductKey)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		if r.RoundID == rec.RoundID {
			return nil
		}
	}
	rounds = append(rounds, model.SummaryOf(rec))
	if len(rounds) > s.historyCap {
		rounds = rounds[len(rounds)-s.historyCap:]
	}
	return s.setJSON(redisRoundsPrefix+rec.ProductKey, rounds)
}

func (s *RedisStore) ListRecords(ctx context.Context, limit int) ([]model.PriceTruthRecord, error) {
	s.mu.Lock()
	keys, err := s.index()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	records := make([]model.PriceTruthRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.GetRecord(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *RedisStore) ListRounds(_ context.Context, productKey string, from, to time.Time) ([]model.RoundSummary, error) {
	s.mu.Lock()
	rounds, err := s.rounds(productKey)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]model.RoundSummary, 0, len(rounds))
	for _, r := range rounds {
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Ping round-trips a short-lived key.
func (s *RedisStore) Ping(context.Context) error {
	if err := s.kv.Set(redisPingKey, []byte("1"), 10*time.Second); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	if _, err := s.kv.Get(redisPingKey); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() {
	_ = s.kv.Close()
}

func (s *RedisStore) index() ([]string, error) {
	var keys []string
	if err := s.getJSON(redisIndexKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) rounds(productKey string) ([]model.RoundSummary, error) {
	var rounds []model.RoundSummary
	if err := s.getJSON(redisRoundsPrefix+productKey, &rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (s *RedisStore) getJSON(key string, dest any) error {
	data, err := s.kv.Get(key)
	if err != nil {
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", key, err)
	}
	if err := s.kv.Set(key, data, 0); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
