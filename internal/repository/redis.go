package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisComparisonRepository keeps each comparison as JSON in a hash, indexed
// by a sorted set scored by the timestamp in unix milliseconds.
type RedisComparisonRepository struct {
	client   *redis.Client
	indexKey string
	dataKey  string
}

func NewRedisComparisonRepository(client *redis.Client, prefix string) *RedisComparisonRepository {
	if prefix == "" {
		prefix = "llmduel:"
	}
	return &RedisComparisonRepository{
		client:   client,
		indexKey: prefix + "comparisons:index",
		dataKey:  prefix + "comparisons:data",
	}
}

func (r *RedisComparisonRepository) Save(ctx context.Context, c domain.SavedComparison) error {
	c, err := prepare(c)
	if err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comparison: %w", err)
	}

	key := domain.TimestampKey(c.Timestamp)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.dataKey, key, data)
	pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(c.Timestamp.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save comparison: %w", err)
	}
	return nil
}

func (r *RedisComparisonRepository) List(ctx context.Context) ([]domain.SavedComparison, error) {
	keys, err := r.client.ZRevRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}

	out := []domain.SavedComparison{}
	if len(keys) == 0 {
		return out, nil
	}

	values, err := r.client.HMGet(ctx, r.dataKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without data: removed between the two reads.
			continue
		}
		var c domain.SavedComparison
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("decode comparison: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisComparisonRepository) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	ts, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	data, err := r.client.HGet(ctx, r.dataKey, domain.TimestampKey(ts)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrComparisonNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comparison: %w", err)
	}

	var c domain.SavedComparison
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode comparison: %w", err)
	}
	return &c, nil
}

func (r *RedisComparisonRepository) Delete(ctx context.Context, key string) error {
	ts, err := parseKey(key)
	if err != nil {
		return err
	}
	k := domain.TimestampKey(ts)

	pipe := r.client.TxPipeline()
	removed := pipe.HDel(ctx, r.dataKey, k)
	pipe.ZRem(ctx, r.indexKey, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete comparison: %w", err)
	}

	if removed.Val() == 0 {
		return domain.ErrComparisonNotFound
	}
	return nil
}

// Clear removes every stored comparison.
func (r *RedisComparisonRepository) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.indexKey, r.dataKey).Err()
}
