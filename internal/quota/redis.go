package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"llmarena/internal/arena"
	"llmarena/internal/providers"
)

// Redis keeps each series in a list of JSON encoded points.
type Redis struct {
	redis  *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "llmarena"
	}
	return &Redis{redis: rdb, prefix: prefix}
}

func (r *Redis) key(account string, id providers.ID) string {
	return fmt.Sprintf("%s:quota:%s:%s", r.prefix, account, id)
}

func (r *Redis) Append(ctx context.Context, account string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	encoded := make([][]byte, len(samples))
	for i, s := range samples {
		b, err := json.Marshal(s.Point)
		if err != nil {
			return fmt.Errorf("marshal quota point: %w", err)
		}
		encoded[i] = b
	}
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, s := range samples {
			pipe.RPush(ctx, r.key(account, s.Provider), encoded[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append quota points: %w", err)
	}
	return nil
}

func (r *Redis) Series(ctx context.Context, account string, id providers.ID) ([]arena.QuotaPoint, error) {
	raw, err := r.redis.LRange(ctx, r.key(account, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read quota series: %w", err)
	}
	out := make([]arena.QuotaPoint, 0, len(raw))
	for _, item := range raw {
		var p arena.QuotaPoint
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("decode quota point: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Redis) Last(ctx context.Context, account string, id providers.ID) (arena.QuotaPoint, bool, error) {
	raw, err := r.redis.LIndex(ctx, r.key(account, id), -1).Result()
	if errors.Is(err, redis.Nil) {
		return arena.QuotaPoint{}, false, nil
	}
	if err != nil {
		return arena.QuotaPoint{}, false, fmt.Errorf("read quota tail: %w", err)
	}
	var p arena.QuotaPoint
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return arena.QuotaPoint{}, false, fmt.Errorf("decode quota point: %w", err)
	}
	return p, true, nil
}
