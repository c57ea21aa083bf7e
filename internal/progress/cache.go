package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const summaryKeyPrefix = "konveksi:completion"

// SummaryCache keeps order completion summaries in Redis. Each order has a
// version counter; invalidation bumps it so a summary computed before a
// commit can never be served after it. A nil cache or client reads through.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewSummaryCache builds the cache.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func versionKey(orderID int64) string {
	return summaryKeyPrefix + ":" + strconv.FormatInt(orderID, 10) + ":v"
}

func dataKey(orderID, version int64) string {
	return fmt.Sprintf("%s:%d:%d", summaryKeyPrefix, orderID, version)
}

func (c *SummaryCache) version(ctx context.Context, orderID int64) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Fetch returns the cached summary or computes it with loader. Concurrent
// misses for the same order share one loader call.
func (c *SummaryCache) Fetch(ctx context.Context, orderID int64, loader func(context.Context) (OrderCompletion, error)) (OrderCompletion, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.version(ctx, orderID)
	if err != nil {
		return loader(ctx)
	}
	key := dataKey(orderID, ver)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var out OrderCompletion
		if json.Unmarshal(raw, &out) == nil {
			return out, nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		value, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(value); err == nil {
			_ = c.client.Set(context.WithoutCancel(ctx), key, raw, c.ttl).Err()
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return OrderCompletion{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return OrderCompletion{}, res.Err
		}
		return res.Val.(OrderCompletion), nil
	}
}

// Invalidate drops the cached summary of an order.
func (c *SummaryCache) Invalidate(ctx context.Context, orderID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, versionKey(orderID))
	pipe.Expire(ctx, versionKey(orderID), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
