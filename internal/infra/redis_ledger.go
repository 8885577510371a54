// Package infra provides concrete infrastructure adapters for Redis.
//
// The Redis ledger stores one JSON-encoded usage event per list entry,
// keyed by customer, plus a global list for unscoped reads. If Redis is
// not reachable at startup the app falls back to the file or in-memory
// ledger in main.go.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/ledger"
)

const (
	allEventsKey      = "skillgate:usage:all"
	customerKeyPrefix = "skillgate:usage:customer:"
)

// RedisLedger implements ledger.Ledger on top of go-redis v9.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger connects to Redis and verifies connectivity with a ping.
// Returns the ledger and any connection error (caller decides whether to
// fall back).
func NewRedisLedger(addr, password string, db int) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis ledger connected", "addr", addr, "db", db)
	return &RedisLedger{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}

// Append pushes the event onto the customer's list and the global list in
// one pipeline. RPUSH keeps both lists in append order.
func (l *RedisLedger) Append(ctx context.Context, ev *core.UsageEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal usage event: %w", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, allEventsKey, data)
	if ev.CustomerID != "" {
		pipe.RPush(ctx, customerKeyPrefix+ev.CustomerID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis append: %w", err)
	}
	return ev.EventID, nil
}

// Query reads the narrowest list the filter allows and applies the
// remaining filter fields in memory.
func (l *RedisLedger) Query(ctx context.Context, f ledger.Filter, limit int) ([]*core.UsageEvent, error) {
	events, err := l.load(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]*core.UsageEvent, 0, limit)
	for _, ev := range events {
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Aggregate folds matching events into UTC buckets.
func (l *RedisLedger) Aggregate(ctx context.Context, f ledger.Filter, bucket ledger.Bucket) ([]ledger.Row, error) {
	events, err := l.load(ctx, f)
	if err != nil {
		return nil, err
	}
	return ledger.AggregateEvents(events, f, bucket), nil
}

// --- Internal helpers ---

func (l *RedisLedger) load(ctx context.Context, f ledger.Filter) ([]*core.UsageEvent, error) {
	key := allEventsKey
	if f.CustomerID != "" {
		key = customerKeyPrefix + f.CustomerID
	}

	raw, err := l.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}

	events := make([]*core.UsageEvent, 0, len(raw))
	for _, item := range raw {
		var ev core.UsageEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			slog.Warn("skipping undecodable ledger entry", "key", key, "error", err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}
