// Package rediscache provides a Redis-backed ledger.SettlementCache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/splitledger/ledger"
)

const keyPrefix = "splitledger:settlements:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// SettlementCache stores one JSON plan per group. A zero TTL keeps entries
// until they are overwritten.
type SettlementCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSettlementCache(client *redis.Client, ttl time.Duration) *SettlementCache {
	return &SettlementCache{client: client, ttl: ttl}
}

type cachedPlan struct {
	Settlements []ledger.Transfer `json:"settlements"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func key(id ledger.GroupID) string {
	return keyPrefix + strconv.FormatInt(int64(id), 10)
}

func (c *SettlementCache) Get(ctx context.Context, id ledger.GroupID) (*ledger.CachedPlan, error) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out cachedPlan
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode cached settlements: %w", err)
	}
	return &ledger.CachedPlan{GroupID: id, Transfers: out.Settlements, GeneratedAt: out.GeneratedAt}, nil
}

func (c *SettlementCache) Put(ctx context.Context, plan ledger.CachedPlan) error {
	transfers := plan.Transfers
	if transfers == nil {
		transfers = []ledger.Transfer{}
	}
	raw, err := json.Marshal(cachedPlan{Settlements: transfers, GeneratedAt: plan.GeneratedAt})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(plan.GroupID), raw, c.ttl).Err()
}

// Ping checks the connection (health endpoint).
func (c *SettlementCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ ledger.SettlementCache = (*SettlementCache)(nil)
