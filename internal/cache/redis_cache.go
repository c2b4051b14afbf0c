package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"motoparts/backend/internal/domain"
)

type RedisBillCache struct {
	client *redis.Client
}

func NewRedisBillCache(addr string, password string, db int) *RedisBillCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBillCache{client: client}
}

func (c *RedisBillCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBillCache) Close() error {
	return c.client.Close()
}

func (c *RedisBillCache) Get(ctx context.Context, id string) (*domain.Bill, bool, error) {
	val, err := c.client.Get(ctx, "bill:"+id).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var bill domain.Bill
	if err := json.Unmarshal([]byte(val), &bill); err != nil {
		return nil, false, err
	}
	return &bill, true, nil
}

func (c *RedisBillCache) Set(ctx context.Context, bill *domain.Bill, ttl time.Duration) error {
	if bill == nil {
		return nil
	}
	payload, err := json.Marshal(bill)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "bill:"+bill.ID, payload, ttl).Err()
}
