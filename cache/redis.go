package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed response cache.
type RedisStore struct {
	client *redis.Client
	config Config
}

// NewRedisStore wraps an existing client. The caller owns connection
// lifecycle beyond Close.
func NewRedisStore(client *redis.Client, config Config) *RedisStore {
	return &RedisStore{client: client, config: config}
}

// DialRedis connects to addr and verifies the connection before returning
// a store.
func DialRedis(addr, password string, db int, config Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedisStore(client, config), nil
}

func (s *RedisStore) Get(key string) ([]byte, error) {
	value, err := s.client.Get(context.Background(), s.config.namespace()+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, missErr(key)
		}
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.ttl()
	}
	return s.client.Set(context.Background(), s.config.namespace()+key, value, ttl).Err()
}

func (s *RedisStore) Delete(key string) error {
	return s.client.Del(context.Background(), s.config.namespace()+key).Err()
}

// DeletePrefix drops every key under the namespaced prefix via SCAN, so it
// stays safe against large keyspaces.
func (s *RedisStore) DeletePrefix(prefix string) error {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, s.config.namespace()+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
