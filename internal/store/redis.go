package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each collection in one Redis hash: the field is the record
// id, the value the serialized record. Hash field writes are atomic, which is
// exactly the single-key guarantee KV promises.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at the given URL and verifies the
// connection before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, collection, id string) (string, error) {
	val, err := s.client.HGet(ctx, collection, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, collection, id, value string) error {
	return s.client.HSet(ctx, collection, id, value).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, collection, id, value string) (bool, error) {
	return s.client.HSetNX(ctx, collection, id, value).Result()
}

func (s *RedisStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	return s.client.HExists(ctx, collection, id).Result()
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	return s.client.HDel(ctx, collection, id).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
