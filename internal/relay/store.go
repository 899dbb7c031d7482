package relay

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore Redis 实现的补充信息存储
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 RedisStore
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Get 读取键值。键不存在返回空串，不算错误
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}
