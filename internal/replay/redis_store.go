package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 防重放存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 用 Redis 的 SETNX 实现跨实例的已消费交易集合。
// 不设过期时间：一笔交易被消费就是永久被消费。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 防重放存储。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relayd:consumed"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// MarkConsumed 实现 Store 接口。SETNX 的原子性保证并发请求只有一个赢家。
func (s *RedisStore) MarkConsumed(ctx context.Context, txHash string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(txHash), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 占用交易失败: %w", err)
	}
	return ok, nil
}

// Release 实现 Store 接口。
func (s *RedisStore) Release(ctx context.Context, txHash string) error {
	if err := s.client.Del(ctx, s.key(txHash)).Err(); err != nil {
		return fmt.Errorf("Redis 归还交易失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(txHash string) string {
	return s.prefix + ":" + normalize(txHash)
}

var _ Store = (*RedisStore)(nil)
