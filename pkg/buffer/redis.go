package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 基于 Redis List 的缓冲，进程重启后事件仍可投递
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	maxSize   int
	ttl       time.Duration
}

// NewRedisStore 创建 Redis 缓冲并测试连接
func NewRedisStore(cfg *Config) (*RedisStore, error) {
	client, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient 使用已有客户端
func NewRedisStoreWithClient(client redis.UniversalClient, cfg *Config) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxSize:   cfg.MaxSize,
		ttl:       cfg.TTL,
	}
}

func newRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}

	switch cfg.Mode {
	case RedisStandalone, "":
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case RedisCluster:
		if len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("%w: cluster mode requires addrs", ErrInvalidConfig)
		}
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case RedisSentinel:
		if len(cfg.Addrs) == 0 || cfg.MasterName == "" {
			return nil, fmt.Errorf("%w: sentinel mode requires addrs and master name", ErrInvalidConfig)
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), nil

	default:
		return nil, fmt.Errorf("%w: unsupported redis mode: %s", ErrInvalidConfig, cfg.Mode)
	}
}

// buildKey 使用 hash tag 保证集群模式下同一身份落在同一 slot
func (r *RedisStore) buildKey(namespace, sid string) string {
	return r.keyPrefix + "{" + namespace + "|" + sid + "}"
}

// Push RPUSH 后 LTRIM 保留最新 maxSize 条，并刷新 key 过期时间
func (r *RedisStore) Push(ctx context.Context, namespace, sid string, ev Event) (int, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	key := r.buildKey(namespace, sid)
	pipe := r.client.TxPipeline()
	length := pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.maxSize), -1)
	pipe.PExpire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	evicted := int(length.Val()) - r.maxSize
	if evicted < 0 {
		evicted = 0
	}
	return evicted, nil
}

// Drain LRANGE + DEL 在同一事务中执行
func (r *RedisStore) Drain(ctx context.Context, namespace, sid string) ([]Event, int, error) {
	key := r.buildKey(namespace, sid)
	pipe := r.client.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, err
	}

	now := time.Now()
	raw := items.Val()
	out := make([]Event, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			dropped++
			continue
		}
		if expired(ev, r.ttl, now) {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped, nil
}

// Len 当前未过期的缓冲事件数
// 队列长度受 maxSize 限制，直接读取全部条目过滤过期事件
func (r *RedisStore) Len(ctx context.Context, namespace, sid string) (int, error) {
	items, err := r.client.LRange(ctx, r.buildKey(namespace, sid), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	q := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		q = append(q, ev)
	}
	return live(q, r.ttl, now), nil
}

// Purge key 级过期由 PEXPIRE 处理，单条过期在 Drain 时过滤
func (r *RedisStore) Purge(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
