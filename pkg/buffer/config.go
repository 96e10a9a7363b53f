package buffer

import (
	"fmt"
	"time"
)

// DriverType 驱动类型
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverRedis  DriverType = "redis"
)

// RedisMode Redis 模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓冲配置
type Config struct {
	Driver  DriverType    `mapstructure:"driver"`
	MaxSize int           `mapstructure:"max_size"` // 每个身份最多缓冲的事件数
	TTL     time.Duration `mapstructure:"ttl"`      // 事件存活时间

	Redis     *RedisConfig `mapstructure:"redis"`
	KeyPrefix string       `mapstructure:"key_prefix"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`  // 单机
	Addrs        []string      `mapstructure:"addrs"` // 集群/哨兵
	Mode         RedisMode     `mapstructure:"mode"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MasterName   string        `mapstructure:"master_name"` // 哨兵模式
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:    DriverMemory,
		MaxSize:   100,
		TTL:       5 * time.Minute,
		KeyPrefix: "relay:buffer:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Mode:         RedisStandalone,
		PoolSize:     50,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("MaxSize must be positive, got %d", c.MaxSize)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("TTL must be positive, got %v", c.TTL)
	}
	switch c.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}
