package state

import (
	"fmt"
	"time"

	"github.com/tokmz/relay/pkg/logger"
)

// 事件名
const (
	EventRequest = "state_request"
	EventPush    = "state_push"
)

// Config 调度器配置
type Config struct {
	Debounce    time.Duration // 首个脏信号到推送的固定间隔
	PushTimeout time.Duration // 单次快照组装与发送的时间上限
	QueueSize   int           // 命令队列长度

	Logger logger.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Debounce:    100 * time.Millisecond,
		PushTimeout: 10 * time.Second,
		QueueSize:   1024,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Debounce <= 0 {
		return fmt.Errorf("Debounce must be positive, got %v", c.Debounce)
	}
	if c.PushTimeout <= 0 {
		return fmt.Errorf("PushTimeout must be positive, got %v", c.PushTimeout)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive, got %d", c.QueueSize)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithDebounce 设置推送间隔
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithPushTimeout 设置单次推送超时
func WithPushTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.PushTimeout = d
	}
}

// WithQueueSize 设置命令队列长度
func WithQueueSize(size int) Option {
	return func(c *Config) {
		c.QueueSize = size
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
