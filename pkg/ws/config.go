package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tokmz/relay/pkg/buffer"
	"github.com/tokmz/relay/pkg/logger"
)

// Config 调度器配置
type Config struct {
	// 连接配置
	MaxConnections   int           // 全部命名空间的最大连接数
	ReadBufferSize   int           // 读缓冲区大小
	WriteBufferSize  int           // 写缓冲区大小
	HandshakeTimeout time.Duration // 握手超时时间
	MaxMessageSize   int64         // 最大消息大小

	// 心跳配置
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// 发送队列大小
	MessageQueueSize int

	// 处理器 worker 池大小（进程内共享）
	WorkerPoolSize int

	// 客户端请求未指定 timeout_ms 时的默认超时，0 表示不限
	RequestTimeout time.Duration

	// 出站缓冲
	Buffer        buffer.Store  // nil 时使用内存缓冲
	BufferSize    int           // 每个身份最多缓冲事件数
	BufferTTL     time.Duration // 缓冲事件存活时间
	KnownTTL      time.Duration // 断开后身份仍视为已知的时长
	SweepInterval time.Duration // 过期清理间隔

	// 诊断事件中载荷预览的最大字节数
	DiagnosticPreviewBytes int

	RestartNotice      bool // 重启后每个身份首次连接时推送 server_restart
	BroadcastLifecycle bool // 连接变化时向命名空间广播 lifecycle
	Development        bool // 开发模式：错误详情、诊断订阅帧

	// 握手校验
	AllowedOrigins []string
	CheckOrigin    func(*http.Request) bool
	Authenticator  Authenticator
	CSRF           CSRFValidator

	Logger  logger.Logger
	Metrics Metrics
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:         10000,
		ReadBufferSize:         1024,
		WriteBufferSize:        1024,
		HandshakeTimeout:       10 * time.Second,
		MaxMessageSize:         512 * 1024, // 512KB
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       90 * time.Second,
		MessageQueueSize:       256,
		WorkerPoolSize:         64,
		BufferSize:             100,
		BufferTTL:              5 * time.Minute,
		SweepInterval:          time.Minute,
		DiagnosticPreviewBytes: 512,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MaxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("ReadBufferSize must be positive, got %d", c.ReadBufferSize)
	}
	if c.WriteBufferSize <= 0 {
		return fmt.Errorf("WriteBufferSize must be positive, got %d", c.WriteBufferSize)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MessageQueueSize <= 0 {
		return fmt.Errorf("MessageQueueSize must be positive, got %d", c.MessageQueueSize)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WorkerPoolSize must be positive, got %d", c.WorkerPoolSize)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("RequestTimeout must not be negative, got %v", c.RequestTimeout)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("BufferSize must be positive, got %d", c.BufferSize)
	}
	if c.BufferTTL <= 0 {
		return fmt.Errorf("BufferTTL must be positive, got %v", c.BufferTTL)
	}
	if c.KnownTTL < 0 {
		return fmt.Errorf("KnownTTL must not be negative, got %v", c.KnownTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SweepInterval must be positive, got %v", c.SweepInterval)
	}
	if c.DiagnosticPreviewBytes <= 0 {
		return fmt.Errorf("DiagnosticPreviewBytes must be positive, got %d", c.DiagnosticPreviewBytes)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMessageQueueSize 设置发送队列大小
func WithMessageQueueSize(size int) Option {
	return func(c *Config) {
		c.MessageQueueSize = size
	}
}

// WithWorkerPoolSize 设置处理器并发上限
func WithWorkerPoolSize(size int) Option {
	return func(c *Config) {
		c.WorkerPoolSize = size
	}
}

// WithRequestTimeout 设置客户端请求默认超时
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = timeout
	}
}

// WithBuffer 使用自定义缓冲存储（如 Redis）
func WithBuffer(store buffer.Store) Option {
	return func(c *Config) {
		c.Buffer = store
	}
}

// WithBufferLimits 设置内存缓冲上限与 TTL
func WithBufferLimits(size int, ttl time.Duration) Option {
	return func(c *Config) {
		c.BufferSize = size
		c.BufferTTL = ttl
	}
}

// WithKnownTTL 设置断开后身份仍视为已知的时长，默认等于 BufferTTL
func WithKnownTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.KnownTTL = ttl
	}
}

// WithSweepInterval 设置过期清理间隔
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SweepInterval = interval
	}
}

// WithDiagnosticPreview 设置诊断预览字节数
func WithDiagnosticPreview(bytes int) Option {
	return func(c *Config) {
		c.DiagnosticPreviewBytes = bytes
	}
}

// WithRestartNotice 启用重启通知
func WithRestartNotice(enable bool) Option {
	return func(c *Config) {
		c.RestartNotice = enable
	}
}

// WithBroadcastLifecycle 启用生命周期广播
func WithBroadcastLifecycle(enable bool) Option {
	return func(c *Config) {
		c.BroadcastLifecycle = enable
	}
}

// WithDevelopment 开发模式
func WithDevelopment(enable bool) Option {
	return func(c *Config) {
		c.Development = enable
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
// 示例：WithCheckOriginWhitelist([]string{"https://example.com", "https://app.example.com"})
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.AllowedOrigins = allowedOrigins
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// WithAuthenticator 设置会话校验
func WithAuthenticator(a Authenticator) Option {
	return func(c *Config) {
		c.Authenticator = a
	}
}

// WithCSRF 设置防伪令牌校验
func WithCSRF(v CSRFValidator) Option {
	return func(c *Config) {
		c.CSRF = v
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}
