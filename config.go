package relay

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/relay/pkg/logger"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	// Addr 监听地址，默认 ":8080"
	Addr string `mapstructure:"addr"`

	// ReadTimeout 读取超时
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout 写入超时，升级后的连接由 Client 自行设置写超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout 空闲超时
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxHeaderBytes 最大请求头字节数
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// ShutdownConfig 关机配置
type ShutdownConfig struct {
	// Timeout 关机超时时间，默认 10 秒
	Timeout time.Duration

	// BeforeShutdown 关机前回调
	BeforeShutdown func()

	// AfterShutdown 关机后回调
	AfterShutdown func()
}

// HandshakeLimit 握手限流（令牌桶，按客户端 IP）
type HandshakeLimit struct {
	// RequestsPerSecond 每秒补充的令牌数
	RequestsPerSecond float64 `mapstructure:"rate"`

	// Burst 突发容量，默认等于 RequestsPerSecond
	Burst int `mapstructure:"burst"`

	// BucketExpiry 桶多久无访问后清理，默认 30 分钟
	BucketExpiry time.Duration `mapstructure:"bucket_expiry"`
}

// Config 应用配置
type Config struct {
	// Mode 运行模式：debug, release, test
	Mode string

	// Server 服务器配置
	Server ServerConfig

	// Shutdown 关机配置
	Shutdown ShutdownConfig

	// TrustedProxies 信任的代理 IP
	TrustedProxies []string

	// WSPath 升级端点前缀，命名空间为其后的路径，默认 "/ws"
	WSPath string

	// Development 开发模式：挂载 /debug 路由
	Development bool

	// HandshakeLimit 握手限流，nil 表示不限流
	HandshakeLimit *HandshakeLimit

	// Tracing 为 HTTP 请求创建 Server Span
	Tracing bool

	Logger logger.Logger
}

// Option 配置选项函数
type Option func(*Config)

// defaultConfig 返回默认配置
func defaultConfig() *Config {
	return &Config{
		Mode: gin.ReleaseMode,
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1MB
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
		WSPath: "/ws",
	}
}

// WithMode 设置运行模式
func WithMode(mode string) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Server.Addr = addr
	}
}

// WithServer 整体替换服务器配置，零值字段保留默认
func WithServer(server ServerConfig) Option {
	return func(c *Config) {
		if server.Addr != "" {
			c.Server.Addr = server.Addr
		}
		if server.ReadTimeout > 0 {
			c.Server.ReadTimeout = server.ReadTimeout
		}
		if server.WriteTimeout > 0 {
			c.Server.WriteTimeout = server.WriteTimeout
		}
		if server.IdleTimeout > 0 {
			c.Server.IdleTimeout = server.IdleTimeout
		}
		if server.MaxHeaderBytes > 0 {
			c.Server.MaxHeaderBytes = server.MaxHeaderBytes
		}
	}
}

// WithShutdownTimeout 设置关机超时时间
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Shutdown.Timeout = timeout
	}
}

// WithBeforeShutdown 设置关机前回调
func WithBeforeShutdown(fn func()) Option {
	return func(c *Config) {
		c.Shutdown.BeforeShutdown = fn
	}
}

// WithAfterShutdown 设置关机后回调
func WithAfterShutdown(fn func()) Option {
	return func(c *Config) {
		c.Shutdown.AfterShutdown = fn
	}
}

// WithTrustedProxies 设置信任的代理
func WithTrustedProxies(proxies ...string) Option {
	return func(c *Config) {
		c.TrustedProxies = proxies
	}
}

// WithWSPath 设置升级端点前缀，空串与 "/" 忽略
func WithWSPath(path string) Option {
	return func(c *Config) {
		if strings.Trim(path, "/") != "" {
			c.WSPath = path
		}
	}
}

// WithDevelopment 开发模式
func WithDevelopment(enable bool) Option {
	return func(c *Config) {
		c.Development = enable
	}
}

// WithHandshakeLimit 设置握手限流
func WithHandshakeLimit(limit *HandshakeLimit) Option {
	return func(c *Config) {
		c.HandshakeLimit = limit
	}
}

// WithTracing 启用 HTTP 链路追踪
func WithTracing(enable bool) Option {
	return func(c *Config) {
		c.Tracing = enable
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
