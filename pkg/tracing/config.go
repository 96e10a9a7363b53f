package tracing

import (
	"time"
)

// Config 链路追踪配置
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	// 导出器类型（otlp/otlp-grpc/stdout/noop），otlp 走 HTTP
	ExporterType     string            `mapstructure:"exporter"`
	ExporterEndpoint string            `mapstructure:"endpoint"`
	ExporterHeaders  map[string]string `mapstructure:"headers"`
	Insecure         bool              `mapstructure:"insecure"`

	// 采样（always/never/ratio/parent_based）
	SamplingType string  `mapstructure:"sampling_type"`
	SamplingRate float64 `mapstructure:"sampling_rate"`

	Enabled bool `mapstructure:"enabled"`

	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxQueueSize int           `mapstructure:"max_queue_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "relay",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		ExporterType:   "noop",
		SamplingType:   "parent_based",
		SamplingRate:   1.0,
		Enabled:        true,
		BatchTimeout:   5 * time.Second,
		MaxQueueSize:   2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig("sampling rate must be between 0.0 and 1.0")
	}
	switch c.ExporterType {
	case "otlp", "otlp-grpc", "stdout", "noop":
	default:
		return ErrInvalidConfig("invalid exporter type: " + c.ExporterType)
	}
	return nil
}

// ConfigError 配置错误
type ConfigError struct {
	message string
}

func (e *ConfigError) Error() string {
	return "tracing config error: " + e.message
}

func ErrInvalidConfig(message string) error {
	return &ConfigError{message: message}
}
