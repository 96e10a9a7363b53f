package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level 日志级别
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String 返回级别名称
func (l Level) String() string {
	return zapcore.Level(l).String()
}

// ParseLevel 解析配置文件中的级别名称
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("logger: unknown level %q", s)
	}
}

// Format 日志格式
type Format string

const (
	// JSONFormat 生产环境
	JSONFormat Format = "json"
	// ConsoleFormat 开发环境
	ConsoleFormat Format = "console"
)

// Config 日志配置
type Config struct {
	Level  Level  `mapstructure:"-"`
	Format Format `mapstructure:"format"`

	// 输出配置
	Console bool          `mapstructure:"console"` // 是否输出到控制台
	File    string        `mapstructure:"file"`    // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig `mapstructure:"rotate"`  // 轮转配置（nil 则不轮转）

	Sampling *SamplingConfig `mapstructure:"sampling"`

	EnableCaller     bool `mapstructure:"caller"`
	EnableStacktrace bool `mapstructure:"stacktrace"` // Error 及以上
}

// RotateConfig 文件轮转配置（lumberjack）
type RotateConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // MB，默认 100
	MaxAge     int    `mapstructure:"max_age"`     // 天，默认 30
	MaxBackups int    `mapstructure:"max_backups"` // 默认 10
	Compress   bool   `mapstructure:"compress"`
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int `mapstructure:"initial"`    // 每秒前 N 条必定记录
	Thereafter int `mapstructure:"thereafter"` // 之后每 M 条记录 1 条
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
	if c.Rotate != nil {
		if c.Rotate.MaxSize == 0 {
			c.Rotate.MaxSize = 100
		}
		if c.Rotate.MaxAge == 0 {
			c.Rotate.MaxAge = 30
		}
		if c.Rotate.MaxBackups == 0 {
			c.Rotate.MaxBackups = 10
		}
	}
	if c.Sampling != nil {
		if c.Sampling.Initial == 0 {
			c.Sampling.Initial = 100
		}
		if c.Sampling.Thereafter == 0 {
			c.Sampling.Thereafter = 100
		}
	}
}
