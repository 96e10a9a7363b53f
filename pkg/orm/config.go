package orm

import (
	"fmt"
	"time"
)

// Driver 数据库驱动
type Driver string

const (
	MySQL      Driver = "mysql"
	PostgreSQL Driver = "postgres"
	SQLite     Driver = "sqlite"
	SQLServer  Driver = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Driver Driver `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// 连接池
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	PrepareStmt bool `mapstructure:"prepare_stmt"`

	// 慢查询阈值，超过时以 Warn 记录
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	// 记录全部 SQL（Debug 级别）
	LogQueries bool `mapstructure:"log_queries"`

	TablePrefix string `mapstructure:"table_prefix"`

	// 链路追踪
	Tracing  bool `mapstructure:"tracing"`
	TraceSQL bool `mapstructure:"trace_sql"` // 在 Span 中记录 SQL，可能包含敏感数据

	// 只读副本（可选），读请求经 dbresolver 分流
	Replicas *ReplicaConfig `mapstructure:"replicas"`
}

// ReplicaConfig 只读副本配置
type ReplicaConfig struct {
	DSNs   []string `mapstructure:"dsns"`
	Policy string   `mapstructure:"policy"` // random, round_robin

	MaxIdleConns int `mapstructure:"max_idle_conns"`
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// DefaultConfig 默认配置：本地 sqlite 文件
func DefaultConfig() *Config {
	return &Config{
		Driver:          SQLite,
		DSN:             "file:relay.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		SlowThreshold:   200 * time.Millisecond,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Driver {
	case MySQL, PostgreSQL, SQLite, SQLServer:
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("DSN is required")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes must not be negative")
	}
	if c.Replicas != nil && len(c.Replicas.DSNs) == 0 {
		return fmt.Errorf("replicas configured without dsns")
	}
	return nil
}
