package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/buffer"
	"github.com/tokmz/relay/pkg/config"
	"github.com/tokmz/relay/pkg/ingest/kafka"
	"github.com/tokmz/relay/pkg/ingest/rabbitmq"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/orm"
	"github.com/tokmz/relay/pkg/state"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

// EnvPrefix 环境变量前缀，键中的 "." 替换为 "_"，如 RELAY_SERVER_ADDR
const EnvPrefix = "RELAY"

// Settings 配置文件结构
type Settings struct {
	Mode        string   `mapstructure:"mode"`
	Development bool     `mapstructure:"development"`
	Proxies     []string `mapstructure:"trusted_proxies"`

	Server   ServerConfig     `mapstructure:"server"`
	Log      LogSettings      `mapstructure:"log"`
	WS       WSSettings       `mapstructure:"ws"`
	State    StateSettings    `mapstructure:"state"`
	Activity ActivitySettings `mapstructure:"activity"`
	Buffer   buffer.Config    `mapstructure:"buffer"`
	Database orm.Config       `mapstructure:"database"`
	Tracing  tracing.Config   `mapstructure:"tracing"`

	// 可选的活动消息来源，未配置时为 nil
	Kafka    *kafka.Config    `mapstructure:"kafka"`
	RabbitMQ *rabbitmq.Config `mapstructure:"rabbitmq"`
}

// LogSettings 日志配置
type LogSettings struct {
	Level         string `mapstructure:"level"`
	logger.Config `mapstructure:",squash"`
}

// WSSettings 调度器配置
type WSSettings struct {
	Path               string          `mapstructure:"path"`
	MaxConnections     int             `mapstructure:"max_connections"`
	MaxMessageSize     int64           `mapstructure:"max_message_size"`
	HeartbeatInterval  time.Duration   `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration   `mapstructure:"heartbeat_timeout"`
	MessageQueueSize   int             `mapstructure:"message_queue_size"`
	WorkerPoolSize     int             `mapstructure:"worker_pool_size"`
	RequestTimeout     time.Duration   `mapstructure:"request_timeout"`
	KnownTTL           time.Duration   `mapstructure:"known_ttl"`
	SweepInterval      time.Duration   `mapstructure:"sweep_interval"`
	RestartNotice      bool            `mapstructure:"restart_notice"`
	BroadcastLifecycle bool            `mapstructure:"broadcast_lifecycle"`
	AllowedOrigins     []string        `mapstructure:"allowed_origins"`
	HandshakeLimit     *HandshakeLimit `mapstructure:"handshake_limit"`
}

// StateSettings 状态推送配置
type StateSettings struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// ActivitySettings 活动存储配置
type ActivitySettings struct {
	// Driver memory 或 gorm，gorm 使用 database 段
	Driver            string `mapstructure:"driver"`
	LogLimit          int    `mapstructure:"log_limit"`
	NotificationLimit int    `mapstructure:"notification_limit"`
}

// DefaultSettings 默认配置
func DefaultSettings() *Settings {
	return &Settings{
		Mode:   "release",
		Server: defaultConfig().Server,
		Log: LogSettings{
			Level:  "info",
			Config: logger.Config{Format: logger.JSONFormat, Console: true},
		},
		WS: WSSettings{
			Path: "/ws",
		},
		State: StateSettings{
			Debounce:    100 * time.Millisecond,
			PushTimeout: 10 * time.Second,
			QueueSize:   1024,
		},
		Activity: ActivitySettings{
			Driver: "memory",
		},
		Buffer:   *buffer.DefaultConfig(),
		Database: *orm.DefaultConfig(),
		Tracing:  *tracing.DefaultConfig(),
	}
}

// SearchPaths path 为空时查找 relay.yaml 的目录
var SearchPaths = []string{".", "./config", "/etc/relay"}

// LoadSettings 读取配置文件并应用环境变量覆盖
// path 为空时按 SearchPaths 顺序查找 relay.yaml
func LoadSettings(path string) (*Settings, *config.Config, error) {
	opts := []config.Option{config.WithEnvPrefix(EnvPrefix)}
	if path != "" {
		opts = append(opts, config.WithConfigFile(path))
	} else {
		opts = append(opts,
			config.WithConfigName("relay"),
			config.WithConfigType("yaml"),
			config.WithConfigPaths(SearchPaths...),
		)
	}
	conf := config.New(opts...)
	if err := conf.Load(); err != nil {
		return nil, nil, err
	}

	s, err := decodeSettings(conf)
	if err != nil {
		return nil, nil, err
	}
	return s, conf, nil
}

// decodeSettings 在默认值之上反序列化
func decodeSettings(conf *config.Config) (*Settings, error) {
	s := DefaultSettings()
	if err := conf.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("relay: decode settings: %w", err)
	}
	if s.Activity.Driver != "memory" && s.Activity.Driver != "gorm" {
		return nil, fmt.Errorf("relay: unknown activity driver %q", s.Activity.Driver)
	}
	return s, nil
}

// WatchSettings 监控配置文件，变更并重新解析成功后调用 fn
// 解析失败时保留旧配置
func WatchSettings(conf *config.Config, log logger.Logger, fn func(*Settings)) {
	conf.OnChange(func() {
		s, err := decodeSettings(conf)
		if err != nil {
			log.Warn("settings reload failed", zap.Error(err))
			return
		}
		fn(s)
	})
	conf.StartWatch()
}

// LevelReloader 重新应用日志级别
func LevelReloader(log logger.Logger) func(*Settings) {
	return func(s *Settings) {
		level, err := logger.ParseLevel(s.Log.Level)
		if err != nil {
			log.Warn("ignoring invalid log level", zap.String("level", s.Log.Level))
			return
		}
		if level == log.Level() {
			return
		}
		log.SetLevel(level)
		log.Info("log level changed", zap.String("level", level.String()))
	}
}

// NewLogger 按配置创建日志
func (s LogSettings) NewLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	cfg := s.Config
	cfg.Level = level
	return logger.New(&cfg)
}

// Options 转换为调度器选项
func (s WSSettings) Options() []ws.Option {
	opts := []ws.Option{
		ws.WithRestartNotice(s.RestartNotice),
		ws.WithBroadcastLifecycle(s.BroadcastLifecycle),
	}
	if s.MaxConnections > 0 {
		opts = append(opts, ws.WithMaxConnections(s.MaxConnections))
	}
	if s.MaxMessageSize > 0 {
		opts = append(opts, ws.WithMessageSizeLimit(s.MaxMessageSize))
	}
	if s.HeartbeatInterval > 0 && s.HeartbeatTimeout > 0 {
		opts = append(opts, ws.WithHeartbeat(s.HeartbeatInterval, s.HeartbeatTimeout))
	}
	if s.MessageQueueSize > 0 {
		opts = append(opts, ws.WithMessageQueueSize(s.MessageQueueSize))
	}
	if s.WorkerPoolSize > 0 {
		opts = append(opts, ws.WithWorkerPoolSize(s.WorkerPoolSize))
	}
	if s.RequestTimeout > 0 {
		opts = append(opts, ws.WithRequestTimeout(s.RequestTimeout))
	}
	if s.KnownTTL > 0 {
		opts = append(opts, ws.WithKnownTTL(s.KnownTTL))
	}
	if s.SweepInterval > 0 {
		opts = append(opts, ws.WithSweepInterval(s.SweepInterval))
	}
	if len(s.AllowedOrigins) > 0 {
		opts = append(opts, ws.WithCheckOriginWhitelist(s.AllowedOrigins))
	}
	return opts
}

// Options 转换为状态推送选项
func (s StateSettings) Options() []state.Option {
	var opts []state.Option
	if s.Debounce > 0 {
		opts = append(opts, state.WithDebounce(s.Debounce))
	}
	if s.PushTimeout > 0 {
		opts = append(opts, state.WithPushTimeout(s.PushTimeout))
	}
	if s.QueueSize > 0 {
		opts = append(opts, state.WithQueueSize(s.QueueSize))
	}
	return opts
}

// EngineOptions 转换为 Engine 选项
func (s *Settings) EngineOptions() []Option {
	return []Option{
		WithMode(s.Mode),
		WithServer(s.Server),
		WithTrustedProxies(s.Proxies...),
		WithWSPath(s.WS.Path),
		WithDevelopment(s.Development),
		WithHandshakeLimit(s.WS.HandshakeLimit),
		WithTracing(s.Tracing.Enabled),
	}
}
