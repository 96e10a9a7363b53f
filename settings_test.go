package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/buffer"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/orm"
)

const settingsYAML = `
mode: debug
development: true
server:
  addr: ":9000"
  read_timeout: 5s
log:
  level: debug
  format: console
ws:
  path: /realtime
  max_connections: 500
  heartbeat_interval: 20s
  heartbeat_timeout: 60s
  allowed_origins:
    - https://app.example.com
  handshake_limit:
    rate: 5
    burst: 10
state:
  debounce: 150ms
activity:
  driver: gorm
database:
  driver: sqlite
  dsn: "file:relay_test.db"
buffer:
  driver: memory
  max_size: 20
  ttl: 1m
kafka:
  brokers: ["localhost:9092"]
  topic: relay.activity
  group_id: relay
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadSettings 测试配置文件与默认值合并
func TestLoadSettings(t *testing.T) {
	s, conf, err := LoadSettings(writeSettings(t, settingsYAML))
	require.NoError(t, err)
	defer conf.Close()

	assert.Equal(t, "debug", s.Mode)
	assert.True(t, s.Development)
	assert.Equal(t, ":9000", s.Server.Addr)
	assert.Equal(t, 5*time.Second, s.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, s.Server.WriteTimeout, "unset keys keep defaults")

	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, logger.ConsoleFormat, s.Log.Format)

	assert.Equal(t, "/realtime", s.WS.Path)
	assert.Equal(t, 500, s.WS.MaxConnections)
	assert.Equal(t, []string{"https://app.example.com"}, s.WS.AllowedOrigins)
	require.NotNil(t, s.WS.HandshakeLimit)
	assert.Equal(t, 5.0, s.WS.HandshakeLimit.RequestsPerSecond)
	assert.Equal(t, 10, s.WS.HandshakeLimit.Burst)

	assert.Equal(t, 150*time.Millisecond, s.State.Debounce)
	assert.Equal(t, 10*time.Second, s.State.PushTimeout)

	assert.Equal(t, "gorm", s.Activity.Driver)
	assert.Equal(t, orm.SQLite, s.Database.Driver)
	assert.Equal(t, "file:relay_test.db", s.Database.DSN)
	assert.Equal(t, 100, s.Database.MaxOpenConns)

	assert.Equal(t, buffer.DriverMemory, s.Buffer.Driver)
	assert.Equal(t, 20, s.Buffer.MaxSize)
	assert.Equal(t, time.Minute, s.Buffer.TTL)

	require.NotNil(t, s.Kafka)
	assert.Equal(t, []string{"localhost:9092"}, s.Kafka.Brokers)
	assert.NoError(t, s.Kafka.Validate())
	assert.Nil(t, s.RabbitMQ)
}

// TestLoadSettingsEnvOverride 测试环境变量覆盖
func TestLoadSettingsEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER_ADDR", ":7000")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	s, conf, err := LoadSettings(writeSettings(t, settingsYAML))
	require.NoError(t, err)
	defer conf.Close()

	assert.Equal(t, ":7000", s.Server.Addr)
	assert.Equal(t, "warn", s.Log.Level)
}

// TestLoadSettingsSearch 测试未指定路径时按搜索路径查找
func TestLoadSettingsSearch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte(settingsYAML), 0644))

	saved := SearchPaths
	SearchPaths = []string{filepath.Join(dir, "missing"), dir}
	t.Cleanup(func() { SearchPaths = saved })

	s, conf, err := LoadSettings("")
	require.NoError(t, err)
	defer conf.Close()
	assert.Equal(t, ":9000", s.Server.Addr)
	assert.Equal(t, filepath.Join(dir, "relay.yaml"), conf.ConfigFileUsed())
}

// TestLoadSettingsErrors 测试无效配置
func TestLoadSettingsErrors(t *testing.T) {
	_, _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, _, err = LoadSettings(writeSettings(t, "activity:\n  driver: mongo\n"))
	assert.ErrorContains(t, err, "unknown activity driver")
}

// TestSettingsOptions 测试配置转换为组件选项
func TestSettingsOptions(t *testing.T) {
	s := DefaultSettings()
	assert.Len(t, s.WS.Options(), 2)
	assert.Empty(t, s.State.Options())
	assert.Len(t, s.EngineOptions(), 7)

	s.WS.MaxConnections = 10
	s.WS.HeartbeatInterval = time.Second
	s.WS.HeartbeatTimeout = 3 * time.Second
	s.WS.AllowedOrigins = []string{"https://a"}
	assert.Len(t, s.WS.Options(), 5)

	s.State.Debounce = time.Second
	assert.Len(t, s.State.Options(), 1)

	cfg := defaultConfig()
	for _, opt := range s.EngineOptions() {
		opt(cfg)
	}
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Nil(t, cfg.HandshakeLimit)
}

// TestLevelReloader 测试日志级别热更新
func TestLevelReloader(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel})
	require.NoError(t, err)

	reload := LevelReloader(log)

	s := DefaultSettings()
	s.Log.Level = "debug"
	reload(s)
	assert.Equal(t, logger.DebugLevel, log.Level())

	s.Log.Level = "verbose"
	reload(s)
	assert.Equal(t, logger.DebugLevel, log.Level(), "invalid level keeps the current one")
}

// TestLogSettingsNewLogger 测试按配置创建日志
func TestLogSettingsNewLogger(t *testing.T) {
	log, err := LogSettings{Level: "error"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logger.ErrorLevel, log.Level())

	_, err = LogSettings{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
