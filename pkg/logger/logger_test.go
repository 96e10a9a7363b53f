package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNew 测试创建 Logger
func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "console output", config: &Config{Format: JSONFormat, Console: true}},
		{name: "file output", config: &Config{File: filepath.Join(dir, "relay.log")}},
		{name: "rotate output", config: &Config{Rotate: &RotateConfig{Filename: filepath.Join(dir, "rotate.log")}}},
		{name: "sampling", config: &Config{Sampling: &SamplingConfig{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			l.Info("hello")
		})
	}
}

// TestFileOutput 测试写入文件
func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(&Config{File: path, Format: JSONFormat})
	require.NoError(t, err)

	l.Warn("buffer overflow", zap.Int("dropped", 3))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dropped":3`)
}

// TestSetLevel 测试动态调整级别
func TestSetLevel(t *testing.T) {
	l, err := New(&Config{Level: InfoLevel})
	require.NoError(t, err)

	child := l.With(zap.String("component", "test"))
	assert.Equal(t, InfoLevel, child.Level())

	l.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.Level())
	assert.True(t, child.Zap().Core().Enabled(zapcore.DebugLevel))
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	lv, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lv)

	lv, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, lv)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

// TestContextFields 测试从 Context 提取字段
func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithIdentity(ctx, "/state", "sid-1")
	l.InfoContext(ctx, "routed", zap.Int("handlers", 2))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "/state", fields["namespace"])
	assert.Equal(t, "sid-1", fields["sid"])
	assert.EqualValues(t, 2, fields["handlers"])
	assert.Equal(t, "corr-1", CorrelationID(ctx))
}

// TestNop 测试空 Logger
func TestNop(t *testing.T) {
	l := NewNop()
	l.Error("ignored")
	l.ErrorContext(context.Background(), "ignored")
	assert.NoError(t, l.Named("x").Sync())
}
