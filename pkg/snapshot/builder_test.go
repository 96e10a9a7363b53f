package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContexts map[string]Context

func (f fakeContexts) Get(id string) (Context, bool) {
	c, ok := f[id]
	return c, ok
}

func (f fakeContexts) List() []Context {
	out := make([]Context, 0, len(f))
	for _, c := range f {
		out = append(out, c)
	}
	return out
}

type fakeLogs struct {
	entries map[string][]Entry
	err     error
	calls   []string
}

func (f *fakeLogs) All(ctx context.Context, id string) ([]Entry, uint64, error) {
	f.calls = append(f.calls, "all")
	return f.Since(ctx, id, 0)
}

func (f *fakeLogs) Since(_ context.Context, id string, v uint64) ([]Entry, uint64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	if v > 0 {
		f.calls = append(f.calls, "since")
	}
	var out []Entry
	var version uint64
	for _, e := range f.entries[id] {
		if e.Version > v {
			out = append(out, e)
		}
		version = max(version, e.Version)
	}
	return out, version, nil
}

type fakeNotifications []Notification

func (f fakeNotifications) All(ctx context.Context) ([]Notification, uint64, error) {
	return f.Since(ctx, 0)
}

func (f fakeNotifications) Since(_ context.Context, v uint64) ([]Notification, uint64, error) {
	var out []Notification
	var version uint64
	for _, n := range f {
		if n.Version > v {
			out = append(out, n)
		}
		version = max(version, n.Version)
	}
	return out, version, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture() (fakeContexts, *fakeLogs, fakeNotifications) {
	contexts := fakeContexts{
		"s1": {ID: "s1", Kind: KindSession, Title: "debug session", Status: "running", CreatedAt: base, UpdatedAt: base},
		"t1": {ID: "t1", Kind: KindTask, Title: "nightly build", Status: "queued", CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)},
	}
	logs := &fakeLogs{entries: map[string][]Entry{
		"s1": {
			{ContextID: "s1", Version: 1, Level: "info", Message: "start", Time: base},
			{ContextID: "s1", Version: 2, Level: "info", Message: "step", Time: base.Add(time.Second)},
			{ContextID: "s1", Version: 3, Level: "warn", Message: "retry", Time: base.Add(2 * time.Second)},
		},
	}}
	notes := fakeNotifications{
		{Version: 1, Level: "info", Title: "deployed", Time: base},
		{Version: 2, Level: "error", Title: "build failed", ContextID: "t1", Time: base.Add(time.Minute)},
	}
	return contexts, logs, notes
}

// TestBuildFull 测试游标为 0 时读取全部
func TestBuildFull(t *testing.T) {
	contexts, logs, notes := newFixture()
	b := NewBuilder(contexts, logs, notes, WithClock(func() time.Time { return base }))

	snap, err := b.Build(context.Background(), Request{ContextID: "s1", Timezone: "Asia/Shanghai"})
	require.NoError(t, err)

	require.NotNil(t, snap.Context)
	assert.Equal(t, "s1", snap.Context.ID)
	assert.Equal(t, "2026-03-01T20:00:00+08:00", snap.Context.CreatedAt, "timestamps use the requested timezone")
	assert.Len(t, snap.Logs, 3)
	assert.Equal(t, uint64(3), snap.LogVersion)
	assert.Len(t, snap.Notifications, 2)
	assert.Equal(t, uint64(2), snap.NotificationsVersion)
	assert.Equal(t, "Asia/Shanghai", snap.Timezone)
	assert.Equal(t, "2026-03-01T20:00:00+08:00", snap.GeneratedAt)
	assert.Equal(t, []string{"all"}, logs.calls)

	require.Len(t, snap.Contexts, 2)
	assert.Equal(t, "s1", snap.Contexts[0].ID, "contexts are ordered by creation")
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "t1", snap.Tasks[0].ID)
}

// TestBuildIncremental 测试增量游标
func TestBuildIncremental(t *testing.T) {
	contexts, logs, notes := newFixture()
	b := NewBuilder(contexts, logs, notes)

	snap, err := b.Build(context.Background(), Request{ContextID: "s1", LogFrom: 2, NotificationsFrom: 1, Timezone: "UTC"})
	require.NoError(t, err)

	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "retry", snap.Logs[0].Message)
	assert.Equal(t, uint64(3), snap.LogVersion)
	require.Len(t, snap.Notifications, 1)
	assert.Equal(t, "build failed", snap.Notifications[0].Title)
	assert.Equal(t, uint64(2), snap.NotificationsVersion)

	again, err := b.Build(context.Background(), Request{ContextID: "s1", LogFrom: 3, NotificationsFrom: 2, Timezone: "UTC"})
	require.NoError(t, err)
	assert.Empty(t, again.Logs)
	assert.Empty(t, again.Notifications)
	assert.Equal(t, uint64(3), again.LogVersion)
}

// TestBuildWithoutContext 测试未指定或不存在的上下文
func TestBuildWithoutContext(t *testing.T) {
	contexts, logs, notes := newFixture()
	b := NewBuilder(contexts, logs, notes)

	for _, id := range []string{"", "gone"} {
		snap, err := b.Build(context.Background(), Request{ContextID: id, LogFrom: 5})
		require.NoError(t, err)
		assert.Nil(t, snap.Context)
		assert.Empty(t, snap.Logs)
		assert.Equal(t, uint64(5), snap.LogVersion, "log cursor is echoed back")
		assert.Equal(t, "UTC", snap.Timezone)
	}
	assert.Empty(t, logs.calls)
}

// TestBuildErrors 测试时区与存储错误
func TestBuildErrors(t *testing.T) {
	contexts, logs, notes := newFixture()
	b := NewBuilder(contexts, logs, notes)

	_, err := b.Build(context.Background(), Request{Timezone: "Mars/Olympus"})
	assert.Error(t, err)

	logs.err = errors.New("disk gone")
	_, err = b.Build(context.Background(), Request{ContextID: "s1"})
	assert.ErrorContains(t, err, "disk gone")
}

// TestSnapshotShape 测试序列化字段固定
func TestSnapshotShape(t *testing.T) {
	contexts := fakeContexts{}
	b := NewBuilder(contexts, &fakeLogs{}, fakeNotifications{})
	snap, err := b.Build(context.Background(), Request{})
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"context", "logs", "log_version", "notifications", "notifications_version", "contexts", "tasks", "timezone", "generated_at"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, []any{}, m["logs"], "empty lists serialize as []")
}
