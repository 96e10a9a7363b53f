package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/orm"
	"github.com/tokmz/relay/pkg/snapshot"
)

type changes struct {
	mu  sync.Mutex
	ids []string
}

func (c *changes) record(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (c *changes) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func openGorm(t *testing.T, name string) *GormStore {
	t.Helper()
	cfg := orm.DefaultConfig()
	cfg.DSN = "file:" + name + "?mode=memory&cache=shared"
	cfg.MaxOpenConns = 1
	db, err := orm.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orm.Close(db) })

	s, err := NewGormStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	var seen changes
	s.OnChange(seen.record)

	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutContext(ctx, snapshot.Context{ID: "s1", Kind: snapshot.KindSession, Title: "chat", Status: "active", CreatedAt: created}))
	require.NoError(t, s.PutContext(ctx, snapshot.Context{ID: "t1", Kind: snapshot.KindTask, Title: "build", Status: "queued"}))
	assert.ErrorIs(t, s.PutContext(ctx, snapshot.Context{ID: "x", Kind: "bogus"}), ErrInvalidContext)
	assert.ErrorIs(t, s.PutContext(ctx, snapshot.Context{Kind: snapshot.KindTask}), ErrInvalidContext)

	c, ok := s.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "chat", c.Title)
	assert.True(t, created.Equal(c.CreatedAt))
	assert.Len(t, s.List(), 2)

	require.NoError(t, s.PutContext(ctx, snapshot.Context{ID: "s1", Kind: snapshot.KindSession, Title: "chat", Status: "idle"}))
	c, _ = s.Get("s1")
	assert.Equal(t, "idle", c.Status)
	assert.True(t, created.Equal(c.CreatedAt), "creation time survives updates")

	for i, msg := range []string{"a", "b", "c"} {
		v, err := s.AppendLog(ctx, snapshot.Entry{ContextID: "s1", Level: "info", Message: msg})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), v)
	}
	_, err := s.AppendLog(ctx, snapshot.Entry{ContextID: "nope", Message: "x"})
	assert.ErrorIs(t, err, ErrUnknownContext)

	entries, version, err := s.All(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Message)
	assert.False(t, entries[0].Time.IsZero())

	entries, version, err = s.Since(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Message)

	entries, version, err = s.Since(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(3), version)

	notes := s.Notifications()
	for i := 1; i <= 2; i++ {
		v, err := s.Notify(ctx, snapshot.Notification{Level: "info", Title: "n"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v)
	}
	got, nv, err := notes.Since(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nv)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Version)

	got, _, err = notes.All(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.RemoveContext(ctx, "s1"))
	_, ok = s.Get("s1")
	assert.False(t, ok)
	assert.Len(t, s.List(), 1)

	// 重新创建后日志版本继续递增
	require.NoError(t, s.PutContext(ctx, snapshot.Context{ID: "s1", Kind: snapshot.KindSession}))
	v, err := s.AppendLog(ctx, snapshot.Entry{ContextID: "s1", Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	assert.Equal(t, []string{"", "", "", "s1", "s1", "s1", "", "", "", "", "s1"}, seen.list())
}

// TestMemoryStore 测试内存存储
func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

// TestGormStore 测试 gorm 存储
func TestGormStore(t *testing.T) {
	exerciseStore(t, openGorm(t, "activity_store"))
}

// TestGormStoreReload 测试重启后恢复上下文与版本
func TestGormStoreReload(t *testing.T) {
	ctx := context.Background()
	cfg := orm.DefaultConfig()
	cfg.DSN = "file:activity_reload?mode=memory&cache=shared"
	cfg.MaxOpenConns = 1
	db, err := orm.New(cfg, nil)
	require.NoError(t, err)
	defer orm.Close(db)

	first, err := NewGormStore(ctx, db)
	require.NoError(t, err)
	require.NoError(t, first.PutContext(ctx, snapshot.Context{ID: "t9", Kind: snapshot.KindTask, Title: "deploy"}))
	_, err = first.AppendLog(ctx, snapshot.Entry{ContextID: "t9", Message: "one"})
	require.NoError(t, err)

	second, err := NewGormStore(ctx, db)
	require.NoError(t, err)
	c, ok := second.Get("t9")
	require.True(t, ok)
	assert.Equal(t, "deploy", c.Title)

	v, err := second.AppendLog(ctx, snapshot.Entry{ContextID: "t9", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

// TestMemoryLimits 测试保留上限
func TestMemoryLimits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithLogLimit(2), WithNotificationLimit(1))
	require.NoError(t, m.PutContext(ctx, snapshot.Context{ID: "s", Kind: snapshot.KindSession}))
	for i := 0; i < 4; i++ {
		_, err := m.AppendLog(ctx, snapshot.Entry{ContextID: "s"})
		require.NoError(t, err)
		_, err = m.Notify(ctx, snapshot.Notification{})
		require.NoError(t, err)
	}

	entries, version, err := m.All(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), version)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(3), entries[0].Version)

	notes, nv, err := m.Notifications().All(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), nv)
	assert.Len(t, notes, 1)
}
