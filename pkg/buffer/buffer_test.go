package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(i int, ts time.Time) Event {
	return Event{
		EventType:     "note",
		Data:          json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		CorrelationID: fmt.Sprintf("c-%d", i),
		Timestamp:     ts,
	}
}

func storeSuite(t *testing.T, s Store) {
	ctx := context.Background()
	ns, sid := "/chat", uuid.NewString()

	t.Run("order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			evicted, err := s.Push(ctx, ns, sid, event(i, time.Now()))
			require.NoError(t, err)
			assert.Zero(t, evicted)
		}
		n, err := s.Len(ctx, ns, sid)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		events, expired, err := s.Drain(ctx, ns, sid)
		require.NoError(t, err)
		assert.Zero(t, expired)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, fmt.Sprintf("c-%d", i), ev.CorrelationID)
		}

		n, err = s.Len(ctx, ns, sid)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("overflow drops oldest", func(t *testing.T) {
		total := 0
		for i := 0; i < 7; i++ {
			evicted, err := s.Push(ctx, ns, sid, event(i, time.Now()))
			require.NoError(t, err)
			total += evicted
		}
		assert.Equal(t, 2, total)

		events, _, err := s.Drain(ctx, ns, sid)
		require.NoError(t, err)
		require.Len(t, events, 5)
		assert.Equal(t, "c-2", events[0].CorrelationID)
		assert.Equal(t, "c-6", events[4].CorrelationID)
	})

	t.Run("expired dropped at drain", func(t *testing.T) {
		_, err := s.Push(ctx, ns, sid, event(0, time.Now().Add(-time.Hour)))
		require.NoError(t, err)
		n, err := s.Len(ctx, ns, sid)
		require.NoError(t, err)
		assert.Zero(t, n, "expired events are not counted before purge")

		_, err = s.Push(ctx, ns, sid, event(1, time.Now()))
		require.NoError(t, err)
		n, err = s.Len(ctx, ns, sid)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		events, expired, err := s.Drain(ctx, ns, sid)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)
		require.Len(t, events, 1)
		assert.Equal(t, "c-1", events[0].CorrelationID)
	})

	t.Run("namespace isolation", func(t *testing.T) {
		_, err := s.Push(ctx, "/a", sid, event(1, time.Now()))
		require.NoError(t, err)

		events, _, err := s.Drain(ctx, "/b", sid)
		require.NoError(t, err)
		assert.Empty(t, events)

		n, err := s.Len(ctx, "/a", sid)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, _, _ = s.Drain(ctx, "/a", sid)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(5, time.Minute)
	defer s.Close()
	storeSuite(t, s)
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10, time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = s.Push(ctx, "/a", "1", event(0, now.Add(-2*time.Minute)))
	_, _ = s.Push(ctx, "/a", "1", event(1, now))
	_, _ = s.Push(ctx, "/a", "2", event(2, now.Add(-2*time.Minute)))

	purged, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	n, _ := s.Len(ctx, "/a", "1")
	assert.Equal(t, 1, n)
	n, _ = s.Len(ctx, "/a", "2")
	assert.Zero(t, n)

	require.NoError(t, s.Close())
	_, err = s.Push(ctx, "/a", "1", event(3, now))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	cfg := DefaultConfig()
	cfg.Driver = DriverRedis
	cfg.MaxSize = 5
	cfg.TTL = time.Minute
	cfg.KeyPrefix = "relay:test:" + uuid.NewString() + ":"
	cfg.Redis = DefaultRedisConfig()
	cfg.Redis.Addr = addr

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()
	storeSuite(t, s)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Driver = DriverRedis
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Driver = "etcd"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := newRedisClient(&RedisConfig{Mode: RedisCluster})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
