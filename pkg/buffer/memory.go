package buffer

import (
	"context"
	"sync"
	"time"
)

type identityKey struct {
	namespace string
	sid       string
}

// MemoryStore 进程内缓冲
type MemoryStore struct {
	mu      sync.Mutex
	queues  map[identityKey][]Event
	maxSize int
	ttl     time.Duration
	closed  bool

	now func() time.Time
}

// NewMemoryStore 创建内存缓冲
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		queues:  make(map[identityKey][]Event),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Push 追加事件，超出上限时从队头淘汰
func (s *MemoryStore) Push(_ context.Context, namespace, sid string, ev Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	key := identityKey{namespace, sid}
	q := append(s.queues[key], ev)

	evicted := 0
	if over := len(q) - s.maxSize; over > 0 {
		evicted = over
		q = append(q[:0:0], q[over:]...)
	}
	s.queues[key] = q
	return evicted, nil
}

// Drain 取出全部未过期事件
func (s *MemoryStore) Drain(_ context.Context, namespace, sid string) ([]Event, int, error) {
	s.mu.Lock()
	key := identityKey{namespace, sid}
	q := s.queues[key]
	delete(s.queues, key)
	s.mu.Unlock()

	now := s.now()
	out := make([]Event, 0, len(q))
	dropped := 0
	for _, ev := range q {
		if expired(ev, s.ttl, now) {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped, nil
}

// Len 当前未过期的缓冲事件数，过期事件等待 Purge 清理
func (s *MemoryStore) Len(_ context.Context, namespace, sid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return live(s.queues[identityKey{namespace, sid}], s.ttl, s.now()), nil
}

// Purge 清理过期事件，队列为空时删除
func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for key, q := range s.queues {
		i := len(q) - live(q, s.ttl, now)
		purged += i
		if i == len(q) {
			delete(s.queues, key)
		} else if i > 0 {
			s.queues[key] = append(q[:0:0], q[i:]...)
		}
	}
	return purged, nil
}

// Close 关闭存储并丢弃全部事件
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queues = make(map[identityKey][]Event)
	return nil
}
