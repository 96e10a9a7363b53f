package activity

import (
	"context"
	"sync"
	"time"

	"github.com/tokmz/relay/pkg/snapshot"
)

// Memory 进程内活动存储
type Memory struct {
	notifier

	mu          sync.RWMutex
	contexts    map[string]snapshot.Context
	logs        map[string][]snapshot.Entry
	logVersions map[string]uint64
	notes       []snapshot.Notification
	noteVersion uint64

	maxLogs  int
	maxNotes int
	now      func() time.Time
}

// MemoryOption 内存存储选项
type MemoryOption func(*Memory)

// WithLogLimit 每个上下文保留的最大日志条数，0 表示不限制
func WithLogLimit(n int) MemoryOption {
	return func(m *Memory) { m.maxLogs = n }
}

// WithNotificationLimit 保留的最大通知条数
func WithNotificationLimit(n int) MemoryOption {
	return func(m *Memory) { m.maxNotes = n }
}

// NewMemory 创建内存存储
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		contexts:    make(map[string]snapshot.Context),
		logs:        make(map[string][]snapshot.Entry),
		logVersions: make(map[string]uint64),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(id string) (snapshot.Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

func (m *Memory) List() []snapshot.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]snapshot.Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c)
	}
	return out
}

// PutContext 新增或更新上下文，未填写的时间取当前时间
func (m *Memory) PutContext(_ context.Context, c snapshot.Context) error {
	if err := validContext(c); err != nil {
		return err
	}

	m.mu.Lock()
	now := m.now()
	if c.CreatedAt.IsZero() {
		if prev, ok := m.contexts[c.ID]; ok {
			c.CreatedAt = prev.CreatedAt
		} else {
			c.CreatedAt = now
		}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	m.contexts[c.ID] = c
	m.mu.Unlock()

	m.notify("")
	return nil
}

func (m *Memory) RemoveContext(_ context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.contexts[id]
	delete(m.contexts, id)
	delete(m.logs, id)
	m.mu.Unlock()

	if ok {
		m.notify("")
	}
	return nil
}

func (m *Memory) AppendLog(_ context.Context, e snapshot.Entry) (uint64, error) {
	m.mu.Lock()
	if _, ok := m.contexts[e.ContextID]; !ok {
		m.mu.Unlock()
		return 0, ErrUnknownContext
	}
	m.logVersions[e.ContextID]++
	e.Version = m.logVersions[e.ContextID]
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	q := append(m.logs[e.ContextID], e)
	if m.maxLogs > 0 && len(q) > m.maxLogs {
		q = append(q[:0:0], q[len(q)-m.maxLogs:]...)
	}
	m.logs[e.ContextID] = q
	m.mu.Unlock()

	m.notify(e.ContextID)
	return e.Version, nil
}

func (m *Memory) Notify(_ context.Context, n snapshot.Notification) (uint64, error) {
	m.mu.Lock()
	m.noteVersion++
	n.Version = m.noteVersion
	if n.Time.IsZero() {
		n.Time = m.now()
	}
	m.notes = append(m.notes, n)
	if m.maxNotes > 0 && len(m.notes) > m.maxNotes {
		m.notes = append(m.notes[:0:0], m.notes[len(m.notes)-m.maxNotes:]...)
	}
	m.mu.Unlock()

	m.notify("")
	return n.Version, nil
}

func (m *Memory) All(ctx context.Context, contextID string) ([]snapshot.Entry, uint64, error) {
	return m.Since(ctx, contextID, 0)
}

func (m *Memory) Since(_ context.Context, contextID string, v uint64) ([]snapshot.Entry, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []snapshot.Entry
	for _, e := range m.logs[contextID] {
		if e.Version > v {
			out = append(out, e)
		}
	}
	return out, m.logVersions[contextID], nil
}

// Notifications 通知读取视图
func (m *Memory) Notifications() snapshot.NotificationStore {
	return memoryNotes{m}
}

type memoryNotes struct{ m *Memory }

func (n memoryNotes) All(ctx context.Context) ([]snapshot.Notification, uint64, error) {
	return n.Since(ctx, 0)
}

func (n memoryNotes) Since(_ context.Context, v uint64) ([]snapshot.Notification, uint64, error) {
	n.m.mu.RLock()
	defer n.m.mu.RUnlock()

	var out []snapshot.Notification
	for _, note := range n.m.notes {
		if note.Version > v {
			out = append(out, note)
		}
	}
	return out, n.m.noteVersion, nil
}
