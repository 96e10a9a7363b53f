package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TimeLayout 快照中时间戳的格式
const TimeLayout = time.RFC3339

// Builder 快照组装器
type Builder struct {
	contexts      ContextRegistry
	logs          LogStore
	notifications NotificationStore
	now           func() time.Time
}

// Option 组装器选项
type Option func(*Builder)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder 创建快照组装器
func NewBuilder(contexts ContextRegistry, logs LogStore, notifications NotificationStore, opts ...Option) *Builder {
	b := &Builder{
		contexts:      contexts,
		logs:          logs,
		notifications: notifications,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 组装快照
// 请求引用的上下文不存在时 Context 为 nil，LogVersion 原样返回请求游标
func (b *Builder) Build(ctx context.Context, req Request) (*Snapshot, error) {
	loc, err := LoadLocation(req.Timezone)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Logs:          []EntryView{},
		LogVersion:    req.LogFrom,
		Notifications: []NotificationView{},
		Contexts:      []ContextView{},
		Tasks:         []ContextView{},
		Timezone:      loc.String(),
		GeneratedAt:   b.now().In(loc).Format(TimeLayout),
	}

	if req.ContextID != "" {
		if c, ok := b.contexts.Get(req.ContextID); ok {
			view := contextView(c, loc)
			snap.Context = &view

			entries, version, err := b.readLogs(ctx, req.ContextID, req.LogFrom)
			if err != nil {
				return nil, fmt.Errorf("read logs of %s: %w", req.ContextID, err)
			}
			for _, e := range entries {
				snap.Logs = append(snap.Logs, EntryView{
					Version: e.Version,
					Level:   e.Level,
					Message: e.Message,
					Time:    e.Time.In(loc).Format(TimeLayout),
				})
			}
			snap.LogVersion = version
		}
	}

	notes, version, err := b.readNotifications(ctx, req.NotificationsFrom)
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	for _, n := range notes {
		snap.Notifications = append(snap.Notifications, NotificationView{
			Version:   n.Version,
			Level:     n.Level,
			Title:     n.Title,
			Body:      n.Body,
			ContextID: n.ContextID,
			Time:      n.Time.In(loc).Format(TimeLayout),
		})
	}
	snap.NotificationsVersion = version

	all := b.contexts.List()
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, c := range all {
		view := contextView(c, loc)
		snap.Contexts = append(snap.Contexts, view)
		if c.Kind == KindTask {
			snap.Tasks = append(snap.Tasks, view)
		}
	}

	return snap, nil
}

func (b *Builder) readLogs(ctx context.Context, contextID string, from uint64) ([]Entry, uint64, error) {
	if from == 0 {
		return b.logs.All(ctx, contextID)
	}
	return b.logs.Since(ctx, contextID, from)
}

func (b *Builder) readNotifications(ctx context.Context, from uint64) ([]Notification, uint64, error) {
	if from == 0 {
		return b.notifications.All(ctx)
	}
	return b.notifications.Since(ctx, from)
}

func contextView(c Context, loc *time.Location) ContextView {
	return ContextView{
		ID:        c.ID,
		Kind:      c.Kind,
		Title:     c.Title,
		Status:    c.Status,
		CreatedAt: c.CreatedAt.In(loc).Format(TimeLayout),
		UpdatedAt: c.UpdatedAt.In(loc).Format(TimeLayout),
	}
}

// LoadLocation 解析 IANA 时区名，空字符串视为 UTC
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
