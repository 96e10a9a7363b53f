// Package snapshot 根据订阅请求组装状态快照。
//
// Builder 只读取协作方（上下文注册表、日志存储、通知存储），不保存任何跨调用状态；
// 游标相同的两次调用除新增活动外结果一致。
package snapshot

import (
	"context"
	"time"
)

// Kind 上下文类型
type Kind string

const (
	KindSession Kind = "session"
	KindTask    Kind = "task"
)

// Context 活动的领域上下文（会话或任务）
type Context struct {
	ID        string
	Kind      Kind
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry 上下文日志条目，Version 在同一上下文内单调递增
type Entry struct {
	ContextID string
	Version   uint64
	Level     string
	Message   string
	Time      time.Time
}

// Notification 全局通知，Version 全局单调递增
type Notification struct {
	Version   uint64
	Level     string
	Title     string
	Body      string
	ContextID string
	Time      time.Time
}

// ContextRegistry 活动上下文
type ContextRegistry interface {
	Get(id string) (Context, bool)
	List() []Context
}

// LogStore 按上下文追加的日志
// All/Since 返回条目与当前版本；Since 只返回 Version 大于 v 的条目
type LogStore interface {
	All(ctx context.Context, contextID string) ([]Entry, uint64, error)
	Since(ctx context.Context, contextID string, v uint64) ([]Entry, uint64, error)
}

// NotificationStore 通知
type NotificationStore interface {
	All(ctx context.Context) ([]Notification, uint64, error)
	Since(ctx context.Context, v uint64) ([]Notification, uint64, error)
}

// Request 已校验的订阅请求
// ContextID 为空表示不关注具体上下文；游标为 0 表示读取全部
type Request struct {
	ContextID         string
	LogFrom           uint64
	NotificationsFrom uint64
	Timezone          string
}

// Snapshot 推送给客户端的固定结构
type Snapshot struct {
	Context              *ContextView       `json:"context"`
	Logs                 []EntryView        `json:"logs"`
	LogVersion           uint64             `json:"log_version"`
	Notifications        []NotificationView `json:"notifications"`
	NotificationsVersion uint64             `json:"notifications_version"`
	Contexts             []ContextView      `json:"contexts"`
	Tasks                []ContextView      `json:"tasks"`
	Timezone             string             `json:"timezone"`
	GeneratedAt          string             `json:"generated_at"`
}

// ContextView 上下文的展示形式，时间按请求时区渲染
type ContextView struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// EntryView 日志条目的展示形式
type EntryView struct {
	Version uint64 `json:"version"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// NotificationView 通知的展示形式
type NotificationView struct {
	Version   uint64 `json:"version"`
	Level     string `json:"level"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Time      string `json:"time"`
}
