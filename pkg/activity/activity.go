// Package activity 保存快照所需的领域活动：上下文、日志与通知。
//
// 所有写入在提交后通过 ChangeFunc 通知订阅方，调度器据此标记连接为脏。
package activity

import (
	"context"
	"errors"
	"sync"

	"github.com/tokmz/relay/pkg/snapshot"
)

var (
	// ErrUnknownContext 日志引用的上下文不存在
	ErrUnknownContext = errors.New("activity: unknown context")
	// ErrInvalidContext 上下文缺少 ID 或类型非法
	ErrInvalidContext = errors.New("activity: invalid context")
)

// ChangeFunc 变更回调，contextID 为空表示影响全部连接
type ChangeFunc func(contextID string)

// Store 活动存储
type Store interface {
	snapshot.ContextRegistry
	snapshot.LogStore

	// Notifications 通知读取视图
	Notifications() snapshot.NotificationStore

	// PutContext 新增或更新上下文
	PutContext(ctx context.Context, c snapshot.Context) error
	// RemoveContext 移除上下文及其日志，日志版本保留
	RemoveContext(ctx context.Context, id string) error
	// AppendLog 追加日志，返回分配的版本
	AppendLog(ctx context.Context, e snapshot.Entry) (uint64, error)
	// Notify 发布通知，返回分配的版本
	Notify(ctx context.Context, n snapshot.Notification) (uint64, error)
	// OnChange 注册变更回调
	OnChange(fn ChangeFunc)
}

func validContext(c snapshot.Context) error {
	if c.ID == "" {
		return ErrInvalidContext
	}
	switch c.Kind {
	case snapshot.KindSession, snapshot.KindTask:
		return nil
	default:
		return ErrInvalidContext
	}
}

type notifier struct {
	mu  sync.RWMutex
	fns []ChangeFunc
}

func (n *notifier) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
}

func (n *notifier) notify(contextID string) {
	n.mu.RLock()
	fns := n.fns
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(contextID)
	}
}
