// Package buffer 为暂时不可达的连接保存待投递事件。
//
// 每个身份（namespace, sid）一条有界队列：超出上限时丢弃最旧的事件，
// 超过 TTL 的事件在 Drain 时静默丢弃，永不投递。
package buffer

import (
	"context"
	"encoding/json"
	"time"
)

// Event 缓冲中的待投递事件
type Event struct {
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	HandlerID     string          `json:"handler_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Store 缓冲存储接口
type Store interface {
	// Push 追加事件，返回因超出上限被淘汰的最旧事件数
	Push(ctx context.Context, namespace, sid string, ev Event) (evicted int, err error)
	// Drain 取出并清空全部事件（按入队顺序），expired 为被丢弃的过期事件数
	Drain(ctx context.Context, namespace, sid string) (events []Event, expired int, err error)
	// Len 当前未过期的缓冲事件数
	Len(ctx context.Context, namespace, sid string) (int, error)
	// Purge 清理所有已过期事件，返回清理数量
	Purge(ctx context.Context) (int, error)
	Close() error
}

// expired 判断事件是否已过期
func expired(ev Event, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(ev.Timestamp) > ttl
}

// live 入队顺序即时间顺序，返回第一个未过期事件之后的数量
func live(q []Event, ttl time.Duration, now time.Time) int {
	i := 0
	for i < len(q) && expired(q[i], ttl, now) {
		i++
	}
	return len(q) - i
}
