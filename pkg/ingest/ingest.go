// Package ingest 将外部活动消息写入活动存储。
//
// 写入成功后由存储的变更回调发出脏信号；Kafka 与 RabbitMQ 消费者位于子包。
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/activity"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/snapshot"
)

// 消息类型
const (
	TypeContext      = "context"
	TypeLog          = "log"
	TypeNotification = "notification"
	TypeRemove       = "remove"
)

// ErrMalformed 消息无法解析或内容非法，重投也不会成功
var ErrMalformed = errors.New("ingest: malformed message")

// Applier 消息应用方，消费者只依赖该接口
type Applier interface {
	Apply(ctx context.Context, raw []byte) error
}

// Permanent 判断错误是否不可重试
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, activity.ErrUnknownContext) ||
		errors.Is(err, activity.ErrInvalidContext)
}

// Message 活动消息
type Message struct {
	Type    string `json:"type"`
	Context string `json:"context,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Body    string `json:"body,omitempty"`
	Time    string `json:"time,omitempty"` // RFC3339，缺省为接收时间
}

// Parse 解析并校验消息
func Parse(raw []byte) (Message, time.Time, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)

	var at time.Time
	if msg.Time != "" {
		parsed, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			return msg, at, fmt.Errorf("%w: parse time: %v", ErrMalformed, err)
		}
		at = parsed
	}

	switch msg.Type {
	case TypeContext, TypeLog, TypeRemove:
		if strings.TrimSpace(msg.Context) == "" {
			return msg, at, fmt.Errorf("%w: context is required for %s", ErrMalformed, msg.Type)
		}
	case TypeNotification:
		if msg.Title == "" && msg.Body == "" {
			return msg, at, fmt.Errorf("%w: notification needs a title or body", ErrMalformed)
		}
	default:
		return msg, at, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return msg, at, nil
}

// Sink 写入活动存储
type Sink struct {
	store  activity.Store
	logger logger.Logger
}

// NewSink 创建 Sink，log 为 nil 时不输出日志
func NewSink(store activity.Store, log logger.Logger) *Sink {
	if log == nil {
		log = logger.NewNop()
	}
	return &Sink{store: store, logger: log.Named("ingest")}
}

// Apply 解析并应用一条消息
func (s *Sink) Apply(ctx context.Context, raw []byte) error {
	msg, at, err := Parse(raw)
	if err != nil {
		return err
	}

	switch msg.Type {
	case TypeContext:
		err = s.store.PutContext(ctx, snapshot.Context{
			ID:        msg.Context,
			Kind:      snapshot.Kind(msg.Kind),
			Title:     msg.Title,
			Status:    msg.Status,
			UpdatedAt: at,
		})
	case TypeRemove:
		err = s.store.RemoveContext(ctx, msg.Context)
	case TypeLog:
		_, err = s.store.AppendLog(ctx, snapshot.Entry{
			ContextID: msg.Context,
			Level:     msg.Level,
			Message:   msg.Message,
			Time:      at,
		})
	case TypeNotification:
		_, err = s.store.Notify(ctx, snapshot.Notification{
			Level:     msg.Level,
			Title:     msg.Title,
			Body:      msg.Body,
			ContextID: msg.Context,
			Time:      at,
		})
	}
	if err != nil {
		return fmt.Errorf("apply %s message: %w", msg.Type, err)
	}

	s.logger.DebugContext(ctx, "activity applied",
		zap.String("type", msg.Type),
		zap.String("context", msg.Context),
	)
	return nil
}
