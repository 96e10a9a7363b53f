package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"time"

	"github.com/tokmz/relay/pkg/errors"
)

// Handler 事件处理器
//
// 每个处理器类型在进程内只有一个实例，由所属命名空间的全部连接共享。
// Process 的返回值约定：
//   - (nil, nil)      成功，无数据
//   - (v, nil)        成功，数据为 v
//   - (*Result, nil)  显式成功/失败
//   - (_, err)        失败；*errors.Error 原样返回，其他错误统一为 HANDLER_ERROR
type Handler interface {
	EventTypes() []string
	Process(ctx context.Context, req *Request) (any, error)
}

// Identifier 自定义处理器 ID，默认为 "包名.类型名"
type Identifier interface {
	HandlerID() string
}

// Securer 声明连接命名空间所需的安全校验
type Securer interface {
	RequiresAuth() bool
	RequiresCSRF() bool
}

// ConnectHook 连接建立回调
type ConnectHook interface {
	OnConnect(ctx context.Context, info ConnInfo)
}

// DisconnectHook 连接断开回调
type DisconnectHook interface {
	OnDisconnect(ctx context.Context, info ConnInfo)
}

// Request 交给处理器的事件，Data 为每个处理器独立的副本
type Request struct {
	Namespace     string
	EventType     string
	SessionID     string
	CorrelationID string
	Data          json.RawMessage
}

// Identity 请求来源身份
func (r *Request) Identity() Identity {
	return Identity{Namespace: r.Namespace, SessionID: r.SessionID}
}

// Bind 解析事件数据
func (r *Request) Bind(v any) error {
	if len(r.Data) == 0 {
		return errors.ErrInvalidRequest.WithMessage("empty payload")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return errors.ErrInvalidRequest.WithMessage("malformed payload").WithError(err)
	}
	return nil
}

// Result 显式结果
type Result struct {
	OK   bool
	Data any
	Err  *errors.Error
}

// Success 成功结果
func Success(data any) *Result {
	return &Result{OK: true, Data: data}
}

// Failure 失败结果
func Failure(code, message string) *Result {
	return &Result{Err: errors.New(code, message)}
}

// Fail 以已有错误构造失败结果
func Fail(err *errors.Error) *Result {
	return &Result{Err: err}
}

// ConnInfo 连接信息，断开后即销毁
type ConnInfo struct {
	Namespace    string
	SessionID    string
	ConnectedAt  time.Time
	LastActivity time.Time
	RemoteAddr   string
	Principal    *Principal
}

// Identity 连接身份
func (c ConnInfo) Identity() Identity {
	return Identity{Namespace: c.Namespace, SessionID: c.SessionID}
}

var eventNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// 传输层保留的事件名
var reservedEvents = map[string]struct{}{
	"connect":       {},
	"connect_error": {},
	"disconnect":    {},
	"disconnecting": {},
	"error":         {},
	"message":       {},
	"ping":          {},
	"pong":          {},
}

// IsReservedEvent 是否为保留事件名
func IsReservedEvent(name string) bool {
	_, ok := reservedEvents[name]
	return ok
}

// validateEventTypes 校验处理器声明的事件名
func validateEventTypes(h Handler) ([]string, error) {
	types := h.EventTypes()
	id := handlerID(h)
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %s declares no event types", ErrInvalidEventType, id)
	}

	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		if !eventNamePattern.MatchString(t) {
			return nil, fmt.Errorf("%w: %s declares %q", ErrInvalidEventType, id, t)
		}
		if IsReservedEvent(t) {
			return nil, fmt.Errorf("%w: %s declares reserved %q", ErrInvalidEventType, id, t)
		}
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("%w: %s declares %q twice", ErrInvalidEventType, id, t)
		}
		seen[t] = struct{}{}
	}
	return types, nil
}

// handlerID 处理器 ID
func handlerID(h Handler) string {
	if i, ok := h.(Identifier); ok {
		if id := i.HandlerID(); id != "" {
			return id
		}
	}
	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}

// securityOf 处理器的安全要求，未声明时均为 false
func securityOf(h Handler) (auth, csrf bool) {
	if s, ok := h.(Securer); ok {
		return s.RequiresAuth(), s.RequiresCSRF()
	}
	return false, false
}
