package ws

import (
	"encoding/json"
	"time"

	"github.com/tokmz/relay/pkg/errors"
)

// FrameType 线路帧类型
type FrameType string

const (
	// FrameRequest 客户端请求，服务端回复 ack
	FrameRequest FrameType = "request"
	// FrameNotify 客户端通知，不回复
	FrameNotify FrameType = "notify"
	// FrameAck 请求确认，Data 为 RouteResult
	FrameAck FrameType = "ack"
	// FrameEvent 服务端推送，Data 为 EventEnvelope
	FrameEvent FrameType = "event"
	// FrameError 帧解析失败等协议错误
	FrameError FrameType = "error"
)

// 内置出站事件
const (
	EventDiagnostic    = "diagnostic_event"
	EventServerRestart = "server_restart"
	EventLifecycle     = "lifecycle"
)

// 内置入站帧事件（开发模式），含 "." 因而不会与处理器事件名冲突
const (
	frameDiagnosticsSubscribe   = "diagnostics.subscribe"
	frameDiagnosticsUnsubscribe = "diagnostics.unsubscribe"
)

// Frame 线路帧
type Frame struct {
	Type      FrameType       `json:"type"`
	Event     string          `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventEnvelope 出站事件信封，每次发送时生成
type EventEnvelope struct {
	HandlerID     string          `json:"handlerId,omitempty"`
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// ResultItem 单个处理器的执行结果
type ResultItem struct {
	HandlerID     string        `json:"handlerId"`
	OK            bool          `json:"ok"`
	Data          any           `json:"data,omitempty"`
	Error         *errors.Error `json:"error,omitempty"`
	CorrelationID string        `json:"correlationId"`
	DurationMs    int64         `json:"durationMs"`
}

// RouteResult 一次路由的聚合结果，Results 无序
type RouteResult struct {
	CorrelationID string       `json:"correlationId"`
	Results       []ResultItem `json:"results"`
}

// Find 按处理器 ID 查找结果
func (r *RouteResult) Find(handlerID string) (ResultItem, bool) {
	for _, item := range r.Results {
		if item.HandlerID == handlerID {
			return item, true
		}
	}
	return ResultItem{}, false
}

// FanoutResult 扇出到单个会话的结果
type FanoutResult struct {
	SID           string       `json:"sid"`
	CorrelationID string       `json:"correlationId"`
	Results       []ResultItem `json:"results"`
}

// DiagnosticEvent 推送给诊断订阅者的摘要
type DiagnosticEvent struct {
	Kind           string `json:"kind"` // route, connected, disconnected
	Namespace      string `json:"namespace"`
	SessionID      string `json:"sid,omitempty"`
	EventType      string `json:"eventType,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
	HandlerCount   int    `json:"handlerCount,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
	Connections    int    `json:"connections"`
	PayloadPreview string `json:"payloadPreview,omitempty"`
	ResultPreview  string `json:"resultPreview,omitempty"`
}

// encodeEvent 编码出站事件帧
func encodeEvent(event string, env *EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{Type: FrameEvent, Event: event, Data: data})
}
