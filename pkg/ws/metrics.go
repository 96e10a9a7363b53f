package ws

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	SetConnectionCount(namespace string, count int)

	// 路由指标
	IncrementRouted(namespace, event string)
	RecordRouteLatency(namespace, event string, d time.Duration)
	IncrementResultErrors(namespace, code string)

	// 缓冲指标
	IncrementBuffered(namespace string)
	AddBufferEvicted(namespace string, n int)
	AddBufferExpired(namespace string, n int)

	// 传输指标
	IncrementDroppedMessages()
	IncrementInvalidMessages()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) SetConnectionCount(string, int)                   {}
func (NoopMetrics) IncrementRouted(string, string)                   {}
func (NoopMetrics) RecordRouteLatency(string, string, time.Duration) {}
func (NoopMetrics) IncrementResultErrors(string, string)             {}
func (NoopMetrics) IncrementBuffered(string)                         {}
func (NoopMetrics) AddBufferEvicted(string, int)                     {}
func (NoopMetrics) AddBufferExpired(string, int)                     {}
func (NoopMetrics) IncrementDroppedMessages()                        {}
func (NoopMetrics) IncrementInvalidMessages()                        {}
