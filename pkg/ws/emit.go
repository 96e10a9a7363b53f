package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/buffer"
	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
)

type emitOptions struct {
	correlationID string
	handlerID     string
	noBuffer      bool
}

// EmitOption 出站事件选项
type EmitOption func(*emitOptions)

// WithCorrelationID 沿用调用方的关联 ID
func WithCorrelationID(id string) EmitOption {
	return func(o *emitOptions) {
		o.correlationID = id
	}
}

// WithHandlerID 标注发出事件的处理器
func WithHandlerID(id string) EmitOption {
	return func(o *emitOptions) {
		o.handlerID = id
	}
}

// WithoutBuffer 仅投递给就绪的在线连接，无法立即送达时返回 ErrNotDelivered，不进入缓冲
// 适用于会被后续事件取代的推送
func WithoutBuffer() EmitOption {
	return func(o *emitOptions) {
		o.noBuffer = true
	}
}

// EmitTo 向单个身份推送事件
// 在线时立即发送；已知但离线时进入缓冲；从未出现过的身份返回 CONNECTION_NOT_FOUND
func (m *Manager) EmitTo(ctx context.Context, ns, sid, event string, data any, opts ...EmitOption) error {
	o := emitOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.correlationID == "" {
		o.correlationID = newID()
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return relayerrors.ErrInvalidRequest.WithMessage("event data is not serializable").WithError(err)
	}

	id := Identity{Namespace: NormalizeNamespace(ns), SessionID: sid}
	ctx = logger.WithCorrelationID(logger.WithIdentity(ctx, id.Namespace, sid), o.correlationID)
	ev := buffer.Event{
		EventType:     event,
		Data:          raw,
		HandlerID:     o.handlerID,
		CorrelationID: o.correlationID,
		Timestamp:     time.Now(),
	}

	if conn, ok := m.pool.get(id); ok {
		conn.sendMu.Lock()
		defer conn.sendMu.Unlock()
		if conn.ready {
			err := m.sendTo(conn, event, envelopeOf(ev))
			if err == nil {
				return nil
			}
			if o.noBuffer {
				return fmt.Errorf("%w: %w", ErrNotDelivered, err)
			}
			m.logger.WarnContext(ctx, "send failed, buffering event", zap.String("event", event), zap.Error(err))
		}
		if o.noBuffer {
			return ErrNotDelivered
		}
		return m.push(ctx, id, ev)
	}

	if !m.IsKnown(ctx, id.Namespace, sid) {
		return relayerrors.ErrConnectionNotFound.WithMessage("connection not found: " + id.String())
	}
	if o.noBuffer {
		return ErrNotDelivered
	}
	return m.push(ctx, id, ev)
}

// Broadcast 向命名空间内全部在线会话推送，exclude 中的会话跳过
// 单个会话失败不影响其他会话，返回成功投递或缓冲的会话数
func (m *Manager) Broadcast(ctx context.Context, ns, event string, data any, exclude ...string) int {
	ns = NormalizeNamespace(ns)
	skip := make(map[string]struct{}, len(exclude))
	for _, sid := range exclude {
		skip[sid] = struct{}{}
	}

	correlationID := newID()
	delivered := 0
	for _, sid := range m.pool.sessions(ns) {
		if _, ok := skip[sid]; ok {
			continue
		}
		if err := m.EmitTo(ctx, ns, sid, event, data, WithCorrelationID(correlationID)); err != nil {
			m.logger.WarnContext(ctx, "broadcast emit failed",
				zap.String("namespace", ns),
				zap.String("sid", sid),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// push 写入缓冲并刷新身份保留期
func (m *Manager) push(ctx context.Context, id Identity, ev buffer.Event) error {
	evicted, err := m.buffer.Push(ctx, id.Namespace, id.SessionID, ev)
	if err != nil {
		m.metrics.IncrementDroppedMessages()
		return err
	}
	m.pool.touchKnown(id, m.config.KnownTTL)

	m.events.Publish(Event{Type: EventBuffered, Namespace: id.Namespace, SessionID: id.SessionID, Data: ev.EventType, Time: ev.Timestamp})
	if evicted > 0 {
		m.logger.WarnContext(ctx, "buffer full, oldest events dropped", zap.Int("evicted", evicted))
		m.events.Publish(Event{Type: EventBufferEvicted, Namespace: id.Namespace, SessionID: id.SessionID, Data: evicted, Time: ev.Timestamp})
	}
	return nil
}

// flush 补发缓冲事件并将连接标记为就绪
// 补发期间持有 sendMu，新的出站事件排在缓冲之后
func (m *Manager) flush(ctx context.Context, conn *connection) {
	id := conn.info.Identity()
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	events, expired, err := m.buffer.Drain(ctx, id.Namespace, id.SessionID)
	if err != nil {
		m.logger.ErrorContext(ctx, "buffer drain failed", zap.Error(err))
	}
	if expired > 0 {
		m.logger.DebugContext(ctx, "expired buffered events dropped", zap.Int("expired", expired))
		m.metrics.AddBufferExpired(id.Namespace, expired)
	}

	for i, ev := range events {
		if err := m.sendTo(conn, ev.EventType, envelopeOf(ev)); err != nil {
			m.logger.WarnContext(ctx, "flush interrupted, re-buffering remaining events",
				zap.Int("remaining", len(events)-i), zap.Error(err))
			for _, rest := range events[i:] {
				if perr := m.push(ctx, id, rest); perr != nil {
					break
				}
			}
			break
		}
	}
	if len(events) > 0 {
		m.logger.DebugContext(ctx, "buffered events flushed", zap.Int("count", len(events)))
	}
	conn.ready = true
}

// sendTo 编码并写入传输
func (m *Manager) sendTo(conn *connection, event string, env *EventEnvelope) error {
	frame, err := encodeEvent(event, env)
	if err != nil {
		return err
	}
	return conn.transport.Send(frame)
}

// envelopeOf 发送时生成新的事件 ID 与时间戳，关联 ID 保持不变
func envelopeOf(ev buffer.Event) *EventEnvelope {
	return &EventEnvelope{
		HandlerID:     ev.HandlerID,
		EventID:       newID(),
		CorrelationID: ev.CorrelationID,
		Timestamp:     time.Now(),
		Data:          ev.Data,
	}
}
