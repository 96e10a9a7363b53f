package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/tracing"
)

const tracerName = "github.com/tokmz/relay/pkg/ws"

// RouteEvent 将入站事件分发给命名空间内注册了该事件的全部处理器
// 超时使用 Config.RequestTimeout；所有失败都以 ResultItem 返回
func (m *Manager) RouteEvent(ctx context.Context, ns, event string, payload json.RawMessage, sid string) *RouteResult {
	return m.route(ctx, NormalizeNamespace(ns), sid, event, payload, m.config.RequestTimeout)
}

// Request 单目标请求，timeout <= 0 表示不限
// 超时的处理器以 TIMEOUT 返回，其执行在后台继续直至结束
func (m *Manager) Request(ctx context.Context, ns, sid, event string, payload json.RawMessage, timeout time.Duration) *RouteResult {
	return m.route(ctx, NormalizeNamespace(ns), sid, event, payload, timeout)
}

// RouteEventAll 向命名空间内每个在线会话独立分发，各自拥有完整的超时窗口
// 没有在线会话时返回空列表
func (m *Manager) RouteEventAll(ctx context.Context, ns, event string, payload json.RawMessage, timeout time.Duration) []FanoutResult {
	ns = NormalizeNamespace(ns)
	sids := m.pool.sessions(ns)
	out := make([]FanoutResult, len(sids))

	var g errgroup.Group
	for i, sid := range sids {
		g.Go(func() error {
			res := m.route(ctx, ns, sid, event, payload, timeout)
			out[i] = FanoutResult{SID: sid, CorrelationID: res.CorrelationID, Results: res.Results}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// envelope 入站载荷解析结果
type envelope struct {
	data          json.RawMessage
	correlationID string
	include       []string
	exclude       []string
}

// parseEnvelope 解包传输信封并取出处理器过滤条件
// 带 data 且带 correlationId 或 timestamp 的对象视为信封
func parseEnvelope(payload json.RawMessage) (*envelope, *relayerrors.Error) {
	env := &envelope{data: payload}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		env.data = json.RawMessage("null")
		return env, nil
	}
	if !json.Valid(trimmed) {
		return nil, relayerrors.ErrInvalidRequest.WithMessage("payload is not valid JSON")
	}
	if trimmed[0] != '{' {
		return env, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, relayerrors.ErrInvalidRequest.WithMessage("payload is not valid JSON").WithError(err)
	}

	stripped := false
	for key, dst := range map[string]*[]string{"includeHandlers": &env.include, "excludeHandlers": &env.exclude} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, relayerrors.ErrInvalidRequest.WithMessage(key + " must be a list of handler ids")
		}
		delete(obj, key)
		stripped = true
	}

	inner, hasData := obj["data"]
	rawCID, hasCID := obj["correlationId"]
	_, hasTS := obj["timestamp"]
	if hasCID {
		if err := json.Unmarshal(rawCID, &env.correlationID); err != nil {
			return nil, relayerrors.ErrInvalidRequest.WithMessage("correlationId must be a string")
		}
	}

	switch {
	case hasData && (hasCID || hasTS):
		env.data = inner
	case stripped:
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, relayerrors.ErrInvalidRequest.WithError(err)
		}
		env.data = b
	default:
		env.data = trimmed
	}
	return env, nil
}

// withCorrelationID 对象载荷注入 correlationId，已存在时保持不变
func withCorrelationID(data json.RawMessage, correlationID string) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return data
	}
	if _, ok := obj["correlationId"]; ok {
		return data
	}
	obj["correlationId"] = mustJSON(correlationID)
	b, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return b
}

// selectHandlers 按 include/exclude 过滤，过滤条件引用未注册的处理器时整体拒绝
func selectHandlers(handlers []Handler, include, exclude []string) ([]Handler, *relayerrors.Error) {
	if len(include) == 0 && len(exclude) == 0 {
		return handlers, nil
	}

	ids := make(map[string]struct{}, len(handlers))
	for _, h := range handlers {
		ids[handlerID(h)] = struct{}{}
	}
	toSet := func(list []string) (map[string]struct{}, *relayerrors.Error) {
		set := make(map[string]struct{}, len(list))
		for _, id := range list {
			if _, ok := ids[id]; !ok {
				return nil, relayerrors.ErrInvalidFilter.WithMessage(fmt.Sprintf("unknown handler %q", id))
			}
			set[id] = struct{}{}
		}
		return set, nil
	}

	inc, err := toSet(include)
	if err != nil {
		return nil, err
	}
	exc, err := toSet(exclude)
	if err != nil {
		return nil, err
	}

	out := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		id := handlerID(h)
		if _, skip := exc[id]; skip {
			continue
		}
		if _, keep := inc[id]; len(inc) > 0 && !keep {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// route 路由主流程
func (m *Manager) route(ctx context.Context, ns, sid, event string, payload json.RawMessage, timeout time.Duration) *RouteResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "ws.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("ws.namespace", ns),
		attribute.String("ws.event", event),
		attribute.String("ws.sid", sid),
	)

	env, perr := parseEnvelope(payload)
	correlationID := ""
	if env != nil {
		correlationID = env.correlationID
	}
	if correlationID == "" {
		correlationID = newID()
	}
	ctx = logger.WithCorrelationID(logger.WithIdentity(ctx, ns, sid), correlationID)

	result := &RouteResult{CorrelationID: correlationID}
	reject := func(e *relayerrors.Error) *RouteResult {
		result.Results = []ResultItem{{CorrelationID: correlationID, Error: e}}
		m.metrics.IncrementResultErrors(ns, e.Code)
		m.logger.DebugContext(ctx, "event rejected", zap.String("event", event), zap.String("code", e.Code))
		return result
	}

	if perr != nil {
		m.metrics.IncrementInvalidMessages()
		return reject(perr)
	}

	handlers := m.registry.Handlers(ns, event)
	if len(handlers) == 0 {
		return reject(relayerrors.ErrNoHandlers.WithMessage(fmt.Sprintf("no handlers for %q in %s", event, ns)))
	}
	handlers, ferr := selectHandlers(handlers, env.include, env.exclude)
	if ferr != nil {
		return reject(ferr)
	}
	if len(handlers) == 0 {
		return reject(relayerrors.ErrNoHandlers.WithMessage(fmt.Sprintf("all handlers for %q filtered out", event)))
	}

	data := withCorrelationID(env.data, correlationID)
	result.Results = m.execute(ctx, ns, sid, event, correlationID, data, handlers, timeout)

	elapsed := time.Since(start)
	for _, item := range result.Results {
		if item.Error != nil {
			m.metrics.IncrementResultErrors(ns, item.Error.Code)
		}
	}
	m.metrics.RecordRouteLatency(ns, event, elapsed)
	m.events.Publish(Event{Type: EventRouted, Namespace: ns, SessionID: sid, Data: event, Time: start})
	span.SetAttributes(attribute.Int("ws.handlers", len(handlers)))

	if m.watchers.has(ns) {
		limit := m.config.DiagnosticPreviewBytes
		m.publishDiagnostic(ctx, ns, &DiagnosticEvent{
			Kind:           "route",
			Namespace:      ns,
			SessionID:      sid,
			EventType:      event,
			CorrelationID:  correlationID,
			HandlerCount:   len(handlers),
			DurationMs:     elapsed.Milliseconds(),
			Connections:    m.pool.Count(ns),
			PayloadPreview: preview(data, limit),
			ResultPreview:  preview(result.Results, limit),
		})
	}
	return result
}

// execute 在共享 worker 池中并发执行处理器并收集结果
func (m *Manager) execute(ctx context.Context, ns, sid, event, correlationID string, data json.RawMessage, handlers []Handler, timeout time.Duration) []ResultItem {
	// 处理器不随调用方超时取消
	hctx := context.WithoutCancel(ctx)
	results := make(chan ResultItem, len(handlers))

	for _, h := range handlers {
		req := &Request{
			Namespace:     ns,
			EventType:     event,
			SessionID:     sid,
			CorrelationID: correlationID,
			Data:          bytes.Clone(data),
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			err := m.workers.Submit(m.ctx, func() {
				results <- m.invoke(hctx, h, req)
			})
			if err != nil {
				results <- ResultItem{
					HandlerID:     handlerID(h),
					CorrelationID: correlationID,
					Error:         m.internalError(ErrManagerClosed),
				}
			}
		}()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	items := make([]ResultItem, 0, len(handlers))
	finished := make(map[string]struct{}, len(handlers))
collect:
	for len(items) < len(handlers) {
		select {
		case item := <-results:
			items = append(items, item)
			finished[item.HandlerID] = struct{}{}
		case <-deadline:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	pending := len(handlers) - len(items)
	if pending == 0 {
		return items
	}

	for _, h := range handlers {
		id := handlerID(h)
		if _, ok := finished[id]; ok {
			continue
		}
		items = append(items, ResultItem{
			HandlerID:     id,
			CorrelationID: correlationID,
			Error:         relayerrors.ErrTimeout.WithMessage(fmt.Sprintf("handler did not finish within %v", timeout)),
			DurationMs:    timeout.Milliseconds(),
		})
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drainLate(hctx, event, results, pending)
	}()
	return items
}

// drainLate 等待超时处理器结束，仅记录其结果
func (m *Manager) drainLate(ctx context.Context, event string, results <-chan ResultItem, pending int) {
	for i := 0; i < pending; i++ {
		item := <-results
		fields := []zap.Field{
			zap.String("event", event),
			zap.String("handler", item.HandlerID),
			zap.Int64("duration_ms", item.DurationMs),
		}
		if item.Error != nil {
			m.logger.WarnContext(ctx, "late handler result discarded", append(fields, zap.String("code", item.Error.Code))...)
			continue
		}
		m.logger.DebugContext(ctx, "late handler result discarded", fields...)
	}
}

// invoke 执行单个处理器并映射返回值
func (m *Manager) invoke(ctx context.Context, h Handler, req *Request) (item ResultItem) {
	id := handlerID(h)
	start := time.Now()
	item = ResultItem{HandlerID: id, CorrelationID: req.CorrelationID}

	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "handler panicked",
				zap.String("handler", id),
				zap.String("event", req.EventType),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			item.OK = false
			item.Data = nil
			item.Error = m.internalError(fmt.Errorf("panic: %v", r))
		}
		item.DurationMs = time.Since(start).Milliseconds()
	}()

	v, err := h.Process(ctx, req)
	if err != nil {
		var coded *relayerrors.Error
		if relayerrors.As(err, &coded) {
			item.Error = coded
			return item
		}
		m.logger.ErrorContext(ctx, "handler failed",
			zap.String("handler", id),
			zap.String("event", req.EventType),
			zap.Error(err),
		)
		item.Error = m.internalError(err)
		return item
	}

	switch r := v.(type) {
	case nil:
		item.OK = true
	case *Result:
		switch {
		case r == nil:
			item.OK = true
		case r.Err != nil:
			item.Error = r.Err
		case !r.OK:
			item.Error = relayerrors.ErrHandlerError.Clone()
		default:
			item.OK = true
			item.Data = r.Data
		}
	default:
		item.OK = true
		item.Data = v
	}
	return item
}

// internalError 统一的处理器失败结果，仅开发模式携带错误详情
func (m *Manager) internalError(err error) *relayerrors.Error {
	if m.config.Development && err != nil {
		return relayerrors.ErrHandlerError.WithDetails(err.Error())
	}
	return relayerrors.ErrHandlerError.Clone()
}
