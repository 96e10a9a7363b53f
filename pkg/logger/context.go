package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	namespaceKey     contextKey = "namespace"
	sessionIDKey     contextKey = "sid"
)

// WithCorrelationID 在 Context 中记录关联 ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithIdentity 在 Context 中记录连接身份
func WithIdentity(ctx context.Context, namespace, sid string) context.Context {
	ctx = context.WithValue(ctx, namespaceKey, namespace)
	return context.WithValue(ctx, sessionIDKey, sid)
}

// CorrelationID 读取 Context 中的关联 ID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// contextFields 从 context.Context 提取日志字段
func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	out := make([]zap.Field, 0, len(fields)+5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		out = append(out,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		out = append(out, zap.String("correlation_id", id))
	}
	if ns, ok := ctx.Value(namespaceKey).(string); ok && ns != "" {
		out = append(out, zap.String("namespace", ns))
	}
	if sid, ok := ctx.Value(sessionIDKey).(string); ok && sid != "" {
		out = append(out, zap.String("sid", sid))
	}

	return append(out, fields...)
}
