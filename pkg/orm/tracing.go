package orm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const gormTracerName = "github.com/tokmz/relay/pkg/orm"

// TracingPlugin 为每条 SQL 创建客户端 Span
type TracingPlugin struct {
	tracerName     string
	enableSQLTrace bool
}

// TracingOption 追踪插件选项
type TracingOption func(*TracingPlugin)

// WithSQLTrace 在 Span 中记录完整 SQL
func WithSQLTrace(enable bool) TracingOption {
	return func(p *TracingPlugin) {
		p.enableSQLTrace = enable
	}
}

// NewTracingPlugin 创建追踪插件
func NewTracingPlugin(opts ...TracingOption) *TracingPlugin {
	p := &TracingPlugin{tracerName: gormTracerName}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TracingPlugin) Name() string {
	return "relay:tracing"
}

func (p *TracingPlugin) Initialize(db *gorm.DB) error {
	if err := p.registerCallbacks(db); err != nil {
		return fmt.Errorf("failed to register callbacks: %w", err)
	}
	return nil
}

// registerCallbacks 为每类操作注册前后回调
func (p *TracingPlugin) registerCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	steps := []func() error{
		func() error { return cb.Create().Before("gorm:create").Register("relay:before_create", p.before("gorm.Create")) },
		func() error { return cb.Create().After("gorm:create").Register("relay:after_create", p.after()) },
		func() error { return cb.Query().Before("gorm:query").Register("relay:before_query", p.before("gorm.Query")) },
		func() error { return cb.Query().After("gorm:query").Register("relay:after_query", p.after()) },
		func() error { return cb.Update().Before("gorm:update").Register("relay:before_update", p.before("gorm.Update")) },
		func() error { return cb.Update().After("gorm:update").Register("relay:after_update", p.after()) },
		func() error { return cb.Delete().Before("gorm:delete").Register("relay:before_delete", p.before("gorm.Delete")) },
		func() error { return cb.Delete().After("gorm:delete").Register("relay:after_delete", p.after()) },
		func() error { return cb.Row().Before("gorm:row").Register("relay:before_row", p.before("gorm.Row")) },
		func() error { return cb.Row().After("gorm:row").Register("relay:after_row", p.after()) },
		func() error { return cb.Raw().Before("gorm:raw").Register("relay:before_raw", p.before("gorm.Raw")) },
		func() error { return cb.Raw().After("gorm:raw").Register("relay:after_raw", p.after()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// before 在语句执行前开启 Span，Span 随 Statement.Context 传到 after
func (p *TracingPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		// 每次取 tracer，Provider 晚于插件初始化时也能生效
		ctx, _ = otel.Tracer(p.tracerName).Start(ctx, operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("db.system", db.Dialector.Name())),
		)
		db.Statement.Context = ctx
	}
}

// after 补充表名、行数与错误后结束 Span
func (p *TracingPlugin) after() func(*gorm.DB) {
	return func(db *gorm.DB) {
		span := trace.SpanFromContext(db.Statement.Context)
		if !span.IsRecording() {
			return
		}
		defer span.End()

		attrs := []attribute.KeyValue{attribute.Int64("db.rows_affected", db.Statement.RowsAffected)}
		if db.Statement.Table != "" {
			attrs = append(attrs, attribute.String("db.sql.table", db.Statement.Table))
		}
		if p.enableSQLTrace {
			if sql := db.Statement.SQL.String(); sql != "" {
				attrs = append(attrs, attribute.String("db.statement", sql))
			}
		}
		span.SetAttributes(attrs...)

		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
		}
	}
}
