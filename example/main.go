package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/pkg/activity"
	"github.com/tokmz/relay/pkg/buffer"
	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/ingest"
	"github.com/tokmz/relay/pkg/ingest/kafka"
	"github.com/tokmz/relay/pkg/ingest/rabbitmq"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/orm"
	"github.com/tokmz/relay/pkg/snapshot"
	"github.com/tokmz/relay/pkg/state"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

// noteHandler 客户端追加日志条目，写入后由存储触发状态推送
type noteHandler struct {
	store activity.Store
}

func (h *noteHandler) EventTypes() []string { return []string{"note_add"} }

func (h *noteHandler) Process(ctx context.Context, req *ws.Request) (any, error) {
	var in struct {
		Context string `json:"context"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := req.Bind(&in); err != nil || in.Context == "" || strings.TrimSpace(in.Message) == "" {
		return ws.Failure(relayerrors.CodeInvalidRequest, "context and message are required"), nil
	}
	if in.Level == "" {
		in.Level = "info"
	}

	version, err := h.store.AppendLog(ctx, snapshot.Entry{
		ContextID: in.Context,
		Level:     in.Level,
		Message:   in.Message,
		Time:      time.Now(),
	})
	if errors.Is(err, activity.ErrUnknownContext) {
		return ws.Failure(relayerrors.CodeInvalidRequest, "unknown context "+in.Context), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"version": version}, nil
}

func main() {
	path := flag.String("config", "example/config.yaml", "配置文件路径，为空时在默认目录查找 relay.yaml")
	flag.Parse()

	// 1. 配置与日志
	settings, conf, err := relay.LoadSettings(*path)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	defer conf.Close()

	lg, err := settings.Log.NewLogger()
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	relay.WatchSettings(conf, lg, relay.LevelReloader(lg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 链路追踪
	tp, err := tracing.NewTracerProvider(ctx, &settings.Tracing)
	if err != nil {
		exit(lg, "初始化链路追踪失败", err)
	}

	// 3. 活动存储
	store, closeStore, err := openStore(ctx, settings, lg)
	if err != nil {
		exit(lg, "初始化活动存储失败", err)
	}

	// 4. 状态推送
	builder := snapshot.NewBuilder(store, store, store.Notifications())
	mon, err := state.NewMonitor(builder, append(settings.State.Options(), state.WithLogger(lg.Named("state")))...)
	if err != nil {
		exit(lg, "初始化状态推送失败", err)
	}

	// 5. 调度器
	buf, err := buffer.New(&settings.Buffer)
	if err != nil {
		exit(lg, "初始化出站缓冲失败", err)
	}

	registry := ws.NewRegistry()
	registry.MustRegister("/app", mon.Handler(), &noteHandler{store: store})
	registry.MustRegister("/admin", mon.Handler())

	mgr, err := ws.NewManager(registry, append(settings.WS.Options(),
		ws.WithBuffer(buf),
		ws.WithBufferLimits(settings.Buffer.MaxSize, settings.Buffer.TTL),
		ws.WithDevelopment(settings.Development),
		ws.WithLogger(lg.Named("ws")),
	)...)
	if err != nil {
		exit(lg, "初始化调度器失败", err)
	}

	mon.Bind(mgr)
	store.OnChange(mon.Changed)
	mon.Start()

	engine := relay.New(mgr, append(settings.EngineOptions(), relay.WithLogger(lg))...)

	// 6. 活动消息来源
	sink := ingest.NewSink(store, lg.Named("ingest"))
	stopIngest, err := startIngest(ctx, settings, sink, lg)
	if err != nil {
		exit(lg, "初始化消息消费失败", err)
	}

	engine.OnShutdown(func(context.Context) error {
		cancel()
		return stopIngest()
	})
	engine.OnShutdown(func(context.Context) error {
		mon.Stop()
		return nil
	})
	engine.OnShutdown(func(context.Context) error {
		return closeStore()
	})
	engine.OnShutdown(tp.Shutdown)

	if err := engine.Run(); err != nil {
		lg.Error("服务异常退出", zap.Error(err))
	}
}

// exit 记录错误后退出
func exit(lg logger.Logger, msg string, err error) {
	lg.Error(msg, zap.Error(err))
	_ = lg.Sync()
	os.Exit(1)
}

// openStore 按配置选择内存或数据库存储
func openStore(ctx context.Context, s *relay.Settings, lg logger.Logger) (activity.Store, func() error, error) {
	if s.Activity.Driver != "gorm" {
		var opts []activity.MemoryOption
		if s.Activity.LogLimit > 0 {
			opts = append(opts, activity.WithLogLimit(s.Activity.LogLimit))
		}
		if s.Activity.NotificationLimit > 0 {
			opts = append(opts, activity.WithNotificationLimit(s.Activity.NotificationLimit))
		}
		return activity.NewMemory(opts...), func() error { return nil }, nil
	}

	db, err := orm.New(&s.Database, lg)
	if err != nil {
		return nil, nil, err
	}
	store, err := activity.NewGormStore(ctx, db)
	if err != nil {
		_ = orm.Close(db)
		return nil, nil, err
	}
	return store, func() error { return orm.Close(db) }, nil
}

// startIngest 启动已配置的消费者，返回的函数等待其退出
func startIngest(ctx context.Context, s *relay.Settings, sink *ingest.Sink, lg logger.Logger) (func() error, error) {
	var (
		kafkaDone = make(chan struct{})
		closers   []func() error
	)
	close(kafkaDone)

	if s.Kafka != nil {
		consumer, err := kafka.New(*s.Kafka, sink, lg.Named("kafka"))
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		kafkaDone = done
		go func() {
			defer close(done)
			if err := consumer.Run(ctx); err != nil {
				lg.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	if s.RabbitMQ != nil {
		consumer, err := rabbitmq.New(*s.RabbitMQ, sink, lg.Named("rabbitmq"))
		if err != nil {
			return nil, err
		}
		if err := consumer.Start(ctx); err != nil {
			return nil, err
		}
		closers = append(closers, consumer.Close)
	}

	return func() error {
		<-kafkaDone
		var errs []error
		for _, fn := range closers {
			errs = append(errs, fn())
		}
		return errors.Join(errs...)
	}, nil
}
