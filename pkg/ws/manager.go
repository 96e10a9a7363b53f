package ws

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/relay/pkg/buffer"
	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
)

// Manager 调度器：连接登记、事件路由、出站投递与缓冲
type Manager struct {
	registry *Registry
	pool     *ConnectionPool
	buffer   buffer.Store
	workers  *workerPool
	events   *EventBus
	watchers *watcherSet

	config  *Config
	logger  logger.Logger
	metrics Metrics

	// 进程启动标识，用于客户端识别服务重启
	epoch    string
	notified sync.Map // Identity -> struct{}，已推送重启通知，随已知身份一同过期

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewManager 创建调度器
func NewManager(registry *Registry, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidHandler)
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.KnownTTL == 0 {
		config.KnownTTL = config.BufferTTL
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	store := config.Buffer
	if store == nil {
		store = buffer.NewMemoryStore(config.BufferSize, config.BufferTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		registry: registry,
		pool:     NewConnectionPool(config.MaxConnections),
		buffer:   store,
		workers:  newWorkerPool(config.WorkerPoolSize),
		events:   NewEventBus(4, 1000),
		watchers: newWatcherSet(),
		config:   config,
		logger:   config.Logger.Named("ws"),
		metrics:  config.Metrics,
		epoch:    newID(),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.setupEventHandlers()
	return m, nil
}

// Start 冻结注册表并启动过期清理
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.registry.Freeze()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSweeper()
	}()

	m.logger.Info("manager started",
		zap.Strings("namespaces", m.registry.Namespaces()),
		zap.String("runtime_epoch", m.epoch),
	)
}

// Shutdown 优雅关闭：关闭全部连接，等待处理器与后台协程结束
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var g errgroup.Group
	for _, conn := range m.pool.all() {
		t := conn.transport
		g.Go(func() error {
			return t.Close()
		})
	}
	_ = g.Wait()

	m.events.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return m.buffer.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSweeper 定期清理过期缓冲与过期身份
func (m *Manager) runSweeper() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			n, err := m.buffer.Purge(m.ctx)
			if err != nil {
				m.logger.Warn("buffer purge failed", zap.Error(err))
			} else if n > 0 {
				m.logger.Debug("expired buffered events purged", zap.Int("count", n))
			}
			m.pool.Sweep()
			m.sweepNotified()
		}
	}
}

// sweepNotified 遗忘不再已知的身份，其下次连接视为首次连接
func (m *Manager) sweepNotified() {
	m.notified.Range(func(key, _ any) bool {
		id := key.(Identity)
		if !m.IsKnown(m.ctx, id.Namespace, id.SessionID) {
			m.notified.Delete(key)
		}
		return true
	})
}

// ConnectOption 连接选项
type ConnectOption func(*ConnInfo)

// WithPrincipal 附带认证主体
func WithPrincipal(p *Principal) ConnectOption {
	return func(info *ConnInfo) {
		info.Principal = p
	}
}

// WithRemoteAddr 附带远端地址
func WithRemoteAddr(addr string) ConnectOption {
	return func(info *ConnInfo) {
		info.RemoteAddr = addr
	}
}

// Connect 登记连接
// 顺序：创建 ConnInfo → 连接回调 → 补发缓冲 → 重启通知 → 生命周期通知
func (m *Manager) Connect(ctx context.Context, ns, sid string, t Transport, opts ...ConnectOption) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	ns = NormalizeNamespace(ns)
	if !m.registry.Has(ns) {
		return relayerrors.ErrUnknownNamespace.WithMessage("unknown namespace " + ns)
	}

	now := time.Now()
	info := ConnInfo{Namespace: ns, SessionID: sid, ConnectedAt: now, LastActivity: now}
	for _, opt := range opts {
		opt(&info)
	}

	conn, replaced, err := m.pool.add(info, t)
	if err != nil {
		return err
	}
	id := info.Identity()
	ctx = logger.WithIdentity(ctx, ns, sid)

	// 被替换的连接走完整的断开流程，之后才执行新连接的回调
	if replaced != nil {
		m.logger.InfoContext(ctx, "connection replaced by reconnect")
		m.teardown(ctx, replaced)
		_ = replaced.transport.Close()
	}

	m.runConnectHooks(ctx, info)
	m.flush(ctx, conn)

	if m.config.RestartNotice {
		if _, seen := m.notified.LoadOrStore(id, struct{}{}); !seen {
			conn.sendMu.Lock()
			err := m.sendTo(conn, EventServerRestart, &EventEnvelope{
				EventID:       newID(),
				CorrelationID: newID(),
				Timestamp:     time.Now(),
				Data:          mustJSON(map[string]string{"runtime_epoch": m.epoch}),
			})
			conn.sendMu.Unlock()
			if err != nil {
				m.logger.WarnContext(ctx, "restart notice not delivered", zap.Error(err))
			}
		}
	}

	count := m.pool.Count(ns)
	m.events.Publish(Event{Type: EventClientConnected, Namespace: ns, SessionID: sid, Data: count, Time: now})
	m.publishLifecycle(ctx, ns, sid, "connected", count)

	m.logger.InfoContext(ctx, "connected", zap.Int("connections", count))
	return nil
}

// Disconnect 断开并关闭连接
func (m *Manager) Disconnect(ctx context.Context, ns, sid string) {
	conn := m.disconnect(ctx, Identity{Namespace: NormalizeNamespace(ns), SessionID: sid}, nil)
	if conn != nil {
		_ = conn.transport.Close()
	}
}

// disconnect 移除连接；t 非 nil 时仅当登记的仍是该传输才生效
// 不取消已在执行的处理器，缓冲事件保留
func (m *Manager) disconnect(ctx context.Context, id Identity, t Transport) *connection {
	conn := m.pool.remove(id, t, m.config.KnownTTL)
	if conn == nil {
		return nil
	}
	m.teardown(logger.WithIdentity(ctx, id.Namespace, id.SessionID), conn)
	return conn
}

// teardown 已从连接池移除的连接：清理观察者、执行断开回调并发布生命周期事件
func (m *Manager) teardown(ctx context.Context, conn *connection) {
	id := conn.info.Identity()
	m.watchers.remove(id)
	m.runDisconnectHooks(ctx, conn.snapshot())

	count := m.pool.Count(id.Namespace)
	m.events.Publish(Event{Type: EventClientDisconnected, Namespace: id.Namespace, SessionID: id.SessionID, Data: count, Time: time.Now()})
	m.publishLifecycle(ctx, id.Namespace, id.SessionID, "disconnected", count)

	m.logger.InfoContext(ctx, "disconnected", zap.Int("connections", count))
}

// runConnectHooks 并发执行命名空间内各处理器实例的连接回调
func (m *Manager) runConnectHooks(ctx context.Context, info ConnInfo) {
	var g errgroup.Group
	for _, h := range m.registry.NamespaceHandlers(info.Namespace) {
		hook, ok := h.(ConnectHook)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer m.recoverHook(ctx, h, "connect")
			hook.OnConnect(ctx, info)
			return nil
		})
	}
	_ = g.Wait()
}

// runDisconnectHooks 并发执行断开回调
func (m *Manager) runDisconnectHooks(ctx context.Context, info ConnInfo) {
	var g errgroup.Group
	for _, h := range m.registry.NamespaceHandlers(info.Namespace) {
		hook, ok := h.(DisconnectHook)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer m.recoverHook(ctx, h, "disconnect")
			hook.OnDisconnect(ctx, info)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) recoverHook(ctx context.Context, h Handler, phase string) {
	if r := recover(); r != nil {
		m.logger.ErrorContext(ctx, "lifecycle hook panicked",
			zap.String("handler", handlerID(h)),
			zap.String("phase", phase),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}

// publishLifecycle 命名空间内的生命周期通知
func (m *Manager) publishLifecycle(ctx context.Context, ns, sid, kind string, count int) {
	m.publishDiagnostic(ctx, ns, &DiagnosticEvent{
		Kind:        kind,
		Namespace:   ns,
		SessionID:   sid,
		Connections: count,
	})
	if m.config.BroadcastLifecycle {
		m.Broadcast(ctx, ns, EventLifecycle, map[string]any{
			"kind":        kind,
			"sid":         sid,
			"connections": count,
		}, sid)
	}
}

// setupEventHandlers 生命周期事件驱动监控指标
func (m *Manager) setupEventHandlers() {
	updateCount := func(e Event) {
		if count, ok := e.Data.(int); ok {
			m.metrics.SetConnectionCount(e.Namespace, count)
		}
	}
	m.events.Subscribe(EventClientConnected, updateCount)
	m.events.Subscribe(EventClientDisconnected, updateCount)

	m.events.Subscribe(EventRouted, func(e Event) {
		if event, ok := e.Data.(string); ok {
			m.metrics.IncrementRouted(e.Namespace, event)
		}
	})
	m.events.Subscribe(EventBuffered, func(e Event) {
		m.metrics.IncrementBuffered(e.Namespace)
	})
	m.events.Subscribe(EventBufferEvicted, func(e Event) {
		if n, ok := e.Data.(int); ok {
			m.metrics.AddBufferEvicted(e.Namespace, n)
		}
	})
}

// Subscribe 订阅生命周期事件
func (m *Manager) Subscribe(eventType EventType, handler EventHandler) {
	m.events.Subscribe(eventType, handler)
}

// Registry 注册表
func (m *Manager) Registry() *Registry {
	return m.registry
}

// RuntimeEpoch 进程启动标识
func (m *Manager) RuntimeEpoch() string {
	return m.epoch
}

// Connections 命名空间内的连接信息
func (m *Manager) Connections(ns string) []ConnInfo {
	return m.pool.list(NormalizeNamespace(ns))
}

// ConnectionCount 命名空间内在线数
func (m *Manager) ConnectionCount(ns string) int {
	return m.pool.Count(NormalizeNamespace(ns))
}

// TotalConnections 在线总数
func (m *Manager) TotalConnections() int {
	return m.pool.Total()
}

// IsConnected 是否在线
func (m *Manager) IsConnected(ns, sid string) bool {
	_, ok := m.pool.get(Identity{Namespace: NormalizeNamespace(ns), SessionID: sid})
	return ok
}

// IsKnown 是否在线、在保留期内或仍有未过期的缓冲事件
func (m *Manager) IsKnown(ctx context.Context, ns, sid string) bool {
	id := Identity{Namespace: NormalizeNamespace(ns), SessionID: sid}
	if m.pool.isKnown(id) {
		return true
	}
	n, err := m.buffer.Len(ctx, id.Namespace, id.SessionID)
	return err == nil && n > 0
}

// Touch 更新最近活动时间
func (m *Manager) Touch(ns, sid string) {
	if conn, ok := m.pool.get(Identity{Namespace: NormalizeNamespace(ns), SessionID: sid}); ok {
		conn.lastSeen.Store(time.Now().UnixNano())
	}
}

// BufferedCount 身份当前缓冲事件数
func (m *Manager) BufferedCount(ctx context.Context, ns, sid string) (int, error) {
	return m.buffer.Len(ctx, NormalizeNamespace(ns), sid)
}
