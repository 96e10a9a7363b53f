package relay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

// Engine HTTP 入口：升级端点、健康检查、调试路由与优雅关机
type Engine struct {
	config  *Config
	engine  *gin.Engine
	server  *http.Server
	manager *ws.Manager
	logger  logger.Logger

	mu       sync.Mutex
	closers  []func(context.Context) error
	shutOnce sync.Once
	shutErr  error
}

// New 创建 Engine，manager 的处理器须在 Run 之前注册完毕
func New(manager *ws.Manager, opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	// gin.SetMode 是全局操作
	if gin.Mode() == gin.DebugMode || config.Mode != gin.DebugMode {
		gin.SetMode(config.Mode)
	}
	silenceGin()

	ginEngine := gin.New()
	if config.TrustedProxies != nil {
		if err := ginEngine.SetTrustedProxies(config.TrustedProxies); err != nil {
			config.Logger.Warn("failed to set trusted proxies", zap.Error(err))
		}
	}

	e := &Engine{
		config:  config,
		engine:  ginEngine,
		manager: manager,
		logger:  config.Logger.Named("http"),
	}
	e.setupRoutes()
	return e
}

// setupRoutes 挂载中间件与路由
func (e *Engine) setupRoutes() {
	e.engine.Use(Recovery(e.logger), RequestLogger(e.logger, "/healthz"))
	if e.config.Tracing {
		e.engine.Use(tracing.Middleware(func(c *gin.Context) bool {
			return c.Request.URL.Path == "/healthz"
		}))
	}

	e.engine.GET("/healthz", e.handleHealth)

	upgrade := []gin.HandlerFunc{}
	if e.config.HandshakeLimit != nil {
		upgrade = append(upgrade, handshakeLimiter(e.config.HandshakeLimit, e.logger))
	}
	upgrade = append(upgrade, e.handleUpgrade)
	e.engine.GET(strings.TrimRight(e.config.WSPath, "/")+"/*namespace", upgrade...)

	if e.config.Development {
		e.engine.GET("/debug/namespaces", e.handleNamespaces)
	}
}

// Handler 返回 http.Handler，便于挂载到自定义 Server 或测试
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Manager 返回调度器
func (e *Engine) Manager() *ws.Manager {
	return e.manager
}

// OnShutdown 注册关机回调，在 HTTP 服务停止之后、调度器关闭之前按注册顺序执行
func (e *Engine) OnShutdown(fn func(context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// handleUpgrade 握手校验后升级连接，阻塞至连接结束
func (e *Engine) handleUpgrade(c *gin.Context) {
	ns := ws.NormalizeNamespace(c.Param("namespace"))

	principal, rej := e.manager.Authorize(c.Request, ns)
	if rej != nil {
		e.logger.InfoContext(c.Request.Context(), "connection rejected",
			zap.String("code", rej.Code),
			zap.String("namespace", ns),
			zap.String("client_ip", c.ClientIP()),
		)
		c.AbortWithStatusJSON(rej.Status, rej)
		return
	}

	client, err := e.manager.Upgrade(c.Writer, c.Request, ns, c.Query("sid"), principal)
	if err != nil {
		// Upgrade 已写出握手失败响应或关闭帧
		e.logger.InfoContext(c.Request.Context(), "upgrade failed",
			zap.String("namespace", ns),
			zap.Error(err),
		)
		return
	}
	client.Run()
}

// handleHealth 健康检查
func (e *Engine) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, Success(gin.H{
		"status":        "ok",
		"runtime_epoch": e.manager.RuntimeEpoch(),
		"connections":   e.manager.TotalConnections(),
	}))
}

// namespaceInfo 调试输出
type namespaceInfo struct {
	Namespace    string   `json:"namespace"`
	Events       []string `json:"events"`
	RequiresAuth bool     `json:"requires_auth"`
	RequiresCSRF bool     `json:"requires_csrf"`
	Connections  int      `json:"connections"`
}

// handleNamespaces 列出命名空间、安全要求与在线连接数
func (e *Engine) handleNamespaces(c *gin.Context) {
	registry := e.manager.Registry()
	names := registry.Namespaces()

	out := make([]namespaceInfo, 0, len(names))
	for _, ns := range names {
		auth, csrf, _ := registry.Requirements(ns)
		out = append(out, namespaceInfo{
			Namespace:    ns,
			Events:       registry.EventTypes(ns),
			RequiresAuth: auth,
			RequiresCSRF: csrf,
			Connections:  e.manager.ConnectionCount(ns),
		})
	}
	respond(c, http.StatusOK, Success(out))
}

// Run 启动 HTTP 服务器，支持优雅关机
func (e *Engine) Run(addr ...string) error {
	address := e.config.Server.Addr
	if len(addr) > 0 && addr[0] != "" {
		address = addr[0]
	}

	e.server = &http.Server{
		Addr:           address,
		Handler:        e.engine,
		ReadTimeout:    e.config.Server.ReadTimeout,
		WriteTimeout:   e.config.Server.WriteTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}

	e.manager.Start()
	e.printBanner(address)

	return e.serve(func() error {
		return e.server.ListenAndServe()
	})
}

// serve 启动服务并等待中断信号
func (e *Engine) serve(startFunc func() error) error {
	errChan := make(chan error, 1)
	go func() {
		if err := startFunc(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		_ = e.Shutdown(context.Background())
		return err
	case sig := <-quit:
		e.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Shutdown.Timeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.logger.Error("forced shutdown", zap.Error(err))
		return err
	}
	e.logger.Info("server exited")
	return nil
}

// Shutdown 关闭顺序：HTTP 服务 → 关机回调 → 调度器，重复调用返回首次结果
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutOnce.Do(func() {
		e.shutErr = e.shutdown(ctx)
	})
	return e.shutErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	if e.config.Shutdown.BeforeShutdown != nil {
		e.config.Shutdown.BeforeShutdown()
	}

	var errs []error
	// 升级后的连接已脱离 http.Server，由调度器关闭
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	closers := append([]func(context.Context) error(nil), e.closers...)
	e.mu.Unlock()
	for _, fn := range closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if e.config.Shutdown.AfterShutdown != nil {
		e.config.Shutdown.AfterShutdown()
	}
	return errors.Join(errs...)
}
