package relay

import (
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/ws"
)

// RequestLogger 请求日志中间件
// 记录请求方法、路径、客户端 IP、状态码、耗时；excludePaths 中的路径不记录
// 升级端点的耗时即连接存活时长
func RequestLogger(log logger.Logger, excludePaths ...string) gin.HandlerFunc {
	skipMap := make(map[string]bool, len(excludePaths))
	for _, path := range excludePaths {
		skipMap[path] = true
	}

	return func(c *gin.Context) {
		if skipMap[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.ErrorContext(ctx, "request", fields...)
		case status >= 400:
			log.WarnContext(ctx, "request", fields...)
		default:
			log.InfoContext(ctx, "request", fields...)
		}
	}
}

// Recovery panic 恢复中间件，返回统一响应格式（500）
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if isBrokenPipe(err) {
					log.Error("broken pipe",
						zap.Any("error", err),
						zap.String("path", c.Request.URL.Path),
					)
					c.Abort()
					return
				}

				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
					zap.String("stack", string(debug.Stack())),
				)

				// 已升级或已写出的响应无法再改写
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					Fail(http.StatusInternalServerError, "Internal Server Error"))
			}
		}()
		c.Next()
	}
}

// isBrokenPipe 检查是否为断开的连接错误
func isBrokenPipe(err any) bool {
	ne, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	se, ok := ne.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// tokenBucket 令牌桶
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// newTokenBucket 创建令牌桶
func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// allow 检查是否允许请求
func (t *tokenBucket) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.tokens += now.Sub(t.lastRefill).Seconds() * t.refillRate
	if t.tokens > t.maxTokens {
		t.tokens = t.maxTokens
	}
	t.lastRefill = now

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// handshakeLimiter 按客户端 IP 限制握手频率
// 桶存放在 go-cache 中，空闲超过 BucketExpiry 后自动清理
func handshakeLimiter(limit *HandshakeLimit, log logger.Logger) gin.HandlerFunc {
	rate := limit.RequestsPerSecond
	if rate <= 0 {
		rate = 10
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	expiry := limit.BucketExpiry
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}

	var mu sync.Mutex
	buckets := gocache.New(expiry, expiry/3)

	return func(c *gin.Context) {
		key := c.ClientIP()

		mu.Lock()
		var bucket *tokenBucket
		if v, ok := buckets.Get(key); ok {
			bucket = v.(*tokenBucket)
		} else {
			bucket = newTokenBucket(rate, burst)
		}
		// 每次访问刷新过期时间
		buckets.SetDefault(key, bucket)
		mu.Unlock()

		if !bucket.allow() {
			ns := ws.NormalizeNamespace(c.Param("namespace"))
			log.Warn("handshake rate limit exceeded",
				zap.String("client_ip", key),
				zap.String("namespace", ns),
				zap.Float64("rate", rate),
			)
			e := relayerrors.ErrRateLimited
			c.AbortWithStatusJSON(e.Status, &ws.Rejection{
				Code:      e.Code,
				Message:   e.Message,
				Namespace: ns,
				Status:    e.Status,
			})
			return
		}

		c.Next()
	}
}
