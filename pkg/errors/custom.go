package errors

// 稳定错误码
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidFilter      = "INVALID_FILTER"
	CodeNoHandlers         = "NO_HANDLERS"
	CodeTimeout            = "TIMEOUT"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeUnknownNamespace   = "UNKNOWN_NAMESPACE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeCSRFFailed         = "CSRF_FAILED"
	CodeOriginRejected     = "ORIGIN_REJECTED"
	CodeRateLimited        = "RATE_LIMITED"
)

/*
	内置错误
*/

var (
	// ErrInvalidRequest 客户端请求格式错误
	ErrInvalidRequest = New(CodeInvalidRequest, "invalid request", 400)
	// ErrInvalidFilter 处理器过滤条件引用了未注册的处理器
	ErrInvalidFilter = New(CodeInvalidFilter, "invalid handler filter", 400)
	// ErrNoHandlers 没有处理器愿意处理该事件
	ErrNoHandlers = New(CodeNoHandlers, "no handlers registered for event", 404)
	// ErrTimeout 处理器超出调用方给定的时间预算
	ErrTimeout = New(CodeTimeout, "request timed out", 504)
	// ErrHandlerError 处理器执行失败
	ErrHandlerError = New(CodeHandlerError, "Internal server error", 500)
	// ErrConnectionNotFound 目标连接从未出现过
	ErrConnectionNotFound = New(CodeConnectionNotFound, "connection not found", 404)
	// ErrUnknownNamespace 命名空间未注册任何处理器
	ErrUnknownNamespace = New(CodeUnknownNamespace, "unknown namespace", 404)
	// ErrUnauthorized 缺少或无效的会话
	ErrUnauthorized = New(CodeUnauthorized, "authentication required", 401)
	// ErrCSRFFailed 防伪令牌缺失或不匹配
	ErrCSRFFailed = New(CodeCSRFFailed, "csrf validation failed", 403)
	// ErrOriginRejected 不允许的跨域握手
	ErrOriginRejected = New(CodeOriginRejected, "origin not allowed", 403)
	// ErrRateLimited 握手过于频繁
	ErrRateLimited = New(CodeRateLimited, "too many handshakes", 429)
)
