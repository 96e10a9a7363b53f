package ws

import (
	"crypto/subtle"
	"errors"
	"net/http"

	relayerrors "github.com/tokmz/relay/pkg/errors"
)

// Principal 已认证的会话主体
type Principal struct {
	UserID string
	Claims map[string]any
}

// Authenticator 会话校验，由宿主应用提供
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// AuthenticatorFunc 函数适配器
type AuthenticatorFunc func(r *http.Request) (*Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (*Principal, error) {
	return f(r)
}

// CSRFValidator 防伪令牌校验
type CSRFValidator interface {
	ValidateCSRF(r *http.Request) error
}

var errCSRFMismatch = errors.New("csrf token missing or mismatched")

// DoubleSubmitCSRF 双提交 Cookie 校验：Cookie 中的令牌须与请求头或查询参数一致
type DoubleSubmitCSRF struct {
	CookieName string
	HeaderName string
	QueryParam string
}

// DefaultCSRF 默认双提交校验
func DefaultCSRF() *DoubleSubmitCSRF {
	return &DoubleSubmitCSRF{
		CookieName: "csrf_token",
		HeaderName: "X-CSRF-Token",
		QueryParam: "csrf_token",
	}
}

func (d *DoubleSubmitCSRF) ValidateCSRF(r *http.Request) error {
	cookie, err := r.Cookie(d.CookieName)
	if err != nil || cookie.Value == "" {
		return errCSRFMismatch
	}
	token := r.Header.Get(d.HeaderName)
	if token == "" {
		token = r.URL.Query().Get(d.QueryParam)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

// Authorize 连接前置校验，在任何连接回调之前执行
// 顺序：命名空间存在 → Origin → 会话 → 防伪令牌
func (m *Manager) Authorize(r *http.Request, ns string) (*Principal, *Rejection) {
	ns = NormalizeNamespace(ns)

	auth, csrf, ok := m.registry.Requirements(ns)
	if !ok {
		return nil, newRejection(relayerrors.ErrUnknownNamespace, ns)
	}

	if !m.checkOrigin(r) {
		return nil, newRejection(relayerrors.ErrOriginRejected, ns)
	}

	var principal *Principal
	if auth {
		if m.config.Authenticator == nil {
			return nil, newRejection(relayerrors.ErrUnauthorized, ns)
		}
		p, err := m.config.Authenticator.Authenticate(r)
		if err != nil || p == nil {
			return nil, newRejection(relayerrors.ErrUnauthorized, ns)
		}
		principal = p
	}

	if csrf {
		validator := m.config.CSRF
		if validator == nil {
			validator = DefaultCSRF()
		}
		if err := validator.ValidateCSRF(r); err != nil {
			return nil, newRejection(relayerrors.ErrCSRFFailed, ns)
		}
	}

	return principal, nil
}

// checkOrigin 白名单优先，其次自定义函数，最后同源检查
func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.config.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		for _, allowed := range m.config.AllowedOrigins {
			if origin != "" && origin == allowed {
				return true
			}
		}
		return false
	}
	if m.config.CheckOrigin != nil {
		return m.config.CheckOrigin(r)
	}
	return defaultCheckOrigin(r)
}

// defaultCheckOrigin 同源策略，拒绝空 Origin
// 非浏览器客户端使用 WithAllowAllOrigins()
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
