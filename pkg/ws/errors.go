package ws

import (
	"errors"
	"net/http"

	relayerrors "github.com/tokmz/relay/pkg/errors"
)

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrChannelFull        = errors.New("ws: send channel full")
	ErrManagerClosed      = errors.New("ws: manager closed")
	ErrNotDelivered       = errors.New("ws: event not delivered")

	// 注册相关错误
	ErrInvalidHandler     = errors.New("ws: invalid handler")
	ErrInvalidEventType   = errors.New("ws: invalid event type")
	ErrDuplicateInstance  = errors.New("ws: handler type already registered with another instance")
	ErrDuplicateHandlerID = errors.New("ws: handler id already taken")
	ErrHandlerExists      = errors.New("ws: handler already registered in namespace")
	ErrRegistryFrozen     = errors.New("ws: registry is frozen")

	// 消息相关错误
	ErrInvalidMessage = errors.New("ws: invalid message format")
)

// Rejection 握手拒绝，携带稳定错误码与命名空间
type Rejection struct {
	Code      string `json:"code"`
	Message   string `json:"error"`
	Namespace string `json:"namespace"`
	Status    int    `json:"-"`
}

func (r *Rejection) Error() string {
	return "ws: connection rejected: " + r.Code + " (" + r.Namespace + ")"
}

// newRejection 由错误码构造拒绝
func newRejection(e *relayerrors.Error, ns string) *Rejection {
	status := e.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	return &Rejection{
		Code:      e.Code,
		Message:   e.Message,
		Namespace: ns,
		Status:    status,
	}
}
