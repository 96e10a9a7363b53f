package errors

import "errors"

// Error 带稳定错误码的错误
// Code 面向客户端分支判断，Details 仅在开发模式下对外暴露
type Error struct {
	Code    string `json:"code"`              // 错误码
	Message string `json:"error"`             // 错误信息
	Details string `json:"details,omitempty"` // 调试细节
	Status  int    `json:"-"`                 // http 状态码（握手拒绝时使用）
	Err     error  `json:"-"`                 // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// status 可选 http 状态码，默认 400
func New(code, message string, status ...int) *Error {
	st := 400
	if len(status) > 0 {
		st = status[0]
	}
	return &Error{
		Code:    code,
		Message: message,
		Status:  st,
	}
}

// Clone 克隆错误（避免修改共享的预定义错误）
func (e *Error) Clone() *Error {
	c := *e
	return &c
}

// WithError 添加原始错误（返回新实例，不修改原错误）
func (e *Error) WithError(err error) *Error {
	c := e.Clone()
	c.Err = err
	return c
}

// WithMessage 替换错误信息（返回新实例）
func (e *Error) WithMessage(message string) *Error {
	c := e.Clone()
	c.Message = message
	return c
}

// WithDetails 附加调试细节（返回新实例）
func (e *Error) WithDetails(details string) *Error {
	c := e.Clone()
	c.Details = details
	return c
}

// Is 当 target 也是 *Error 时比较 Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// CodeOf 提取错误码，非 *Error 返回空字符串
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
