// Package errors 定义返回给 MCP 客户端和运维人员的错误类型
package errors

import (
	goerrors "errors"
	"fmt"
)

// Kind 错误类型
type Kind string

// 错误类型
const (
	// KindAuthenticationFailed 连接时令牌缺失或错误
	KindAuthenticationFailed Kind = "AuthenticationFailed"

	// KindNotFound 租户、服务器或工具名不存在
	KindNotFound Kind = "NotFound"

	// KindValidationFailed 参数不符合工具 schema
	KindValidationFailed Kind = "ValidationFailed"

	// KindTimeout 远程作业超过等待上限
	KindTimeout Kind = "Timeout"

	// KindUpstreamError 编排平台不可达或返回错误
	KindUpstreamError Kind = "UpstreamError"

	// KindExecutionError 内置工具或远程流程执行失败
	KindExecutionError Kind = "ExecutionError"
)

// Error 带分类的错误
type Error struct {
	// Kind 错误类型
	Kind Kind

	// Message 错误信息
	Message string

	// Cause 底层错误
	Cause error

	// Details 附加的结构化信息（作业 ID、状态等）
	Details map[string]any
}

// Error 返回错误信息
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail 添加附加信息并返回同一个错误
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError 创建错误
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthenticationError 创建认证错误
func NewAuthenticationError(message string, cause error) *Error {
	return NewError(KindAuthenticationFailed, message, cause)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, cause error) *Error {
	return NewError(KindNotFound, message, cause)
}

// NewValidationError 创建参数校验错误
func NewValidationError(message string, cause error) *Error {
	return NewError(KindValidationFailed, message, cause)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, cause error) *Error {
	return NewError(KindTimeout, message, cause)
}

// NewUpstreamError 创建上游错误
func NewUpstreamError(message string, cause error) *Error {
	return NewError(KindUpstreamError, message, cause)
}

// NewExecutionError 创建执行错误
func NewExecutionError(message string, cause error) *Error {
	return NewError(KindExecutionError, message, cause)
}

// As 返回 err 链中第一个 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回 err 的错误类型，未分类时返回空串
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsAuthenticationFailed 检查是否为认证错误
func IsAuthenticationFailed(err error) bool {
	return KindOf(err) == KindAuthenticationFailed
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsValidationFailed 检查是否为参数校验错误
func IsValidationFailed(err error) bool {
	return KindOf(err) == KindValidationFailed
}

// IsTimeout 检查是否为超时错误
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsUpstreamError 检查是否为上游错误
func IsUpstreamError(err error) bool {
	return KindOf(err) == KindUpstreamError
}

// IsExecutionError 检查是否为执行错误
func IsExecutionError(err error) bool {
	return KindOf(err) == KindExecutionError
}
