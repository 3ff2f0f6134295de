package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// 网关错误定义
var (
	// ErrUpstreamTimeout 上游调用超时
	ErrUpstreamTimeout = errors.New("upstream call timed out")
	// ErrUpstreamConnect 无法连接上游
	ErrUpstreamConnect = errors.New("upstream connection failed")
)

// StatusError 携带 HTTP 状态码的错误，错误处理阶段直接使用其状态码
type StatusError struct {
	Code    int
	Message string
	Err     error
}

// NewStatusError 创建状态错误
func NewStatusError(code int, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}

// WrapStatusError 用状态码包装底层错误
func WrapStatusError(code int, message string, err error) *StatusError {
	return &StatusError{Code: code, Message: message, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// IsTimeout 判断错误是否为超时
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnectFailure 判断错误是否为网络连接失败
func IsConnectFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamConnect) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// StatusOf 根据错误类型推导客户端状态码
//
// 状态错误保持其状态码；超时为 504；连接失败为 503；其余为 500。
func StatusOf(err error) int {
	var se *StatusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.Code
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsConnectFailure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可以暴露给客户端的错误描述，不泄露内部细节
func PublicMessage(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Message != "":
		return se.Message
	case IsTimeout(err):
		return "Upstream service did not respond in time"
	case IsConnectFailure(err):
		return "Upstream service is unavailable"
	default:
		return "An internal error occurred"
	}
}
