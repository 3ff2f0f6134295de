package router

import (
	"errors"
	"fmt"
)

// 路由编译错误定义
var (
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownKind     = errors.New("unknown predicate or filter")
)

// CompileError 单个路由编译失败
type CompileError struct {
	RouteID   string
	Component string
	Err       error
}

// Error 实现error接口
func (e *CompileError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("failed to compile route %q: %v", e.RouteID, e.Err)
	}
	return fmt.Sprintf("failed to compile route %q (%s): %v", e.RouteID, e.Component, e.Err)
}

// Unwrap 返回原始错误
func (e *CompileError) Unwrap() error {
	return e.Err
}

func argError(name, key, value string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s.%s=%q: %v", ErrInvalidArgument, name, key, value, err)
	}
	return fmt.Errorf("%w: %s.%s=%q", ErrInvalidArgument, name, key, value)
}
