package route

import (
	"errors"
	"fmt"
)

// 路由配置校验错误定义
var (
	ErrEmptyConfiguration   = errors.New("empty route configuration")
	ErrInvalidRouteID       = errors.New("invalid route id")
	ErrDuplicateRouteID     = errors.New("duplicate route id")
	ErrInvalidURI           = errors.New("invalid uri")
	ErrMissingPredicate     = errors.New("missing predicate")
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
	ErrUnsupportedFilter    = errors.New("unsupported filter")
	ErrInvalidPathPattern   = errors.New("invalid path pattern")
	ErrInvalidMetadata      = errors.New("invalid metadata")
	ErrInvalidSettings      = errors.New("invalid resilience settings")
)

// ValidationError 配置校验失败，携带出错路由的位置和 ID
type ValidationError struct {
	// Index 路由在配置中的下标，-1 表示针对整个配置
	Index   int
	RouteID string
	Err     error
	Detail  string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		if e.Detail != "" {
			return fmt.Sprintf("%v: %s", e.Err, e.Detail)
		}
		return e.Err.Error()
	}
	if e.Detail != "" {
		return fmt.Sprintf("route[%d] %q: %v: %s", e.Index, e.RouteID, e.Err, e.Detail)
	}
	return fmt.Sprintf("route[%d] %q: %v", e.Index, e.RouteID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(index int, id string, err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Index: index, RouteID: id, Err: err, Detail: fmt.Sprintf(format, args...)}
}
