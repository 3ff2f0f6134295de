package refresh

import (
	"errors"
	"fmt"
)

// Stage 刷新失败所在的阶段
type Stage string

const (
	StageRead     Stage = "read"
	StageDecode   Stage = "decode"
	StageValidate Stage = "validate"
	StagePublish  Stage = "publish"
)

var (
	// ErrVersionNotFound 回滚目标不在历史记录中
	ErrVersionNotFound = errors.New("configuration version not found")
	// ErrAlreadyStarted Start 被重复调用
	ErrAlreadyStarted = errors.New("refresh service already started")
)

// RefreshError 刷新失败，之前的路由集合保持生效
type RefreshError struct {
	Stage Stage
	Err   error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed at %s: %v", e.Stage, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
