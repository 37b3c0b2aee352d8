package store

import (
	"errors"
	"fmt"
)

// Op 存储操作类型
type Op string

const (
	OpWrite   Op = "write"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpRead    Op = "read"
	OpWatch   Op = "watch"
	OpCleanup Op = "cleanup"
)

var (
	ErrClosed       = errors.New("store connection is closed")
	ErrInvalidPath  = errors.New("invalid store path")
	ErrPermission   = errors.New("permission denied")
	ErrInvalidValue = errors.New("value cannot be stored")
)

// WriteError 存储拒绝了一次写入、更新或删除
type WriteError struct {
	Op   Op
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s %s rejected: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func NewWriteError(op Op, path string, err error) *WriteError {
	return &WriteError{Op: op, Path: path, Err: err}
}

// IsWriteError 判断 err 链中是否含有 *WriteError
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
