package store

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// 存储路径中的命名空间根节点
const (
	SocketsRoot = "sockets"
	EventsRoot  = "events"
	RoomsRoot   = "rooms"
)

const forbiddenKeyChars = "/.#$[]"

// NewID 生成按时间排序的唯一 ID，用于记录、清理动作和连接
func NewID() string {
	return ulid.Make().String()
}

// Join 拼接路径段，忽略空段
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Split 拆分路径为层级数组
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Key 返回路径的最后一段
func Key(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent 返回父路径，顶层路径的父路径为空字符串
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Ancestors 由近到远返回所有祖先路径（不含自身）
func Ancestors(path string) []string {
	var result []string
	for p := Parent(path); p != ""; p = Parent(p) {
		result = append(result, p)
	}
	return result
}

// IsWithin 判断 path 是否等于 root 或位于 root 之下
func IsWithin(path string, root string) bool {
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

// ValidKey 判断单个路径段是否合法
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenKeyChars, r) {
			return false
		}
	}
	return true
}

// ValidatePath 校验路径，根路径不可直接操作
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range Split(path) {
		if !ValidKey(segment) {
			return fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPath, segment, path)
		}
	}
	return nil
}
