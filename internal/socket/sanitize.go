package socket

import (
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// SanitizeRoom 去掉房间名中所有 [A-Za-z0-9] 以外的字符
// 不同输入可能得到同一个结果，这种冲突不做检测
func SanitizeRoom(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ('0' <= ch && ch <= '9') {
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func sanitizeRoomOrError(name string) (string, error) {
	sanitized := SanitizeRoom(name)
	if sanitized == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyRoomName, name)
	}
	return sanitized, nil
}

// validateEvent 事件名会成为路径段，必须是合法的 key
func validateEvent(event string) error {
	if !store.ValidKey(event) {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, event)
	}
	return nil
}
