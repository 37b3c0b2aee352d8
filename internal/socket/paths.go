package socket

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// 逻辑路径布局：
//
//	sockets/<sessionId>                    在线记录
//	sockets/<sessionId>/events/<event>     定向邮箱
//	events/<event>                         全局邮箱
//	rooms/<room>/sockets/<sessionId>       房间成员记录
//	rooms/<room>/events/<event>            房间邮箱
const (
	eventsSegment  = "events"
	membersSegment = "sockets"

	// 定长的 UTC 时间格式，保证字典序与时间序一致
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

func presencePath(sessionID string) string {
	return store.Join(store.SocketsRoot, sessionID)
}

func directEventPath(sessionID string, event string) string {
	return store.Join(store.SocketsRoot, sessionID, eventsSegment, event)
}

func globalEventPath(event string) string {
	return store.Join(store.EventsRoot, event)
}

func membersPath(room string) string {
	return store.Join(store.RoomsRoot, room, membersSegment)
}

func memberPath(room string, sessionID string) string {
	return store.Join(store.RoomsRoot, room, membersSegment, sessionID)
}

func roomEventPath(room string, event string) string {
	return store.Join(store.RoomsRoot, room, eventsSegment, event)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
