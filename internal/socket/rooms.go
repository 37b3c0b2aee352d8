package socket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

type membership struct {
	cleanup *store.Cleanup
	stop    chan struct{}
}

// rooms 当前会话的房间成员关系
// joined 是本地视图：join/leave 时更新，成员记录被断线清理删除时同步移除
type rooms struct {
	id    string
	store store.Store

	mu     sync.Mutex
	joined map[string]*membership
}

func newRooms(st store.Store, id string) *rooms {
	return &rooms{id: id, store: st, joined: make(map[string]*membership)}
}

// join 写入成员记录并布设断线清理，返回清洗后的房间名
// metadata 中的 id 与 createdAt 会被覆盖
func (r *rooms) join(ctx context.Context, room string, metadata map[string]any) (string, error) {
	name, err := sanitizeRoomOrError(room)
	if err != nil {
		return "", err
	}

	record := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		record[k] = v
	}
	record["id"] = r.id
	record["createdAt"] = timestamp(time.Now())

	path := memberPath(name, r.id)
	if err := r.store.Write(ctx, path, record); err != nil {
		return "", err
	}

	m := &membership{stop: make(chan struct{})}
	cleanup, err := r.store.ArmDisconnectCleanup(ctx, path)
	if err != nil {
		metricStoreErrors.WithLabelValues("arm_membership").Inc()
		logger.WarnF("[%s] Fail to arm membership cleanup for room %s: %v", r.id, name, err)
	} else {
		m.cleanup = cleanup
	}

	r.mu.Lock()
	previous := r.joined[name]
	r.joined[name] = m
	r.mu.Unlock()

	// 重复加入时旧的清理动作作废，路径相同，新动作已覆盖
	if previous != nil {
		close(previous.stop)
		if previous.cleanup != nil && previous.cleanup != cleanup {
			if err := previous.cleanup.Disarm(ctx); err != nil {
				logger.WarnF("[%s] Fail to disarm stale membership cleanup for room %s: %v", r.id, name, err)
			}
		}
	}
	if m.cleanup != nil {
		go r.awaitLost(name, m)
	}
	return name, nil
}

func (r *rooms) awaitLost(name string, m *membership) {
	select {
	case <-m.cleanup.Fired():
		r.mu.Lock()
		if r.joined[name] == m {
			delete(r.joined, name)
		}
		r.mu.Unlock()
		logger.DebugF("[%s] Membership of room %s removed by store cleanup", r.id, name)
	case <-m.stop:
	}
}

// leave 删除成员记录，不存在时为空操作；删除失败时保留本地成员关系
func (r *rooms) leave(ctx context.Context, room string) (string, error) {
	name, err := sanitizeRoomOrError(room)
	if err != nil {
		return "", err
	}
	if err := r.store.Delete(ctx, memberPath(name, r.id)); err != nil {
		return name, err
	}

	r.mu.Lock()
	m := r.joined[name]
	delete(r.joined, name)
	r.mu.Unlock()

	if m != nil {
		close(m.stop)
		if m.cleanup != nil {
			if err := m.cleanup.Disarm(ctx); err != nil {
				logger.WarnF("[%s] Fail to disarm membership cleanup for room %s: %v", r.id, name, err)
			}
		}
	}
	return name, nil
}

// leaveAll 离开所有已加入的房间，返回第一个错误
func (r *rooms) leaveAll(ctx context.Context) error {
	var first error
	for _, name := range r.names() {
		if _, err := r.leave(ctx, name); err != nil {
			logger.WarnF("[%s] Fail to leave room %s: %v", r.id, name, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *rooms) isMember(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[name]
	return ok
}

func (r *rooms) names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.joined))
	for name := range r.joined {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *rooms) listMembers(ctx context.Context, room string) ([]string, error) {
	name, err := sanitizeRoomOrError(room)
	if err != nil {
		return nil, err
	}
	snap, err := r.store.ReadOnce(ctx, membersPath(name))
	if err != nil {
		return nil, err
	}
	members := snap.ChildKeys()
	if members == nil {
		members = []string{}
	}
	return members, nil
}

// watch 监听整个房间命名空间，每次变化都回调完整的房间到成员映射
func (r *rooms) watch(ctx context.Context, fn func(map[string][]string)) (store.Subscription, error) {
	return r.store.WatchValue(ctx, store.RoomsRoot, func(snap store.Snapshot) {
		fn(roomMembersFrom(snap))
	})
}

// roomMembersFrom 没有成员的房间（只剩事件槽）不出现在结果中
func roomMembersFrom(snap store.Snapshot) map[string][]string {
	result := make(map[string][]string)
	for _, room := range snap.ChildKeys() {
		members := snap.Child(room).Child(membersSegment).ChildKeys()
		if len(members) == 0 {
			continue
		}
		result[room] = members
	}
	return result
}
