package socket

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// SessionRef 一个公开了外部身份的会话
type SessionRef struct {
	ExternalID string `json:"externalId"`
	SessionID  string `json:"sessionId"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

type presenceRecord struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	MappedID  string `json:"mappedId,omitempty"`
}

// identity 会话 id 以及外部身份到会话的本地映射
// 映射只是最近一次重建时的快照，不是权威数据
type identity struct {
	id    string
	store store.Store

	mu         sync.RWMutex
	externalID string
	mapping    map[string]SessionRef
}

func newIdentity(st store.Store, id string) *identity {
	if id == "" {
		id = uuid.NewString()
	}
	return &identity{id: id, store: st, mapping: make(map[string]SessionRef)}
}

// register 在在线记录上写入 mappedId，然后整体重建映射
func (i *identity) register(ctx context.Context, externalID string) error {
	err := i.store.Update(ctx, presencePath(i.id), map[string]any{
		"id":       i.id,
		"mappedId": externalID,
	})
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.externalID = externalID
	i.mu.Unlock()
	_, err = i.rebuild(ctx)
	return err
}

func (i *identity) rebuild(ctx context.Context) ([]SessionRef, error) {
	snap, err := i.store.ReadOnce(ctx, store.SocketsRoot)
	if err != nil {
		return nil, err
	}
	refs := sessionsFrom(snap)
	i.replace(refs)
	return refs, nil
}

// watch 持续监听会话列表，每次变化都整体重建映射
func (i *identity) watch(ctx context.Context, fn func([]SessionRef)) (store.Subscription, error) {
	return i.store.WatchValue(ctx, store.SocketsRoot, func(snap store.Snapshot) {
		refs := sessionsFrom(snap)
		i.replace(refs)
		if fn != nil {
			fn(refs)
		}
	})
}

// replace 同一外部身份对应多个会话时取 createdAt 最新的一个
func (i *identity) replace(refs []SessionRef) {
	mapping := make(map[string]SessionRef, len(refs))
	for _, ref := range refs {
		current, ok := mapping[ref.ExternalID]
		if !ok || newerSession(ref, current) {
			mapping[ref.ExternalID] = ref
		}
	}
	i.mu.Lock()
	i.mapping = mapping
	i.mu.Unlock()
}

func (i *identity) resolve(externalID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ref, ok := i.mapping[externalID]
	return ref.SessionID, ok
}

func (i *identity) external() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.externalID
}

func newerSession(a SessionRef, b SessionRef) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.SessionID > b.SessionID
}

// sessionsFrom 从 sockets 快照中取出所有带 mappedId 的会话
// 会话 id 取自路径 key，只有 events 子树的残留节点会因缺少 mappedId 被跳过
func sessionsFrom(snap store.Snapshot) []SessionRef {
	var refs []SessionRef
	for _, key := range snap.ChildKeys() {
		var record presenceRecord
		if err := snap.Child(key).Decode(&record); err != nil {
			continue
		}
		if record.MappedID == "" {
			continue
		}
		refs = append(refs, SessionRef{
			ExternalID: record.MappedID,
			SessionID:  key,
			CreatedAt:  record.CreatedAt,
		})
	}
	sort.Slice(refs, func(a, b int) bool {
		if refs[a].ExternalID != refs[b].ExternalID {
			return refs[a].ExternalID < refs[b].ExternalID
		}
		return refs[a].SessionID < refs[b].SessionID
	})
	return refs
}
