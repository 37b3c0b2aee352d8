// Package store 定义了共享的层级键值存储的最小能力集合
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Store 是对外部存储原语的类型化封装，每个实例对应一条存储连接
// Watch 系列方法的 ctx 只约束注册过程，监听本身持续到 Cancel 或连接关闭
type Store interface {
	// Write 创建或替换 path 处的值
	Write(ctx context.Context, path string, value any) error
	// Update 将 fields 合并到 path 处已有的值
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete 删除 path 及其所有子节点，不存在时为空操作
	Delete(ctx context.Context, path string) error
	// ReadOnce 读取 path 处的当前值
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	// WatchValue 在 path 的值每次变化时回调，包括初始值和变为不存在
	WatchValue(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	// WatchChildAdded 对 path 下每个新增的直接子节点回调一次
	WatchChildAdded(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	// ArmDisconnectCleanup 注册连接断开时由存储端执行的删除动作
	// 返回成功即表示已布设 (armed)，实际执行由 Cleanup.Fired 通知
	ArmDisconnectCleanup(ctx context.Context, path string) (*Cleanup, error)
}

// Subscription 可取消的监听
type Subscription interface {
	Cancel()
}

// SubscriptionFunc 将普通函数适配为 Subscription
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

// Snapshot 某一时刻 path 处的值，Value 为 nil 表示不存在
type Snapshot struct {
	Path  string
	Key   string
	Value any
}

func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{Path: path, Key: Key(path), Value: value}
}

func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Child 返回直接子节点的快照
func (s Snapshot) Child(key string) Snapshot {
	path := Join(s.Path, key)
	if m, ok := s.Value.(map[string]any); ok {
		return NewSnapshot(path, m[key])
	}
	return NewSnapshot(path, nil)
}

// ChildKeys 按字典序返回所有直接子节点的 key
func (s Snapshot) ChildKeys() []string {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode 将快照值解码到 out
func (s Snapshot) Decode(out any) error {
	data, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Cleanup 一个已布设的断线清理动作（删除 Path）
type Cleanup struct {
	ID   string
	Path string

	fired    chan struct{}
	fireOnce sync.Once
	disarm   func(ctx context.Context) error
	mu       sync.Mutex
	disarmed bool
}

func NewCleanup(id string, path string, disarm func(ctx context.Context) error) *Cleanup {
	return &Cleanup{
		ID:     id,
		Path:   path,
		fired:  make(chan struct{}),
		disarm: disarm,
	}
}

// Fired 在清理动作真正执行后关闭
func (c *Cleanup) Fired() <-chan struct{} {
	return c.fired
}

// MarkFired 由存储实现调用，幂等
func (c *Cleanup) MarkFired() {
	c.fireOnce.Do(func() { close(c.fired) })
}

// HasFired 非阻塞地检查是否已执行
func (c *Cleanup) HasFired() bool {
	select {
	case <-c.fired:
		return true
	default:
		return false
	}
}

// Disarm 撤销尚未执行的清理动作，重复调用为空操作
func (c *Cleanup) Disarm(ctx context.Context) error {
	c.mu.Lock()
	if c.disarmed || c.HasFired() {
		c.mu.Unlock()
		return nil
	}
	c.disarmed = true
	c.mu.Unlock()
	if c.disarm == nil {
		return nil
	}
	return c.disarm(ctx)
}
