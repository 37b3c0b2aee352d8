// Package memstore 实现了进程内的层级键值存储，用于测试和单进程嵌入
package memstore

import (
	"reflect"
	"sync"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/subscription"
)

// Rules 在每次写操作前调用，返回非 nil 时操作被拒绝
type Rules func(op store.Op, path string) error

type Option func(*Memory)

// WithRules 设置写入规则，类似托管存储的安全规则
func WithRules(rules Rules) Option {
	return func(m *Memory) {
		m.rules = rules
	}
}

type watchKind int

const (
	watchValue watchKind = iota
	watchChildAdded
)

type watcher struct {
	id       uint64
	path     string
	kind     watchKind
	fn       func(store.Snapshot)
	conn     *Conn
	last     any                 // watchValue: 上一次通知的值
	children map[string]struct{} // watchChildAdded: 已通知过的子节点
	canceled bool
}

// Memory 保存全部数据和监听者，所有连接共享同一个 Memory
type Memory struct {
	mu       sync.Mutex
	leaves   map[string]any
	watchers map[uint64]*watcher
	index    *subscription.Tree
	nextID   uint64
	rules    Rules

	// 通知队列，由单个分发协程按修改顺序投递
	queue   []func()
	pending int
	wake    *sync.Cond
	idle    *sync.Cond
	stopped bool
}

func New(opts ...Option) *Memory {
	m := &Memory{
		leaves:   make(map[string]any),
		watchers: make(map[uint64]*watcher),
		index:    subscription.NewTree(),
	}
	m.wake = sync.NewCond(&m.mu)
	m.idle = sync.NewCond(&m.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	go m.dispatch()
	return m
}

// Connect 打开一条新的存储连接
func (m *Memory) Connect() *Conn {
	conn := &Conn{
		memory:   m,
		id:       store.NewID(),
		cleanups: make(map[string]*store.Cleanup),
	}
	logger.DebugF("Memory store connection %s opened", conn.id)
	return conn
}

// Sync 阻塞直到队列中所有通知（包括回调中产生的新通知）都已投递
// 不可在监听回调中调用
func (m *Memory) Sync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 {
		m.idle.Wait()
	}
}

// Stop 在投递完剩余通知后停止分发协程
func (m *Memory) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.wake.Broadcast()
}

// Len 返回当前叶子节点数量
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leaves)
}

func (m *Memory) dispatch() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.stopped {
				m.mu.Unlock()
				return
			}
			m.wake.Wait()
		}
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		next()

		m.mu.Lock()
		m.pending--
		if m.pending == 0 {
			m.idle.Broadcast()
		}
		m.mu.Unlock()
	}
}

// enqueueLocked 调用方需持有 m.mu
func (m *Memory) enqueueLocked(w *watcher, snap store.Snapshot) {
	m.queue = append(m.queue, func() {
		m.mu.Lock()
		canceled := w.canceled
		m.mu.Unlock()
		if canceled {
			return
		}
		w.fn(snap)
	})
	m.pending++
	m.wake.Signal()
}

func (m *Memory) checkRules(op store.Op, path string) error {
	if m.rules == nil {
		return nil
	}
	if err := m.rules(op, path); err != nil {
		return store.NewWriteError(op, path, err)
	}
	return nil
}

// applyLocked 删除 roots 子树，写入新的叶子并清除被覆盖的祖先标量，最后通知相关监听者
func (m *Memory) applyLocked(changed string, roots []string, leaves map[string]any) {
	for p := range m.leaves {
		for _, root := range roots {
			if store.IsWithin(p, root) {
				delete(m.leaves, p)
				break
			}
		}
	}
	for p, v := range leaves {
		for _, ancestor := range store.Ancestors(p) {
			delete(m.leaves, ancestor)
		}
		m.leaves[p] = v
	}
	m.notifyLocked(changed)
}

// notifyLocked 按注册顺序检查相关监听，同一修改触发的通知顺序稳定
func (m *Memory) notifyLocked(changed string) {
	for _, id := range m.index.Match(changed) {
		w := m.watchers[id]
		if w == nil || w.canceled {
			continue
		}
		m.evaluateLocked(w, false)
	}
}

// evaluateLocked 重新计算监听路径的值，必要时入队通知
func (m *Memory) evaluateLocked(w *watcher, initial bool) {
	value := store.Assemble(w.path, m.leaves)
	switch w.kind {
	case watchValue:
		if !initial && reflect.DeepEqual(value, w.last) {
			return
		}
		w.last = value
		m.enqueueLocked(w, store.NewSnapshot(w.path, copyValue(value)))
	case watchChildAdded:
		current := store.ChildKeySet(value)
		children, _ := value.(map[string]any)
		for _, key := range store.NewSnapshot(w.path, value).ChildKeys() {
			if _, seen := w.children[key]; seen {
				continue
			}
			w.children[key] = struct{}{}
			m.enqueueLocked(w, store.NewSnapshot(store.Join(w.path, key), copyValue(children[key])))
		}
		for key := range w.children {
			if _, ok := current[key]; !ok {
				delete(w.children, key)
			}
		}
	}
}

func (m *Memory) addWatcherLocked(w *watcher) {
	m.nextID++
	w.id = m.nextID
	m.watchers[w.id] = w
	m.index.Insert(w.path, w.id)
	m.evaluateLocked(w, true)
}

func (m *Memory) removeWatcherLocked(w *watcher) {
	w.canceled = true
	delete(m.watchers, w.id)
	m.index.Delete(w.path, w.id)
}

// copyValue 深拷贝快照中的 map，避免回调修改内部状态
func copyValue(value any) any {
	src, ok := value.(map[string]any)
	if !ok {
		return value
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}
