package memstore

import (
	"context"
	"slices"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// Conn 一条存储连接，实现 store.Store
// 连接结束（Close）时，存储端执行该连接布设的所有清理动作
type Conn struct {
	memory   *Memory
	id       string
	cleanups map[string]*store.Cleanup
	watchers []*watcher
	closed   bool
}

var _ store.Store = (*Conn)(nil)

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return store.NewWriteError(store.OpWrite, path, err)
	}
	if err := store.ValidatePath(path); err != nil {
		return store.NewWriteError(store.OpWrite, path, err)
	}
	leaves, err := store.Flatten(path, value)
	if err != nil {
		return store.NewWriteError(store.OpWrite, path, err)
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := c.usableLocked(store.OpWrite, path); err != nil {
		return err
	}
	m.applyLocked(path, []string{path}, leaves)
	return nil
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return store.NewWriteError(store.OpUpdate, path, err)
	}
	if err := store.ValidatePath(path); err != nil {
		return store.NewWriteError(store.OpUpdate, path, err)
	}
	if len(fields) == 0 {
		return nil
	}

	roots := make([]string, 0, len(fields))
	leaves := make(map[string]any)
	for key, value := range fields {
		if !store.ValidKey(key) {
			return store.NewWriteError(store.OpUpdate, path, store.ErrInvalidPath)
		}
		child := store.Join(path, key)
		childLeaves, err := store.Flatten(child, value)
		if err != nil {
			return store.NewWriteError(store.OpUpdate, path, err)
		}
		roots = append(roots, child)
		for p, v := range childLeaves {
			leaves[p] = v
		}
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := c.usableLocked(store.OpUpdate, path); err != nil {
		return err
	}
	m.applyLocked(path, roots, leaves)
	return nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return store.NewWriteError(store.OpDelete, path, err)
	}
	if err := store.ValidatePath(path); err != nil {
		return store.NewWriteError(store.OpDelete, path, err)
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := c.usableLocked(store.OpDelete, path); err != nil {
		return err
	}
	m.applyLocked(path, []string{path}, nil)
	return nil
}

func (c *Conn) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	if err := store.ValidatePath(path); err != nil {
		return store.Snapshot{}, err
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	return store.NewSnapshot(path, copyValue(store.Assemble(path, m.leaves))), nil
}

func (c *Conn) WatchValue(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.watch(ctx, path, watchValue, fn)
}

func (c *Conn) WatchChildAdded(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.watch(ctx, path, watchChildAdded, fn)
}

func (c *Conn) watch(ctx context.Context, path string, kind watchKind, fn func(store.Snapshot)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}
	w := &watcher{
		path:     path,
		kind:     kind,
		fn:       fn,
		conn:     c,
		children: make(map[string]struct{}),
	}
	m.addWatcherLocked(w)
	c.watchers = append(c.watchers, w)

	return store.SubscriptionFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeWatcherLocked(w)
		c.watchers = slices.DeleteFunc(c.watchers, func(other *watcher) bool { return other == w })
	}), nil
}

func (c *Conn) ArmDisconnectCleanup(ctx context.Context, path string) (*store.Cleanup, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewWriteError(store.OpCleanup, path, err)
	}
	if err := store.ValidatePath(path); err != nil {
		return nil, store.NewWriteError(store.OpCleanup, path, err)
	}

	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := c.usableLocked(store.OpCleanup, path); err != nil {
		return nil, err
	}

	id := store.NewID()
	cleanup := store.NewCleanup(id, path, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(c.cleanups, id)
		return nil
	})
	c.cleanups[id] = cleanup
	return cleanup, nil
}

// Close 结束连接：执行所有已布设的清理动作并停止该连接的监听，重复调用为空操作
// 无论主动关闭还是意外断开，存储端看到的都是连接结束
func (c *Conn) Close() {
	m := c.memory
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	c.closed = true

	ids := make([]string, 0, len(c.cleanups))
	for id := range c.cleanups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fired := make([]*store.Cleanup, 0, len(ids))
	for _, id := range ids {
		cleanup := c.cleanups[id]
		m.applyLocked(cleanup.Path, []string{cleanup.Path}, nil)
		fired = append(fired, cleanup)
	}
	c.cleanups = make(map[string]*store.Cleanup)

	for _, w := range c.watchers {
		m.removeWatcherLocked(w)
	}
	c.watchers = nil
	m.mu.Unlock()

	for _, cleanup := range fired {
		cleanup.MarkFired()
	}
	logger.DebugF("Memory store connection %s closed, %d cleanup(s) fired", c.id, len(fired))
}

// ArmedCleanups 返回当前仍处于布设状态的清理路径
func (c *Conn) ArmedCleanups() []string {
	m := c.memory
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(c.cleanups))
	for _, cleanup := range c.cleanups {
		paths = append(paths, cleanup.Path)
	}
	slices.Sort(paths)
	return paths
}

func (c *Conn) usableLocked(op store.Op, path string) error {
	if c.closed {
		return store.NewWriteError(op, path, store.ErrClosed)
	}
	return c.memory.checkRules(op, path)
}
