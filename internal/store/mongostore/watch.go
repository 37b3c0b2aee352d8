package mongostore

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const watchRetryDelay = time.Second

type watchKind int

const (
	watchValue watchKind = iota
	watchChildAdded
)

// watcher 一个 change stream 加上路径的最后已知状态
// 每次变化都重新读取整个路径，不依赖事件内容
type watcher struct {
	conn     *Conn
	path     string
	kind     watchKind
	fn       func(store.Snapshot)
	last     any
	children map[string]struct{}
}

func (c *Conn) WatchValue(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.watch(ctx, path, watchValue, fn)
}

func (c *Conn) WatchChildAdded(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	return c.watch(ctx, path, watchChildAdded, fn)
}

func (c *Conn) watch(ctx context.Context, path string, kind watchKind, fn func(store.Snapshot)) (store.Subscription, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	watchCtx, cancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	c.mu.Unlock()

	w := &watcher{conn: c, path: path, kind: kind, fn: fn, children: make(map[string]struct{})}
	// 先打开 change stream 再读取初始值，避免两者之间的修改丢失
	stream, err := w.open(ctx)
	if err != nil {
		cancel()
		c.wg.Done()
		return nil, err
	}

	go func() {
		defer c.wg.Done()
		w.run(watchCtx, stream)
	}()
	return store.SubscriptionFunc(cancel), nil
}

func (w *watcher) open(ctx context.Context) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "documentKey._id", Value: w.path}},
			bson.D{{Key: "documentKey._id", Value: subtreeRegex(w.path)}},
		}}}}},
	}
	return w.conn.client.nodes.Watch(ctx, pipeline, options.ChangeStream())
}

func (w *watcher) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer func() {
		if stream != nil {
			_ = stream.Close(context.Background())
		}
	}()

	w.evaluate(ctx, true)
	for {
		if stream == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
			var err error
			if stream, err = w.open(ctx); err != nil {
				logger.WarnF("Fail to reopen change stream for %s: %v", w.path, err)
				stream = nil
				continue
			}
			// 重连期间可能错过修改，重新同步
			w.evaluate(ctx, false)
		}

		if !stream.Next(ctx) {
			if ctx.Err() != nil {
				return
			}
			logger.WarnF("Change stream for %s interrupted: %v", w.path, stream.Err())
			_ = stream.Close(context.Background())
			stream = nil
			continue
		}
		// 合并已到达的连续事件，只读取一次
		for stream.RemainingBatchLength() > 0 {
			if !stream.TryNext(ctx) {
				break
			}
		}
		w.evaluate(ctx, false)
	}
}

func (w *watcher) evaluate(ctx context.Context, initial bool) {
	value, err := w.conn.client.read(ctx, w.path)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.WarnF("Fail to read %s for watcher: %v", w.path, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	switch w.kind {
	case watchValue:
		if !initial && reflect.DeepEqual(value, w.last) {
			return
		}
		w.last = value
		w.fn(store.NewSnapshot(w.path, value))
	case watchChildAdded:
		snap := store.NewSnapshot(w.path, value)
		current := store.ChildKeySet(value)
		for _, key := range snap.ChildKeys() {
			if _, seen := w.children[key]; seen {
				continue
			}
			w.children[key] = struct{}{}
			w.fn(snap.Child(key))
		}
		for key := range w.children {
			if _, ok := current[key]; !ok {
				delete(w.children, key)
			}
		}
	}
}
