package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

const reapConcurrency = 4

type connectionDoc struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type cleanupDoc struct {
	ID     string `bson:"_id"`
	ConnID string `bson:"conn_id"`
	Path   string `bson:"path"`
}

// Open 打开一条存储连接并开始续约
func (c *Client) Open(ctx context.Context) (*Conn, error) {
	now := time.Now()
	doc := connectionDoc{ID: store.NewID(), CreatedAt: now, ExpiresAt: now.Add(c.leaseTTL)}

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if _, err := c.connections.InsertOne(opCtx, doc); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}

	conn := &Conn{client: c, id: doc.ID, cleanups: make(map[string]*store.Cleanup)}
	conn.ctx, conn.cancel = context.WithCancel(c.ctx)

	c.mu.Lock()
	c.conns[conn.id] = conn
	c.mu.Unlock()

	conn.wg.Add(1)
	go conn.heartbeat()
	logger.DebugF("Store connection %s opened", conn.id)
	return conn, nil
}

func (c *Conn) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.client.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := c.client.operationContext(c.ctx)
		result, err := c.client.connections.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: c.id}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "expires_at", Value: time.Now().Add(c.client.leaseTTL)}}}},
		)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				logger.WarnF("Fail to renew lease of store connection %s: %v", c.id, err)
			}
			continue
		}
		if result.MatchedCount == 0 {
			logger.WarnF("Lease of store connection %s expired and was reaped", c.id)
			c.lost()
			return
		}
	}
}

// lost 租约已被回收，清理动作已由其他进程执行，这里只同步本地状态
func (c *Conn) lost() {
	fired := c.markClosed()
	if fired == nil {
		return
	}
	c.cancel()
	c.client.forget(c)
	for _, cleanup := range fired {
		cleanup.MarkFired()
	}
}

// markClosed 首次调用返回所有仍布设的清理动作，之后返回 nil
func (c *Conn) markClosed() []*store.Cleanup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	fired := make([]*store.Cleanup, 0, len(c.cleanups))
	for _, cleanup := range c.cleanups {
		fired = append(fired, cleanup)
	}
	c.cleanups = make(map[string]*store.Cleanup)
	return fired
}

func (c *Conn) ArmDisconnectCleanup(ctx context.Context, path string) (*store.Cleanup, error) {
	if err := c.usable(store.OpCleanup, path); err != nil {
		return nil, err
	}
	doc := cleanupDoc{ID: store.NewID(), ConnID: c.id, Path: path}

	opCtx, cancel := c.client.operationContext(ctx)
	defer cancel()
	if _, err := c.client.cleanups.InsertOne(opCtx, doc); err != nil {
		return nil, databaseError(store.OpCleanup, path, err)
	}

	cleanup := store.NewCleanup(doc.ID, path, func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.cleanups, doc.ID)
		c.mu.Unlock()
		opCtx, cancel := c.client.operationContext(ctx)
		defer cancel()
		_, err := c.client.cleanups.DeleteOne(opCtx, bson.D{{Key: "_id", Value: doc.ID}})
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.NewWriteError(store.OpCleanup, path, store.ErrClosed)
	}
	c.cleanups[doc.ID] = cleanup
	return cleanup, nil
}

// ArmedCleanups 返回当前仍处于布设状态的清理路径
func (c *Conn) ArmedCleanups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.cleanups))
	for _, cleanup := range c.cleanups {
		paths = append(paths, cleanup.Path)
	}
	return paths
}

// Close 结束连接：立即执行该连接的清理动作，停止续约与监听，重复调用为空操作
func (c *Conn) Close(ctx context.Context) error {
	fired := c.markClosed()
	if fired == nil {
		return nil
	}
	c.cancel()
	_, err := c.client.runCleanups(ctx, c.id)
	c.wg.Wait()
	c.client.forget(c)
	for _, cleanup := range fired {
		cleanup.MarkFired()
	}
	logger.DebugF("Store connection %s closed, %d cleanup(s) fired", c.id, len(fired))
	return err
}

// runCleanups 删除连接布设的所有路径，最后删除连接本身
// 中途失败时保留剩余记录，下一轮回收会重试
func (c *Client) runCleanups(ctx context.Context, connID string) (int, error) {
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()

	cursor, err := c.cleanups.Find(opCtx, bson.D{{Key: "conn_id", Value: connID}})
	if err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}
	var docs []cleanupDoc
	if err := cursor.All(opCtx, &docs); err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}

	for _, doc := range docs {
		if err := c.deletePath(ctx, doc.Path); err != nil {
			return 0, fmt.Errorf("cleanup %s of connection %s: %w", doc.Path, connID, err)
		}
	}
	if _, err := c.cleanups.DeleteMany(opCtx, bson.D{{Key: "conn_id", Value: connID}}); err != nil {
		return len(docs), fmt.Errorf("database operation failed: %w", err)
	}
	if _, err := c.connections.DeleteOne(opCtx, bson.D{{Key: "_id", Value: connID}}); err != nil {
		return len(docs), fmt.Errorf("database operation failed: %w", err)
	}
	return len(docs), nil
}

func (c *Client) reapLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := c.reap(c.ctx); err != nil && c.ctx.Err() == nil {
			logger.WarnF("Fail to reap expired store connections: %v", err)
		}
	}
}

// reap 执行所有租约过期连接的清理动作，返回处理的连接数
func (c *Client) reap(ctx context.Context) (int, error) {
	opCtx, cancel := c.operationContext(ctx)
	cursor, err := c.connections.Find(opCtx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: time.Now()}}}})
	if err != nil {
		cancel()
		return 0, fmt.Errorf("database operation failed: %w", err)
	}
	var expired []connectionDoc
	err = cursor.All(opCtx, &expired)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reapConcurrency)
	for _, doc := range expired {
		doc := doc
		g.Go(func() error {
			n, err := c.runCleanups(gctx, doc.ID)
			if err != nil {
				return err
			}
			logger.InfoF("Store connection %s lease expired, %d cleanup(s) executed", doc.ID, n)
			return nil
		})
	}
	return len(expired), g.Wait()
}
