package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// leaf nodes 集合中的一个文档，_id 为叶子路径
type leaf struct {
	Path  string `bson:"_id"`
	Value any    `bson:"value"`
}

// Conn 一条存储连接，实现 store.Store
// 连接由租约维持，租约过期或 Close 时执行该连接布设的清理动作
type Conn struct {
	client *Client
	id     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cleanups map[string]*store.Cleanup
	closed   bool
}

var _ store.Store = (*Conn)(nil)

func (c *Conn) ID() string {
	return c.id
}

// subtreeFilter 匹配 path 本身及其所有后代
func subtreeFilter(path string) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "_id", Value: path}},
		bson.D{{Key: "_id", Value: subtreeRegex(path)}},
	}}}
}

func subtreeRegex(path string) primitive.Regex {
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(path+"/")}
}

func databaseError(op store.Op, path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return store.NewWriteError(op, path, err)
	}
	return store.NewWriteError(op, path, fmt.Errorf("database operation failed: %w", err))
}

func (c *Conn) usable(op store.Op, path string) error {
	if err := store.ValidatePath(path); err != nil {
		return store.NewWriteError(op, path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.NewWriteError(op, path, store.ErrClosed)
	}
	return nil
}

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if err := c.usable(store.OpWrite, path); err != nil {
		return err
	}
	leaves, err := store.Flatten(path, value)
	if err != nil {
		return store.NewWriteError(store.OpWrite, path, err)
	}
	if err := c.client.replace(ctx, []string{path}, leaves); err != nil {
		return databaseError(store.OpWrite, path, err)
	}
	return nil
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.usable(store.OpUpdate, path); err != nil {
		return err
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
	if err := c.client.replace(ctx, roots, leaves); err != nil {
		return databaseError(store.OpUpdate, path, err)
	}
	return nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := c.usable(store.OpDelete, path); err != nil {
		return err
	}
	if err := c.client.deletePath(ctx, path); err != nil {
		return databaseError(store.OpDelete, path, err)
	}
	return nil
}

func (c *Conn) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	if err := store.ValidatePath(path); err != nil {
		return store.Snapshot{}, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return store.Snapshot{}, store.ErrClosed
	}
	value, err := c.client.read(ctx, path)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("database operation failed: %w", err)
	}
	return store.NewSnapshot(path, value), nil
}

// replace 在一个事务中删除 roots 子树及被覆盖的祖先标量，再写入新的叶子
func (c *Client) replace(ctx context.Context, roots []string, leaves map[string]any) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	session, err := c.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, root := range roots {
			if _, err := c.nodes.DeleteMany(sc, subtreeFilter(root)); err != nil {
				return nil, err
			}
			if ancestors := store.Ancestors(root); len(ancestors) > 0 {
				if _, err := c.nodes.DeleteMany(sc, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ancestors}}}}); err != nil {
					return nil, err
				}
			}
		}
		if len(leaves) == 0 {
			return nil, nil
		}
		docs := make([]interface{}, 0, len(leaves))
		for p, v := range leaves {
			docs = append(docs, leaf{Path: p, Value: v})
		}
		if _, err := c.nodes.InsertMany(sc, docs); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (c *Client) deletePath(ctx context.Context, path string) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	result, err := c.nodes.DeleteMany(ctx, subtreeFilter(path))
	if err != nil {
		return err
	}
	logger.DebugF("Path deleted: path=%s, deleted=%d", path, result.DeletedCount)
	return nil
}

// read 读取 path 下所有叶子并组装为值
func (c *Client) read(ctx context.Context, path string) (any, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	cursor, err := c.nodes.Find(ctx, subtreeFilter(path))
	if err != nil {
		return nil, err
	}
	var docs []leaf
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	leaves := make(map[string]any, len(docs))
	for _, doc := range docs {
		leaves[doc.Path] = normalizeValue(doc.Value)
	}
	return store.Assemble(path, leaves), nil
}

// normalizeValue 数字统一为 float64，与内存实现的 JSON 语义一致
func normalizeValue(value any) any {
	switch v := value.(type) {
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case float32:
		return float64(v)
	case primitive.Decimal128:
		return v.String()
	default:
		return v
	}
}
