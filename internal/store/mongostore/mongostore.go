// Package mongostore 基于 MongoDB 的共享存储实现
// 需要副本集：子树替换使用事务，监听使用 change stream
package mongostore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/config"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	NodesCollectionName       = "nodes"
	ConnectionsCollectionName = "connections"
	CleanupsCollectionName    = "cleanups"

	defaultLeaseTTL     = 30 * time.Second
	defaultReapInterval = 10 * time.Second
)

// Client 一个 MongoDB 客户端，可以打开多条存储连接
// 每个进程都运行租约回收，过期连接的清理动作由任意存活进程执行
type Client struct {
	client      *mongo.Client
	db          *mongo.Database
	nodes       *mongo.Collection
	connections *mongo.Collection
	cleanups    *mongo.Collection

	opTimeout    time.Duration
	leaseTTL     time.Duration
	reapInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn
}

// URI 根据配置生成连接串，database.uri 非空时直接使用
func URI(cfg config.Database) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func clientOptions(cfg config.Config) *options.ClientOptions {
	db := cfg.Database
	clientOptions := options.Client().ApplyURI(URI(db)).SetAppName(cfg.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(db.MinPoolSize)
	clientOptions.SetMaxPoolSize(db.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(db.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(db.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(db.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(db.Heartbeat, 10*time.Second))
	if db.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

// Connect 连接数据库、建立索引并启动租约回收
func Connect(ctx context.Context, cfg config.Config) (*Client, error) {
	logger.DebugF("Connecting to database...")

	client, err := mongo.Connect(ctx, clientOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	prefix := cfg.Database.CollectionPrefix
	db := client.Database(cfg.Database.Database)
	c := &Client{
		client:       client,
		db:           db,
		nodes:        db.Collection(prefix + NodesCollectionName),
		connections:  db.Collection(prefix + ConnectionsCollectionName),
		cleanups:     db.Collection(prefix + CleanupsCollectionName),
		opTimeout:    cfg.Database.OperationTimeoutDuration(),
		leaseTTL:     cfg.Presence.LeaseTTLDuration(),
		reapInterval: cfg.Presence.ReapIntervalDuration(),
		conns:        make(map[string]*Conn),
	}
	if c.leaseTTL <= 0 {
		c.leaseTTL = defaultLeaseTTL
	}
	if c.reapInterval <= 0 {
		c.reapInterval = defaultReapInterval
	}

	if err := c.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.reapLoop()

	logger.InfoF("Database connected: %s, lease ttl %v", cfg.Database.Database, c.leaseTTL)
	return c, nil
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	_, err := c.connections.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("connections_expires_at"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	_, err = c.cleanups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conn_id", Value: 1}},
		Options: options.Index().SetName("cleanups_conn_id"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

func (c *Client) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.opTimeout)
}

// Close 关闭所有存储连接（执行其清理动作），停止回收并断开数据库
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(ctx); err != nil {
			logger.WarnF("Fail to close store connection %s: %v", conn.id, err)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	logger.InfoF("Closing database connection")
	return c.client.Disconnect(ctx)
}

func (c *Client) forget(conn *Conn) {
	c.mu.Lock()
	delete(c.conns, conn.id)
	c.mu.Unlock()
}

// CloseCallback 注册到 event.Cleaner，进程退出时关闭数据库
type CloseCallback struct {
	client *Client
}

func NewCloseCallback(client *Client) *CloseCallback {
	return &CloseCallback{client: client}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	return cc.client.Close(ctx)
}
