// Package socket 在共享的层级键值存储之上模拟带房间的双向消息套接字
package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/config"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultDedupeSize       = 1024
	defaultDedupeTTL        = 5 * time.Minute
)

type options struct {
	sessionID  string
	timeout    time.Duration
	dedupeSize int
	dedupeTTL  time.Duration
	status     []func(StatusEvent)
}

type Option func(*options)

// WithSessionID 指定会话 id，默认随机生成
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithOperationTimeout 回调内部发起的存储操作（清空邮箱、注册房间监听）的超时
func WithOperationTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

func WithDedupe(size int, ttl time.Duration) Option {
	return func(o *options) {
		if size > 0 {
			o.dedupeSize = size
		}
		if ttl > 0 {
			o.dedupeTTL = ttl
		}
	}
}

// WithStatusHandler 在连接前注册状态监听，可以观察到完整的状态序列
func WithStatusHandler(fn func(StatusEvent)) Option {
	return func(o *options) {
		if fn != nil {
			o.status = append(o.status, fn)
		}
	}
}

// FromConfig 从配置文件的 socket 段构造选项
func FromConfig(cfg config.Socket) Option {
	return func(o *options) {
		WithOperationTimeout(cfg.OperationTimeoutDuration())(o)
		WithDedupe(cfg.DedupeSize, cfg.DedupeTTLDuration())(o)
	}
}

// Session 会话的当前视图
type Session struct {
	ID         string    `json:"id"`
	Connected  bool      `json:"connected"`
	CreatedAt  time.Time `json:"createdAt"`
	ExternalID string    `json:"externalId,omitempty"`
}

type Socket struct {
	id       string
	store    store.Store
	opts     options
	identity *identity
	presence *presence
	rooms    *rooms
	bus      *bus
}

// New 创建会话并写入在线记录，写入失败时返回错误
// 存储连接归调用方所有，Disconnect 不会关闭它
func New(ctx context.Context, st store.Store, opts ...Option) (*Socket, error) {
	if st == nil {
		return nil, errors.New("socket: store is nil")
	}
	o := options{
		timeout:    defaultOperationTimeout,
		dedupeSize: defaultDedupeSize,
		dedupeTTL:  defaultDedupeTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sessionID != "" && !store.ValidKey(o.sessionID) {
		return nil, fmt.Errorf("%w: session %q", store.ErrInvalidPath, o.sessionID)
	}

	id := newIdentity(st, o.sessionID)
	p := newPresence(st, id.id)
	r := newRooms(st, id.id)
	s := &Socket{
		id:       id.id,
		store:    st,
		opts:     o,
		identity: id,
		presence: p,
		rooms:    r,
		bus:      newBus(st, id, p, r, o),
	}

	p.subscribe(func(ev StatusEvent) {
		switch {
		case ev.State == StateConnected && ev.Signal == SignalNone:
			metricConnected.Inc()
		case ev.State == StateDisconnected && ev.Signal != SignalConnectFailed:
			metricConnected.Dec()
		}
	})
	for _, fn := range o.status {
		p.subscribe(fn)
	}
	if err := p.connect(ctx); err != nil {
		metricStoreErrors.WithLabelValues("connect").Inc()
		logger.ErrorF("[%s] Fail to write presence record: %v", s.id, err)
		return nil, fmt.Errorf("connect socket %s: %w", s.id, err)
	}
	logger.InfoF("[%s] Socket connected", s.id)
	return s, nil
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) State() State {
	return s.presence.status()
}

// Connected 只表示在线记录的写入已被确认
func (s *Socket) Connected() bool {
	return s.presence.status() == StateConnected
}

func (s *Socket) Session() Session {
	return Session{
		ID:         s.id,
		Connected:  s.Connected(),
		CreatedAt:  s.presence.created(),
		ExternalID: s.identity.external(),
	}
}

// Done 在会话进入 Disconnected 后关闭
func (s *Socket) Done() <-chan struct{} {
	return s.presence.terminated()
}

// OnStatus 订阅在线状态变化，返回取消函数
func (s *Socket) OnStatus(fn func(StatusEvent)) func() {
	return s.presence.subscribe(fn)
}

// Disconnect 显式断开：删除在线记录、离开所有房间并取消所有监听
// 已断开时返回 false
func (s *Socket) Disconnect(ctx context.Context) bool {
	transitioned, err := s.presence.disconnect(ctx)
	if !transitioned {
		return false
	}
	if err != nil {
		s.report("disconnect", err)
	}
	if leaveErr := s.rooms.leaveAll(ctx); leaveErr != nil {
		metricStoreErrors.WithLabelValues("leave").Inc()
	}
	s.bus.close()
	logger.InfoF("[%s] Socket disconnected", s.id)
	return err == nil
}

// Emit 发送全局事件，connect 为保留事件，调用为空操作
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	return s.report("emit", s.bus.emit(ctx, event, payload))
}

// Emitter 绑定了投递目标的发送器
type Emitter struct {
	emit func(ctx context.Context, event string, payload any) error
}

func (e Emitter) Emit(ctx context.Context, event string, payload any) error {
	return e.emit(ctx, event, payload)
}

// ToRoom 向房间成员发送，发送方无需是成员
func (s *Socket) ToRoom(room string) Emitter {
	return Emitter{emit: func(ctx context.Context, event string, payload any) error {
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.report("emit_room", s.bus.emitRoom(ctx, room, event, payload))
	}}
}

// ToExternalID 按外部身份定向发送，身份未知时静默丢弃
func (s *Socket) ToExternalID(externalID string) Emitter {
	return Emitter{emit: func(ctx context.Context, event string, payload any) error {
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.report("emit_external", s.bus.emitExternal(ctx, externalID, event, payload))
	}}
}

func (s *Socket) ToSession(sessionID string) Emitter {
	return Emitter{emit: func(ctx context.Context, event string, payload any) error {
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.report("emit_session", s.bus.emitSession(ctx, sessionID, event, payload))
	}}
}

// On 订阅事件，返回的 Listener 可单独取消
func (s *Socket) On(ctx context.Context, event string, handler Handler) (*Listener, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	l, err := s.bus.on(ctx, event, handler)
	return l, s.report("on", err)
}

// Off 取消监听；l 为 nil 时取消该事件的全部监听，返回取消的数量
func (s *Socket) Off(event string, l *Listener) int {
	return s.bus.off(event, l)
}

// Listeners 当前某事件的监听数量
func (s *Socket) Listeners(event string) int {
	return s.bus.count(event)
}

// Join 加入房间，metadata 会写入成员记录
func (s *Socket) Join(ctx context.Context, room string, metadata map[string]any) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	name, err := s.rooms.join(ctx, room, metadata)
	if err != nil {
		return s.report("join", err)
	}
	logger.DebugF("[%s] Joined room %s", s.id, name)
	return nil
}

func (s *Socket) Leave(ctx context.Context, room string) error {
	name, err := s.rooms.leave(ctx, room)
	if err != nil {
		return s.report("leave", err)
	}
	logger.DebugF("[%s] Left room %s", s.id, name)
	return nil
}

// Rooms 本地视图中已加入的房间
func (s *Socket) Rooms() []string {
	return s.rooms.names()
}

func (s *Socket) ListMembers(ctx context.Context, room string) ([]string, error) {
	members, err := s.rooms.listMembers(ctx, room)
	return members, s.report("list_members", err)
}

// WatchRooms 每次房间命名空间变化时回调完整的房间到成员映射
func (s *Socket) WatchRooms(ctx context.Context, fn func(map[string][]string)) (store.Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	sub, err := s.rooms.watch(ctx, fn)
	return sub, s.report("watch_rooms", err)
}

// MapID 把外部身份写入在线记录，并重建身份映射
func (s *Socket) MapID(ctx context.Context, externalID string) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if externalID == "" {
		return errors.New("external id is empty")
	}
	return s.report("map_id", s.identity.register(ctx, externalID))
}

// Sessions 读取所有公开了外部身份的会话，同时刷新身份映射
func (s *Socket) Sessions(ctx context.Context) ([]SessionRef, error) {
	refs, err := s.identity.rebuild(ctx)
	return refs, s.report("sessions", err)
}

// WatchSessions 持续刷新身份映射，fn 可为 nil
func (s *Socket) WatchSessions(ctx context.Context, fn func([]SessionRef)) (store.Subscription, error) {
	sub, err := s.identity.watch(ctx, fn)
	return sub, s.report("watch_sessions", err)
}

func (s *Socket) requireConnected() error {
	if state := s.presence.status(); state != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, state)
	}
	return nil
}

// report 记录存储错误后原样返回，调用方可以忽略返回值
func (s *Socket) report(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.IsWriteError(err) || errors.Is(err, store.ErrClosed) {
		metricStoreErrors.WithLabelValues(op).Inc()
	}
	logger.ErrorF("[%s] %s failed: %v", s.id, op, err)
	return err
}
