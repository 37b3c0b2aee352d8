package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeRoom     Scope = "room"
	ScopeDirect   Scope = "direct"
	ScopePresence Scope = "presence"
)

// Message 投递给监听者的一条消息
type Message struct {
	ID        string
	Event     string
	Data      any
	Room      string
	MappedID  string
	Scope     Scope
	SessionID string
}

// Decode 将 Data 解码到 out
func (m Message) Decode(out any) error {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type Handler func(Message)

// Listener 一次 On 调用产生的所有监听，Off 时整体取消
type Listener struct {
	bus     *bus
	id      uint64
	event   string
	handler Handler

	mu        sync.Mutex
	subs      []store.Subscription
	roomSlots map[string]struct{}
	unsub     func()
	closed    bool
}

func (l *Listener) Event() string {
	return l.event
}

// Off 取消本监听，重复调用为空操作
func (l *Listener) Off() {
	l.bus.off(l.event, l)
}

func (l *Listener) add(sub store.Subscription) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.Cancel()
		return
	}
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) cancel() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	unsub := l.unsub
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// bus 事件的发送与订阅
type bus struct {
	socketID string
	store    store.Store
	timeout  time.Duration
	identity *identity
	presence *presence
	rooms    *rooms

	mu        sync.Mutex
	listeners map[string][]*Listener
	nextID    uint64
	delivered *expirable.LRU[string, struct{}]
}

func newBus(st store.Store, id *identity, p *presence, r *rooms, o options) *bus {
	return &bus{
		socketID:  id.id,
		store:     st,
		timeout:   o.timeout,
		identity:  id,
		presence:  p,
		rooms:     r,
		listeners: make(map[string][]*Listener),
		delivered: expirable.NewLRU[string, struct{}](o.dedupeSize, nil, o.dedupeTTL),
	}
}

// claim 同一监听对同一条记录只投递一次
func (b *bus) claim(l *Listener, path string, recordID string) bool {
	key := fmt.Sprintf("%d|%s|%s", l.id, path, recordID)
	if b.delivered.Contains(key) {
		return false
	}
	b.delivered.Add(key, struct{}{})
	return true
}

func (b *bus) write(ctx context.Context, scope Scope, path string, record eventRecord) error {
	record.ID = store.NewID()
	if err := b.store.Write(ctx, path, record.value()); err != nil {
		return err
	}
	metricEmits.WithLabelValues(string(scope)).Inc()
	logger.DebugF("[%s] Emit %s event %s to %s", b.socketID, scope, record.Event, path)
	return nil
}

// emittable connect 与 disconnect 由在线状态派生，不经过邮箱
func emittable(event string) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	if event == EventConnect || event == EventDisconnect {
		metricDropped.WithLabelValues(dropReservedEvent).Inc()
		return fmt.Errorf("%w: %s", ErrReservedEvent, event)
	}
	return nil
}

// emit 写入全局邮箱，emit connect 为空操作
func (b *bus) emit(ctx context.Context, event string, payload any) error {
	if event == EventConnect {
		metricDropped.WithLabelValues(dropReservedEvent).Inc()
		logger.DebugF("[%s] Ignoring emit of reserved event %s", b.socketID, event)
		return nil
	}
	if err := emittable(event); err != nil {
		return err
	}
	return b.write(ctx, ScopeGlobal, globalEventPath(event), eventRecord{Event: event, Data: payload})
}

func (b *bus) emitRoom(ctx context.Context, room string, event string, payload any) error {
	name, err := sanitizeRoomOrError(room)
	if err != nil {
		return err
	}
	if err := emittable(event); err != nil {
		return err
	}
	return b.write(ctx, ScopeRoom, roomEventPath(name, event), eventRecord{Event: event, Data: payload, Room: name})
}

// emitExternal 外部身份无法解析时静默丢弃
func (b *bus) emitExternal(ctx context.Context, externalID string, event string, payload any) error {
	if err := emittable(event); err != nil {
		return err
	}
	sessionID, ok := b.identity.resolve(externalID)
	if !ok {
		metricDropped.WithLabelValues(dropUnresolvedIdentity).Inc()
		logger.DebugF("[%s] Drop event %s: %v (%s)", b.socketID, event, ErrUnresolvedIdentity, externalID)
		return nil
	}
	return b.write(ctx, ScopeDirect, directEventPath(sessionID, event), eventRecord{Event: event, Data: payload, MappedID: externalID})
}

func (b *bus) emitSession(ctx context.Context, sessionID string, event string, payload any) error {
	if err := emittable(event); err != nil {
		return err
	}
	if !store.ValidKey(sessionID) {
		return fmt.Errorf("%w: session %q", store.ErrInvalidPath, sessionID)
	}
	return b.write(ctx, ScopeDirect, directEventPath(sessionID, event), eventRecord{Event: event, Data: payload})
}

// on 为当前会话注册监听
//   - connect: 监听自身在线记录，记录存在且元数据变化时回调
//   - disconnect: 由在线状态进入 Disconnected 派生
//   - 其他事件: 同时监听全局、定向和所有房间的邮箱槽
func (b *bus) on(ctx context.Context, event string, handler Handler) (*Listener, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	l := &Listener{bus: b, id: b.nextID, event: event, handler: handler, roomSlots: make(map[string]struct{})}
	b.mu.Unlock()

	var err error
	switch event {
	case EventConnect:
		err = b.watchConnect(ctx, l)
	case EventDisconnect:
		b.watchDisconnect(l)
	default:
		err = b.watchMailboxes(ctx, l)
	}
	if err != nil {
		l.cancel()
		return nil, err
	}

	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], l)
	b.mu.Unlock()
	return l, nil
}

func (b *bus) watchConnect(ctx context.Context, l *Listener) error {
	var last any
	sub, err := b.store.WatchValue(ctx, presencePath(b.socketID), func(snap store.Snapshot) {
		if !snap.Exists() || l.isClosed() {
			last = nil
			return
		}
		metadata := presenceMetadata(snap.Value)
		if reflect.DeepEqual(metadata, last) {
			return
		}
		last = metadata
		l.handler(Message{Event: EventConnect, Data: metadata, Scope: ScopePresence, SessionID: b.socketID})
	})
	if err != nil {
		return err
	}
	l.add(sub)
	return nil
}

// presenceMetadata 在线记录去掉定向邮箱子树
func presenceMetadata(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	metadata := make(map[string]any, len(m))
	for k, v := range m {
		if k == eventsSegment {
			continue
		}
		metadata[k] = v
	}
	return metadata
}

func (b *bus) watchDisconnect(l *Listener) {
	unsub := b.presence.subscribe(func(ev StatusEvent) {
		if ev.State != StateDisconnected || l.isClosed() {
			return
		}
		l.handler(Message{Event: EventDisconnect, Data: string(ev.Signal), Scope: ScopePresence, SessionID: b.socketID})
	})
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
}

// watchMailboxes 三类监听并发注册，任一失败则整体回滚
// 房间邮箱监听所有房间，投递时再按本地成员关系过滤，之后加入的房间也能收到
func (b *bus) watchMailboxes(ctx context.Context, l *Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sub, err := b.store.WatchValue(gctx, globalEventPath(l.event), newMailbox(b, l, ScopeGlobal, globalEventPath(l.event), "").observe)
		if err != nil {
			return fmt.Errorf("watch global mailbox: %w", err)
		}
		l.add(sub)
		return nil
	})
	g.Go(func() error {
		path := directEventPath(b.socketID, l.event)
		sub, err := b.store.WatchValue(gctx, path, newMailbox(b, l, ScopeDirect, path, "").observe)
		if err != nil {
			return fmt.Errorf("watch direct mailbox: %w", err)
		}
		l.add(sub)
		return nil
	})
	g.Go(func() error {
		sub, err := b.store.WatchChildAdded(gctx, store.RoomsRoot, func(snap store.Snapshot) {
			b.watchRoomSlot(l, snap.Key)
		})
		if err != nil {
			return fmt.Errorf("watch rooms: %w", err)
		}
		l.add(sub)
		return nil
	})
	return g.Wait()
}

func (b *bus) watchRoomSlot(l *Listener, room string) {
	l.mu.Lock()
	if _, ok := l.roomSlots[room]; ok || l.closed {
		l.mu.Unlock()
		return
	}
	l.roomSlots[room] = struct{}{}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	path := roomEventPath(room, l.event)
	sub, err := b.store.WatchValue(ctx, path, newMailbox(b, l, ScopeRoom, path, room).observe)
	if err != nil {
		metricStoreErrors.WithLabelValues("watch_room").Inc()
		logger.WarnF("[%s] Fail to watch room mailbox %s: %v", b.socketID, path, err)
		l.mu.Lock()
		delete(l.roomSlots, room)
		l.mu.Unlock()
		return
	}
	l.add(sub)
}

// off 取消监听；l 为 nil 时取消该事件的全部监听，返回取消的数量
func (b *bus) off(event string, l *Listener) int {
	b.mu.Lock()
	current := b.listeners[event]
	var removed, kept []*Listener
	for _, candidate := range current {
		if l == nil || candidate == l {
			removed = append(removed, candidate)
		} else {
			kept = append(kept, candidate)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, event)
	} else {
		b.listeners[event] = kept
	}
	b.mu.Unlock()

	for _, candidate := range removed {
		candidate.cancel()
	}
	return len(removed)
}

func (b *bus) close() {
	b.mu.Lock()
	var all []*Listener
	for _, list := range b.listeners {
		all = append(all, list...)
	}
	b.listeners = make(map[string][]*Listener)
	b.mu.Unlock()

	for _, l := range all {
		l.cancel()
	}
}

func (b *bus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}
