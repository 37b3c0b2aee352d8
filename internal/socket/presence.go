package socket

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

type State int

const (
	StateUnbound State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signal 状态变化的原因
// CleanupArmed 只表示存储端接受了断线清理，不代表连接已断开
type Signal string

const (
	SignalNone                Signal = ""
	SignalCleanupArmed        Signal = "cleanup_armed"
	SignalCleanupFired        Signal = "cleanup_fired"
	SignalDisconnectRequested Signal = "disconnect_requested"
	SignalConnectFailed       Signal = "connect_failed"
)

type StatusEvent struct {
	SessionID string
	State     State
	Signal    Signal
	At        time.Time
}

// presence 管理会话的在线记录
// Connected 只反映本地收到的写入确认，记录可能已被他人删除，在线状态是最终一致的
type presence struct {
	id    string
	store store.Store

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	cleanup      *store.Cleanup
	listeners    map[uint64]func(StatusEvent)
	nextListener uint64
	done         chan struct{}
}

func newPresence(st store.Store, id string) *presence {
	return &presence{
		id:        id,
		store:     st,
		listeners: make(map[uint64]func(StatusEvent)),
		done:      make(chan struct{}),
	}
}

func (p *presence) connect(ctx context.Context) error {
	if !p.transition(StateUnbound, StateConnecting, SignalNone) {
		return fmt.Errorf("presence %s already bound", p.id)
	}

	createdAt := time.Now()
	if err := p.store.Write(ctx, presencePath(p.id), map[string]any{
		"id":        p.id,
		"createdAt": timestamp(createdAt),
	}); err != nil {
		p.finish(SignalConnectFailed)
		return err
	}

	p.mu.Lock()
	p.createdAt = createdAt
	p.mu.Unlock()
	p.transition(StateConnecting, StateConnected, SignalNone)

	cleanup, err := p.store.ArmDisconnectCleanup(ctx, presencePath(p.id))
	if err != nil {
		metricStoreErrors.WithLabelValues("arm_presence").Inc()
		logger.WarnF("[%s] Fail to arm presence cleanup, record may outlive the connection: %v", p.id, err)
		return nil
	}
	p.mu.Lock()
	p.cleanup = cleanup
	p.mu.Unlock()
	p.notify(StatusEvent{SessionID: p.id, State: StateConnected, Signal: SignalCleanupArmed, At: time.Now()})

	go p.awaitFired(cleanup)
	return nil
}

func (p *presence) awaitFired(cleanup *store.Cleanup) {
	select {
	case <-cleanup.Fired():
		logger.WarnF("[%s] Connection dropped, presence removed by store cleanup", p.id)
		p.finish(SignalCleanupFired)
	case <-p.done:
	}
}

// disconnect 显式断开，第一个返回值表示本次调用是否完成了状态转换
// 删除失败时清理动作保持布设，由存储端在连接断开时兜底
func (p *presence) disconnect(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return false, nil
	}
	cleanup := p.cleanup
	p.mu.Unlock()

	err := p.store.Delete(ctx, presencePath(p.id))
	if err == nil && cleanup != nil {
		if disarmErr := cleanup.Disarm(ctx); disarmErr != nil {
			logger.WarnF("[%s] Fail to disarm presence cleanup: %v", p.id, disarmErr)
		}
	}
	if !p.finish(SignalDisconnectRequested) {
		return false, err
	}
	return true, err
}

func (p *presence) transition(from State, to State, signal Signal) bool {
	p.mu.Lock()
	if p.state != from {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.mu.Unlock()
	p.notify(StatusEvent{SessionID: p.id, State: to, Signal: signal, At: time.Now()})
	return true
}

// finish 进入终态 Disconnected，只有第一次调用生效
func (p *presence) finish(signal Signal) bool {
	p.mu.Lock()
	if p.state == StateDisconnected {
		p.mu.Unlock()
		return false
	}
	p.state = StateDisconnected
	close(p.done)
	p.mu.Unlock()
	p.notify(StatusEvent{SessionID: p.id, State: StateDisconnected, Signal: signal, At: time.Now()})
	return true
}

func (p *presence) notify(event StatusEvent) {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(StatusEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// subscribe 注册状态监听，返回取消函数
func (p *presence) subscribe(fn func(StatusEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextListener++
	id := p.nextListener
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *presence) status() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *presence) created() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt
}

// terminated 在进入 Disconnected 后关闭
func (p *presence) terminated() <-chan struct{} {
	return p.done
}
