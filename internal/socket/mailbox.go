package socket

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// eventRecord 邮箱槽中的一条消息
type eventRecord struct {
	ID       string `json:"id"`
	Event    string `json:"event"`
	Data     any    `json:"data,omitempty"`
	Room     string `json:"room,omitempty"`
	MappedID string `json:"mappedId,omitempty"`
}

func (r eventRecord) value() map[string]any {
	value := map[string]any{"id": r.ID, "event": r.Event}
	if r.Data != nil {
		value["data"] = r.Data
	}
	if r.Room != "" {
		value["room"] = r.Room
	}
	if r.MappedID != "" {
		value["mappedId"] = r.MappedID
	}
	return value
}

type slotState int

const (
	slotEmpty slotState = iota
	slotPending
)

func (s slotState) String() string {
	if s == slotPending {
		return "pending"
	}
	return "empty"
}

// mailbox 一个监听在一个槽位上的状态机：Empty -> Pending -> (投递后删除) -> Empty
// 槽位只保存最后一次写入，快速连续写入时前一条可能被覆盖
type mailbox struct {
	bus      *bus
	listener *Listener
	scope    Scope
	path     string
	room     string

	mu      sync.Mutex
	state   slotState
	pending string
}

func newMailbox(b *bus, l *Listener, scope Scope, path string, room string) *mailbox {
	return &mailbox{bus: b, listener: l, scope: scope, path: path, room: room}
}

// observe 作为 WatchValue 的回调，每次槽位变化时调用
func (m *mailbox) observe(snap store.Snapshot) {
	if !snap.Exists() {
		m.mu.Lock()
		m.state = slotEmpty
		m.pending = ""
		m.mu.Unlock()
		return
	}
	if m.listener.isClosed() {
		return
	}

	var record eventRecord
	if err := snap.Decode(&record); err != nil {
		logger.WarnF("[%s] Malformed event record at %s: %v", m.bus.socketID, m.path, err)
		return
	}

	// 非成员不消费，槽位留给房间成员
	if m.scope == ScopeRoom && !m.bus.rooms.isMember(m.room) {
		metricDropped.WithLabelValues(dropNotMember).Inc()
		return
	}

	m.mu.Lock()
	if m.state == slotPending && record.ID != "" && record.ID == m.pending {
		m.mu.Unlock()
		return
	}
	m.state = slotPending
	m.pending = record.ID
	m.mu.Unlock()

	if record.ID != "" && !m.bus.claim(m.listener, m.path, record.ID) {
		metricDropped.WithLabelValues(dropDuplicate).Inc()
		m.clear()
		return
	}

	message := Message{
		ID:        record.ID,
		Event:     record.Event,
		Data:      record.Data,
		Room:      record.Room,
		MappedID:  record.MappedID,
		Scope:     m.scope,
		SessionID: m.bus.socketID,
	}
	if message.Event == "" {
		message.Event = m.listener.event
	}
	m.listener.handler(message)
	metricDeliveries.WithLabelValues(string(m.scope)).Inc()

	m.clear()
}

// clear 删除槽位，删除完成后槽位可以接收新消息
func (m *mailbox) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), m.bus.timeout)
	defer cancel()
	if err := m.bus.store.Delete(ctx, m.path); err != nil {
		metricStoreErrors.WithLabelValues("consume").Inc()
		logger.WarnF("[%s] Fail to clear mailbox %s: %v", m.bus.socketID, m.path, err)
	}
}
