package socket

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store/memstore"
)

type inbox struct {
	mu       sync.Mutex
	messages []Message
}

func (i *inbox) handle(m Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, m)
}

func (i *inbox) all() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Message(nil), i.messages...)
}

func newMemory(t *testing.T, opts ...memstore.Option) *memstore.Memory {
	t.Helper()
	m := memstore.New(opts...)
	t.Cleanup(m.Stop)
	return m
}

func connect(t *testing.T, m *memstore.Memory, opts ...Option) (*Socket, *memstore.Conn) {
	t.Helper()
	conn := m.Connect()
	t.Cleanup(conn.Close)
	s, err := New(context.Background(), conn, opts...)
	if err != nil {
		t.Fatalf("connect socket: %v", err)
	}
	return s, conn
}

func exists(t *testing.T, st store.Store, path string) bool {
	t.Helper()
	snap, err := st.ReadOnce(context.Background(), path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return snap.Exists()
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestNewWritesPresence(t *testing.T) {
	m := newMemory(t)
	s, conn := connect(t, m, WithSessionID("alpha"))

	if s.ID() != "alpha" || !s.Connected() {
		t.Fatalf("unexpected session %+v", s.Session())
	}
	snap, err := conn.ReadOnce(context.Background(), "sockets/alpha")
	if err != nil {
		t.Fatal(err)
	}
	var record presenceRecord
	if err := snap.Decode(&record); err != nil {
		t.Fatal(err)
	}
	if record.ID != "alpha" || record.CreatedAt == "" {
		t.Fatalf("unexpected presence record %+v", record)
	}
	if got := conn.ArmedCleanups(); !reflect.DeepEqual(got, []string{"sockets/alpha"}) {
		t.Fatalf("expected presence cleanup armed, got %v", got)
	}
}

func TestNewGeneratesDistinctIDs(t *testing.T) {
	m := newMemory(t)
	a, _ := connect(t, m)
	b, _ := connect(t, m)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID(), b.ID())
	}
}

func TestNewFailsWhenPresenceRejected(t *testing.T) {
	m := newMemory(t, memstore.WithRules(func(op store.Op, path string) error {
		if op == store.OpWrite && strings.HasPrefix(path, "sockets/") {
			return store.ErrPermission
		}
		return nil
	}))
	conn := m.Connect()
	defer conn.Close()

	var signals []Signal
	_, err := New(context.Background(), conn, WithStatusHandler(func(ev StatusEvent) {
		signals = append(signals, ev.Signal)
	}))
	if !errors.Is(err, store.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if signals[len(signals)-1] != SignalConnectFailed {
		t.Fatalf("expected connect_failed as last signal, got %v", signals)
	}
}

func TestArmedIsNotDisconnect(t *testing.T) {
	m := newMemory(t)
	var mu sync.Mutex
	var events []StatusEvent
	s, conn := connect(t, m, WithStatusHandler(func(ev StatusEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	summary := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var out []string
		for _, ev := range events {
			out = append(out, ev.State.String()+":"+string(ev.Signal))
		}
		return out
	}
	expected := []string{"connecting:", "connected:", "connected:cleanup_armed"}
	if got := summary(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}

	if !s.Disconnect(context.Background()) {
		t.Fatal("first disconnect must succeed")
	}
	if s.Disconnect(context.Background()) {
		t.Fatal("second disconnect must report failure")
	}
	expected = append(expected, "disconnected:disconnect_requested")
	if got := summary(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	if exists(t, conn, "sockets/"+s.ID()) {
		t.Fatal("presence record must be deleted")
	}
	if got := conn.ArmedCleanups(); len(got) != 0 {
		t.Fatalf("graceful disconnect must disarm cleanups, got %v", got)
	}
	if err := s.Emit(context.Background(), "ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestGlobalEmitDeliveredOnceAndCleared(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	receiver, conn := connect(t, m)
	sender, _ := connect(t, m)

	box := &inbox{}
	if _, err := receiver.On(ctx, "greet", box.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	if err := sender.Emit(ctx, "greet", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	messages := box.all()
	if len(messages) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", messages)
	}
	if messages[0].Scope != ScopeGlobal || messages[0].Event != "greet" || messages[0].ID == "" {
		t.Fatalf("unexpected message %+v", messages[0])
	}
	if !reflect.DeepEqual(messages[0].Data, map[string]any{"text": "hi"}) {
		t.Fatalf("unexpected payload %v", messages[0].Data)
	}
	if exists(t, conn, "events/greet") {
		t.Fatal("mailbox slot must be empty after delivery")
	}
}

func TestEmitConnectIsNoop(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	s, conn := connect(t, m)

	if err := s.Emit(ctx, EventConnect, "x"); err != nil {
		t.Fatal(err)
	}
	if exists(t, conn, "events/connect") {
		t.Fatal("connect must never be written")
	}
	if err := s.Emit(ctx, EventDisconnect, nil); !errors.Is(err, ErrReservedEvent) {
		t.Fatalf("expected ErrReservedEvent, got %v", err)
	}
	if err := s.ToRoom("lobby").Emit(ctx, EventConnect, nil); !errors.Is(err, ErrReservedEvent) {
		t.Fatalf("expected ErrReservedEvent, got %v", err)
	}
}

func TestRapidDoubleEmit(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	receiver, conn := connect(t, m)
	sender, _ := connect(t, m)

	box := &inbox{}
	if _, err := receiver.On(ctx, "tick", box.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	_ = sender.Emit(ctx, "tick", 1)
	_ = sender.Emit(ctx, "tick", 2)
	m.Sync()

	messages := box.all()
	if len(messages) == 0 || len(messages) > 2 {
		t.Fatalf("expected one or two deliveries, got %d", len(messages))
	}
	seen := make(map[string]bool)
	for _, msg := range messages {
		if seen[msg.ID] {
			t.Fatalf("record %s delivered twice", msg.ID)
		}
		seen[msg.ID] = true
	}
	if exists(t, conn, "events/tick") {
		t.Fatal("mailbox slot must be empty after delivery")
	}
}

func TestRoomMembership(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	s, conn := connect(t, m)

	if err := s.Join(ctx, "lo-bby!", map[string]any{"nick": "al", "id": "spoofed"}); err != nil {
		t.Fatal(err)
	}
	members, err := s.ListMembers(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(members, []string{s.ID()}) {
		t.Fatalf("expected %v, got %v", []string{s.ID()}, members)
	}
	snap, _ := conn.ReadOnce(ctx, "rooms/lobby/sockets/"+s.ID())
	record := snap.Value.(map[string]any)
	if record["id"] != s.ID() || record["nick"] != "al" || record["createdAt"] == nil {
		t.Fatalf("unexpected membership record %v", record)
	}
	if !reflect.DeepEqual(s.Rooms(), []string{"lobby"}) {
		t.Fatalf("unexpected rooms %v", s.Rooms())
	}

	if err := s.Leave(ctx, "lobby"); err != nil {
		t.Fatal(err)
	}
	members, _ = s.ListMembers(ctx, "lobby")
	if len(members) != 0 {
		t.Fatalf("expected no members, got %v", members)
	}
	if err := s.Leave(ctx, "lobby"); err != nil {
		t.Fatalf("leaving twice must be a no-op, got %v", err)
	}
	if got := conn.ArmedCleanups(); !reflect.DeepEqual(got, []string{"sockets/" + s.ID()}) {
		t.Fatalf("leave must disarm the membership cleanup, got %v", got)
	}

	if err := s.Join(ctx, "!!!", nil); !errors.Is(err, ErrEmptyRoomName) {
		t.Fatalf("expected ErrEmptyRoomName, got %v", err)
	}
}

func TestJoinRejectedByStore(t *testing.T) {
	m := newMemory(t, memstore.WithRules(func(op store.Op, path string) error {
		if strings.HasPrefix(path, "rooms/locked") {
			return store.ErrPermission
		}
		return nil
	}))
	s, _ := connect(t, m)

	err := s.Join(context.Background(), "locked", nil)
	if !errors.Is(err, store.ErrPermission) || !store.IsWriteError(err) {
		t.Fatalf("expected permission write error, got %v", err)
	}
	if len(s.Rooms()) != 0 {
		t.Fatalf("failed join must not be tracked, got %v", s.Rooms())
	}
}

func TestWatchRooms(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, _ := connect(t, m, WithSessionID("a"))
	b, _ := connect(t, m, WithSessionID("b"))

	var mu sync.Mutex
	var last map[string][]string
	sub, err := a.WatchRooms(ctx, func(rooms map[string][]string) {
		mu.Lock()
		last = rooms
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	_ = a.Join(ctx, "lobby", nil)
	_ = b.Join(ctx, "lobby", nil)
	_ = b.Join(ctx, "kitchen", nil)
	_ = b.ToRoom("attic").Emit(ctx, "dust", nil)
	m.Sync()

	mu.Lock()
	defer mu.Unlock()
	expected := map[string][]string{"lobby": {"a", "b"}, "kitchen": {"b"}}
	if !reflect.DeepEqual(last, expected) {
		t.Fatalf("expected %v, got %v", expected, last)
	}
}

func TestAbruptDisconnect(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, connA := connect(t, m)
	b, _ := connect(t, m)

	_ = a.Join(ctx, "lobby", nil)
	_ = a.Join(ctx, "kitchen", nil)
	_ = b.Join(ctx, "lobby", nil)

	fired := make(chan struct{})
	var reason any
	if _, err := a.On(ctx, EventDisconnect, func(msg Message) {
		reason = msg.Data
		close(fired)
	}); err != nil {
		t.Fatal(err)
	}

	connA.Close()
	waitClosed(t, fired)
	waitClosed(t, a.Done())
	m.Sync()

	if reason != string(SignalCleanupFired) {
		t.Fatalf("expected cleanup_fired, got %v", reason)
	}
	if exists(t, b.store, "sockets/"+a.ID()) {
		t.Fatal("presence record must be removed by cleanup")
	}
	for _, room := range []string{"lobby", "kitchen"} {
		members, err := b.ListMembers(ctx, room)
		if err != nil {
			t.Fatal(err)
		}
		for _, member := range members {
			if member == a.ID() {
				t.Fatalf("room %s still lists %s", room, a.ID())
			}
		}
	}
	if a.Connected() {
		t.Fatal("socket must be disconnected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.Rooms()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.Rooms()) != 0 {
		t.Fatalf("local membership must follow the cleanup, got %v", a.Rooms())
	}
}

func TestLobbyPing(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, conn := connect(t, m)
	b, _ := connect(t, m)
	outsider, _ := connect(t, m)

	if err := a.Join(ctx, "lobby", nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Join(ctx, "lobby", nil); err != nil {
		t.Fatal(err)
	}
	box := &inbox{}
	if _, err := b.On(ctx, "ping", box.handle); err != nil {
		t.Fatal(err)
	}
	stranger := &inbox{}
	if _, err := outsider.On(ctx, "ping", stranger.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	if err := a.ToRoom("lobby").Emit(ctx, "ping", map[string]any{"count": 1}); err != nil {
		t.Fatal(err)
	}
	m.Sync()
	if err := a.ToRoom("lobby").Emit(ctx, "ping", map[string]any{"count": 2}); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	messages := box.all()
	if len(messages) != 2 {
		t.Fatalf("expected two deliveries, got %v", messages)
	}
	for i, msg := range messages {
		expected := map[string]any{"count": float64(i + 1)}
		if !reflect.DeepEqual(msg.Data, expected) || msg.Room != "lobby" || msg.Scope != ScopeRoom {
			t.Fatalf("delivery %d: unexpected %+v", i, msg)
		}
	}
	if len(stranger.all()) != 0 {
		t.Fatalf("non-member must not receive room events, got %v", stranger.all())
	}
	if exists(t, conn, "rooms/lobby/events/ping") {
		t.Fatal("room mailbox slot must be empty after delivery")
	}
}

func TestRoomJoinedAfterOn(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, _ := connect(t, m)
	b, _ := connect(t, m)

	box := &inbox{}
	if _, err := b.On(ctx, "ping", box.handle); err != nil {
		t.Fatal(err)
	}
	if err := b.Join(ctx, "Kitchen #2", nil); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	_ = a.ToRoom("Kitchen2").Emit(ctx, "ping", "hot")
	m.Sync()

	messages := box.all()
	if len(messages) != 1 || messages[0].Data != "hot" || messages[0].Room != "Kitchen2" {
		t.Fatalf("unexpected deliveries %v", messages)
	}
}

func TestDirectByExternalID(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, conn := connect(t, m)
	b, _ := connect(t, m)

	if err := b.MapID(ctx, "user-b"); err != nil {
		t.Fatal(err)
	}
	box := &inbox{}
	if _, err := b.On(ctx, "dm", box.handle); err != nil {
		t.Fatal(err)
	}
	self := &inbox{}
	if _, err := a.On(ctx, "dm", self.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	refs, err := a.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ExternalID != "user-b" || refs[0].SessionID != b.ID() {
		t.Fatalf("unexpected sessions %v", refs)
	}

	if err := a.ToExternalID("user-b").Emit(ctx, "dm", "hello"); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	messages := box.all()
	if len(messages) != 1 || messages[0].Data != "hello" || messages[0].MappedID != "user-b" || messages[0].Scope != ScopeDirect {
		t.Fatalf("unexpected deliveries %v", messages)
	}
	if len(self.all()) != 0 {
		t.Fatalf("sender must not receive the direct message, got %v", self.all())
	}
	if exists(t, conn, "sockets/"+b.ID()+"/events/dm") {
		t.Fatal("direct slot must be empty after delivery")
	}
	if got := b.Session().ExternalID; got != "user-b" {
		t.Fatalf("expected external id user-b, got %q", got)
	}
}

func TestUnresolvedExternalIDIsDropped(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, conn := connect(t, m)
	b, _ := connect(t, m)

	box := &inbox{}
	if _, err := b.On(ctx, "dm", box.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	if err := a.ToExternalID("ghost").Emit(ctx, "dm", "boo"); err != nil {
		t.Fatalf("unresolved identity must not raise, got %v", err)
	}
	m.Sync()

	if len(box.all()) != 0 {
		t.Fatalf("expected no delivery, got %v", box.all())
	}
	snap, _ := conn.ReadOnce(ctx, "sockets")
	for _, key := range snap.ChildKeys() {
		if snap.Child(key).Child("events").Exists() {
			t.Fatalf("session %s received a mailbox write", key)
		}
	}
}

func TestWatchSessionsTracksMapping(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, _ := connect(t, m)
	b, _ := connect(t, m)

	var mu sync.Mutex
	var latest []SessionRef
	sub, err := a.WatchSessions(ctx, func(refs []SessionRef) {
		mu.Lock()
		latest = refs
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	_ = b.MapID(ctx, "user-b")
	m.Sync()
	if sid, ok := a.identity.resolve("user-b"); !ok || sid != b.ID() {
		t.Fatalf("expected user-b to resolve to %s, got %q", b.ID(), sid)
	}

	b.Disconnect(ctx)
	m.Sync()
	if _, ok := a.identity.resolve("user-b"); ok {
		t.Fatal("mapping must drop disconnected sessions")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(latest) != 0 {
		t.Fatalf("expected empty session list, got %v", latest)
	}
}

func TestToSession(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, _ := connect(t, m)
	b, _ := connect(t, m)

	box := &inbox{}
	if _, err := b.On(ctx, "dm", box.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()
	_ = a.ToSession(b.ID()).Emit(ctx, "dm", "direct")
	m.Sync()

	if messages := box.all(); len(messages) != 1 || messages[0].Data != "direct" {
		t.Fatalf("unexpected deliveries %v", messages)
	}
	if err := a.ToSession("bad/id").Emit(ctx, "dm", nil); !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestOffCancelsEveryWatch(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, conn := connect(t, m)
	b, _ := connect(t, m)
	_ = b.Join(ctx, "lobby", nil)

	first := &inbox{}
	second := &inbox{}
	l1, err := b.On(ctx, "ping", first.handle)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.On(ctx, "ping", second.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()

	l1.Off()
	l1.Off()
	if got := b.Listeners("ping"); got != 1 {
		t.Fatalf("expected one listener left, got %d", got)
	}
	_ = a.Emit(ctx, "ping", 1)
	m.Sync()
	if len(first.all()) != 0 || len(second.all()) != 1 {
		t.Fatalf("unexpected deliveries first=%v second=%v", first.all(), second.all())
	}

	if n := b.Off("ping", nil); n != 1 {
		t.Fatalf("expected to cancel 1 listener, got %d", n)
	}
	_ = a.Emit(ctx, "ping", 2)
	_ = a.ToRoom("lobby").Emit(ctx, "ping", 3)
	_ = a.ToSession(b.ID()).Emit(ctx, "ping", 4)
	m.Sync()
	if len(second.all()) != 1 {
		t.Fatalf("cancelled listener received %v", second.all())
	}
	if !exists(t, conn, "events/ping") {
		t.Fatal("without listeners the slot must stay pending")
	}
}

func TestOnConnect(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	a, _ := connect(t, m)
	b, _ := connect(t, m)

	box := &inbox{}
	if _, err := b.On(ctx, EventConnect, box.handle); err != nil {
		t.Fatal(err)
	}
	m.Sync()
	_ = a.ToSession(b.ID()).Emit(ctx, "unrelated", "x")
	m.Sync()

	messages := box.all()
	if len(messages) != 1 {
		t.Fatalf("expected one connect notification, got %v", messages)
	}
	metadata, ok := messages[0].Data.(map[string]any)
	if !ok || metadata["id"] != b.ID() {
		t.Fatalf("unexpected connect metadata %v", messages[0].Data)
	}

	_ = b.MapID(ctx, "user-b")
	m.Sync()
	if messages = box.all(); len(messages) != 2 {
		t.Fatalf("metadata change must notify again, got %v", messages)
	}
}

func TestInvalidEventNames(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	s, _ := connect(t, m)

	for _, event := range []string{"", "a/b", "a.b", "x#"} {
		if err := s.Emit(ctx, event, nil); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Emit(%q): expected ErrInvalidEvent, got %v", event, err)
		}
		if _, err := s.On(ctx, event, func(Message) {}); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("On(%q): expected ErrInvalidEvent, got %v", event, err)
		}
	}
	if _, err := s.On(ctx, "ok", nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
}
