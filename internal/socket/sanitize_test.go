package socket

import (
	"errors"
	"testing"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

func TestSanitizeRoom(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"已清洗", "lobby", "lobby"},
		{"符号", "lo-bby!", "lobby"},
		{"空格与数字", "Kitchen #2", "Kitchen2"},
		{"路径分隔符", "a/b.c", "abc"},
		{"非ASCII", "café房间", "caf"},
		{"全部非法", "!!!", ""},
		{"空串", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeRoom(tt.input)
			if got != tt.expected {
				t.Fatalf("SanitizeRoom(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
			if again := SanitizeRoom(got); again != got {
				t.Fatalf("sanitization not idempotent: %q -> %q", got, again)
			}
			if got != "" && !store.ValidKey(got) {
				t.Fatalf("sanitized name %q is not a valid key", got)
			}
		})
	}
}

func TestSanitizeRoomOrError(t *testing.T) {
	if _, err := sanitizeRoomOrError("#?"); !errors.Is(err, ErrEmptyRoomName) {
		t.Fatalf("expected ErrEmptyRoomName, got %v", err)
	}
	if name, err := sanitizeRoomOrError("room-1"); err != nil || name != "room1" {
		t.Fatalf("unexpected %q, %v", name, err)
	}
}

func TestSessionsFrom(t *testing.T) {
	snap := store.NewSnapshot("sockets", map[string]any{
		"s1": map[string]any{"id": "s1", "createdAt": "2026-01-01T00:00:00.000Z", "mappedId": "alice"},
		"s2": map[string]any{"id": "s2", "createdAt": "2026-01-01T00:00:00.000Z"},
		"s3": map[string]any{"id": "s3", "createdAt": "2026-01-02T00:00:00.000Z", "mappedId": "alice"},
		"s4": map[string]any{"events": map[string]any{"dm": map[string]any{"event": "dm"}}},
		"s5": map[string]any{"id": "s5", "mappedId": "bob"},
	})

	refs := sessionsFrom(snap)
	if len(refs) != 3 {
		t.Fatalf("expected 3 mapped sessions, got %v", refs)
	}

	id := newIdentity(nil, "me")
	id.replace(refs)
	if sid, ok := id.resolve("alice"); !ok || sid != "s3" {
		t.Fatalf("expected newest session s3 for alice, got %q", sid)
	}
	if sid, ok := id.resolve("bob"); !ok || sid != "s5" {
		t.Fatalf("expected s5 for bob, got %q", sid)
	}
	if _, ok := id.resolve("carol"); ok {
		t.Fatal("carol must not resolve")
	}
}
