package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/socket"
)

// emitSpec 命令行 --emit 参数：[#room: | @externalId: | ~sessionId:]event[=json]
type emitSpec struct {
	room       string
	externalID string
	sessionID  string
	event      string
	payload    any
}

func parseEmit(raw string) (emitSpec, error) {
	var spec emitSpec
	target, rest := "", raw
	if len(raw) > 0 && strings.ContainsRune("#@~", rune(raw[0])) {
		i := strings.IndexByte(raw, ':')
		if i < 0 {
			return spec, fmt.Errorf("emit %q: missing ':' after target", raw)
		}
		target, rest = raw[:i], raw[i+1:]
	}
	switch {
	case target == "":
	case target[0] == '#':
		spec.room = target[1:]
	case target[0] == '@':
		spec.externalID = target[1:]
	case target[0] == '~':
		spec.sessionID = target[1:]
	}

	event, payload, hasPayload := strings.Cut(rest, "=")
	if event == "" {
		return spec, fmt.Errorf("emit %q: empty event name", raw)
	}
	spec.event = event
	if hasPayload {
		// 不是合法 JSON 时按字符串发送
		if err := json.Unmarshal([]byte(payload), &spec.payload); err != nil {
			spec.payload = payload
		}
	}
	return spec, nil
}

func (e emitSpec) send(ctx context.Context, s *socket.Socket) error {
	switch {
	case e.room != "":
		return s.ToRoom(e.room).Emit(ctx, e.event, e.payload)
	case e.externalID != "":
		return s.ToExternalID(e.externalID).Emit(ctx, e.event, e.payload)
	case e.sessionID != "":
		return s.ToSession(e.sessionID).Emit(ctx, e.event, e.payload)
	default:
		return s.Emit(ctx, e.event, e.payload)
	}
}
