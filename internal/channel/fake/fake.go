// Package fake provides an in-process channel.Transport for tests,
// grounded on the in-process semantics of gocloud.dev/pubsub/mempubsub
// (the teacher's own in-memory queue test double), rebuilt here with
// true request-reply semantics rather than pub/sub fan-out.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/attemptengine/worker/internal/channel"
)

// JoinHandler answers a Join call for a given topic/token.
type JoinHandler func(ctx context.Context, topic, token string) (channel.JoinResult, error)

// ReplyHandler answers a GetWithReply call, returning the raw reply to
// be JSON-decoded into the caller's target.
type ReplyHandler func(ctx context.Context, topic, eventName string, payload any) (any, error)

// Transport is an in-memory channel.Transport double. Tests register
// handlers and record every Push for later assertions.
type Transport struct {
	mu sync.Mutex

	joinHandler  JoinHandler
	replyHandler ReplyHandler
	pushes       []PushedMessage
}

// PushedMessage records one Push call for test assertions.
type PushedMessage struct {
	Topic     string
	EventName string
	Payload   any
}

// New builds an empty fake transport. Handlers default to rejecting
// every call; set them with OnJoin/OnReply before use.
func New() *Transport {
	return &Transport{}
}

// OnJoin installs the handler used by Join.
func (t *Transport) OnJoin(h JoinHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joinHandler = h
}

// OnReply installs the handler used by GetWithReply.
func (t *Transport) OnReply(h ReplyHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replyHandler = h
}

// Pushes returns every message recorded by Push, in send order.
func (t *Transport) Pushes() []PushedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PushedMessage, len(t.pushes))
	copy(out, t.pushes)
	return out
}

func (t *Transport) Join(ctx context.Context, topic, token string) (channel.JoinResult, error) {
	t.mu.Lock()
	h := t.joinHandler
	t.mu.Unlock()

	if h == nil {
		return channel.JoinResult{}, fmt.Errorf("fake transport: no join handler registered")
	}
	return h(ctx, topic, token)
}

func (t *Transport) Push(_ context.Context, topic, eventName string, payload any) error {
	t.mu.Lock()
	t.pushes = append(t.pushes, PushedMessage{Topic: topic, EventName: eventName, Payload: payload})
	t.mu.Unlock()
	return nil
}

func (t *Transport) GetWithReply(ctx context.Context, topic, eventName string, payload any, reply any) error {
	t.mu.Lock()
	h := t.replyHandler
	t.mu.Unlock()

	if h == nil {
		return fmt.Errorf("fake transport: no reply handler registered")
	}

	raw, err := h(ctx, topic, eventName, payload)
	if err != nil {
		return err
	}
	if reply == nil || raw == nil {
		return nil
	}

	// A []byte handler result mirrors GET_DATACLIP's raw UTF-8 JSON
	// wire reply (§6): pass it through verbatim rather than JSON-round-
	// tripping it, matching NATSTransport's handling of *[]byte targets.
	if rawBytes, ok := raw.([]byte); ok {
		if rawTarget, ok := reply.(*[]byte); ok {
			*rawTarget = append([]byte(nil), rawBytes...)
			return nil
		}
		return json.Unmarshal(rawBytes, reply)
	}

	// Otherwise round-trip through JSON so callers can hand back a
	// plain struct or map and have it decode the same way a real wire
	// reply would.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("fake transport: marshal reply: %w", err)
	}
	return json.Unmarshal(data, reply)
}

var _ channel.Transport = (*Transport)(nil)
