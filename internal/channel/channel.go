// Package channel implements the bidirectional message channel contract
// of §4.1: join, push, and getWithReply over a single attempt's topic.
package channel

import (
	"context"
	"fmt"
)

// JoinResult is the outcome of joining an attempt's topic (§4.1/§6).
type JoinResult struct {
	OK       bool
	Response string
}

// Transport isolates the channel contract from any specific wire
// technology, following the teacher's Publisher/Subscriber interface
// split (internal/framequeue/interface.go) adapted to request-reply
// semantics. NATS backs the real implementation (channel/nats.go); an
// in-memory fake (channel/fake) backs tests.
type Transport interface {
	// Join blocks until the server accepts or rejects the subscription
	// to topic, per §4.1.
	Join(ctx context.Context, topic string, token string) (JoinResult, error)

	// Push sends payload under eventName on topic. Replies are not
	// awaited; use GetWithReply when a reply is required.
	Push(ctx context.Context, topic, eventName string, payload any) error

	// GetWithReply sends payload under eventName on topic and awaits the
	// matching reply, decoding it into reply. Fails with ErrReplyTimeout
	// when the reply misses ctx's deadline (§4.1); the transport adds no
	// interval of its own, so a ctx without a deadline waits until it is
	// cancelled.
	GetWithReply(ctx context.Context, topic, eventName string, payload any, reply any) error
}

// ErrReplyTimeout is returned by GetWithReply when no reply arrives
// before ctx's deadline or the underlying request times out
// (PROTOCOL_TIMEOUT in §4.1's prose).
var ErrReplyTimeout = fmt.Errorf("protocol timeout awaiting reply")

// AttemptTopic builds the topic name for an attempt id, per §4.6's
// join(attempt:<id>, ...) convention mapped onto NATS subject syntax
// (colons are valid NATS subject token separators, but '.' is the
// idiomatic nats.go token separator, so attempt ids are joined with
// '.' rather than ':').
func AttemptTopic(attemptID string) string {
	return "attempt." + attemptID
}

// ControlTopic is the worker-wide control channel used for CLAIM
// requests, independent of any single attempt's topic.
const ControlTopic = "worker.control"
