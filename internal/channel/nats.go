package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// joinRequest/joinReply mirror §6's channel join wire shape:
// `{token}` → `{status: 'ok'|'error', response}`.
type joinRequest struct {
	Token string `json:"token"`
}

type joinReply struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

// NATSTransport implements Transport over a single *nats.Conn, giving
// true request-reply semantics for join/getWithReply (§4.1) — something
// the teacher's gocloud.dev/pubsub-backed queue abstraction cannot do
// without bolting a second reply-subject round trip on top; see
// DESIGN.md's dropped-dependency entry for gocloud.dev/pubsub.
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport connects to the given NATS URL.
func NewNATSTransport(url string) (*NATSTransport, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSTransport{conn: conn}, nil
}

// Close drains and closes the underlying connection.
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}

// Join implements Transport.Join as a NATS request to "<topic>.join".
func (t *NATSTransport) Join(ctx context.Context, topic, token string) (JoinResult, error) {
	reqData, err := json.Marshal(joinRequest{Token: token})
	if err != nil {
		return JoinResult{}, fmt.Errorf("marshal join request: %w", err)
	}

	msg, err := t.conn.RequestWithContext(ctx, topic+".join", reqData)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return JoinResult{}, ErrReplyTimeout
		}
		return JoinResult{}, fmt.Errorf("join %s: %w", topic, err)
	}

	var reply joinReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return JoinResult{}, fmt.Errorf("decode join reply: %w", err)
	}

	return JoinResult{OK: reply.Status == "ok", Response: reply.Response}, nil
}

// Push implements Transport.Push as a fire-and-forget publish to
// "<topic>.<eventName>".
func (t *NATSTransport) Push(_ context.Context, topic, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload for %s: %w", eventName, err)
	}

	if err := t.conn.Publish(topic+"."+eventName, data); err != nil {
		return fmt.Errorf("push %s on %s: %w", eventName, topic, err)
	}
	return nil
}

// GetWithReply implements Transport.GetWithReply as a NATS request to
// "<topic>.<eventName>", decoding the reply into reply.
func (t *NATSTransport) GetWithReply(ctx context.Context, topic, eventName string, payload any, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request payload for %s: %w", eventName, err)
	}

	msg, err := t.conn.RequestWithContext(ctx, topic+"."+eventName, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrReplyTimeout
		}
		return fmt.Errorf("request %s on %s: %w", eventName, topic, err)
	}

	if reply == nil {
		return nil
	}

	// GET_DATACLIP's reply is the raw UTF-8 JSON bytes of a dataclip
	// (§6), not a JSON-encoded string — a *[]byte target receives the
	// wire bytes verbatim rather than going through json.Unmarshal's
	// base64-string convention for byte slices.
	if rawTarget, ok := reply.(*[]byte); ok {
		*rawTarget = append([]byte(nil), msg.Data...)
		return nil
	}

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply for %s: %w", eventName, err)
	}
	return nil
}
