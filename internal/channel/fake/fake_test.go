package fake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/channel/fake"
)

func TestFakeTransportJoinAndPush(t *testing.T) {
	tr := fake.New()
	tr.OnJoin(func(_ context.Context, topic, token string) (channel.JoinResult, error) {
		assert.Equal(t, "attempt.abc", topic)
		assert.Equal(t, "tok", token)
		return channel.JoinResult{OK: true}, nil
	})

	result, err := tr.Join(context.Background(), "attempt.abc", "tok")
	require.NoError(t, err)
	assert.True(t, result.OK)

	require.NoError(t, tr.Push(context.Background(), "attempt.abc", "attempt_start", map[string]any{}))
	pushes := tr.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "attempt_start", pushes[0].EventName)
}

func TestFakeTransportGetWithReply(t *testing.T) {
	tr := fake.New()
	tr.OnReply(func(_ context.Context, _, eventName string, _ any) (any, error) {
		assert.Equal(t, "get_attempt", eventName)
		return map[string]any{"id": "plan-1"}, nil
	})

	var reply struct {
		ID string `json:"id"`
	}
	require.NoError(t, tr.GetWithReply(context.Background(), "attempt.abc", "get_attempt", nil, &reply))
	assert.Equal(t, "plan-1", reply.ID)
}
