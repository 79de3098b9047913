package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("Skipping test: TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping test: Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestStreams_PublishAndReplay(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	streams := NewStreams(rdb, time.Minute, zap.NewNop())
	channel := WizardChannel(uuid.NewString())

	for i := 0; i < 5; i++ {
		seq, err := streams.PublishEvent(ctx, channel, map[string]interface{}{"type": "state.changed", "n": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	events, err := streams.ReplayEvents(ctx, channel, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, channel, events[0].Channel)
	assert.Equal(t, "state.changed", events[0].Event["type"])
	assert.False(t, events[0].Timestamp.IsZero())

	limited, err := streams.ReplayEvents(ctx, channel, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ttl, err := rdb.TTL(ctx, streamKey(channel)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestStreams_Acknowledge(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	streams := NewStreams(rdb, time.Minute, zap.NewNop())
	channel := WizardChannel(uuid.NewString())

	seq, err := streams.GetLastSequence(ctx, channel, "conn-1")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, streams.AcknowledgeSequence(ctx, channel, "conn-1", 7))
	seq, err = streams.GetLastSequence(ctx, channel, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestBus_PublishesThroughRedis(t *testing.T) {
	rdb := setupRedis(t)
	hub := &hubRecorder{}
	bus := New(rdb, zap.NewNop())
	bus.SetWSHub(hub)
	wizardID := uuid.NewString()

	require.NoError(t, bus.PublishWizard(wizardID, map[string]interface{}{"type": "state.changed"}))
	require.NoError(t, bus.PublishWizard(wizardID, map[string]interface{}{"type": "state.changed"}))

	events, err := bus.GetStreams().ReplayEvents(context.Background(), WizardChannel(wizardID), 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	delivered := hub.msgs[WizardChannel(wizardID)]
	require.Len(t, delivered, 2)
	assert.Equal(t, int64(2), delivered[1]["seq"])
}
