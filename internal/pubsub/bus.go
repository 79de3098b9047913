package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// WizardChannel is the channel carrying the transitions of one wizard
func WizardChannel(wizardID string) string {
	return "wizard:" + wizardID
}

// OperatorChannel is the channel carrying lifecycle notices for one operator
func OperatorChannel(operatorID string) string {
	return "operator:" + operatorID
}

// Bus fans wizard events out to Redis pub/sub, the replay stream and the
// local websocket hub. Without a Redis client it only feeds the hub and
// numbers events in process.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	wsHub   WSHub
	streams *Streams

	mu    sync.Mutex
	local map[string]int64
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		rdb:   rdb,
		log:   log,
		local: make(map[string]int64),
	}
	if rdb != nil {
		b.streams = NewStreams(rdb, DefaultStreamRetention, log)
	}
	return b
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// GetStreams returns the streams provider, nil when running without Redis
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

func (b *Bus) PublishWizard(wizardID string, event map[string]interface{}) error {
	return b.Publish(WizardChannel(wizardID), event)
}

func (b *Bus) PublishOperator(operatorID string, event map[string]interface{}) error {
	if operatorID == "" {
		return nil
	}
	return b.Publish(OperatorChannel(operatorID), event)
}

// Publish publishes an event to a channel
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var seq int64
	if b.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
			b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
			return err
		}

		// the stream is best effort; live subscribers already got the event
		seq, err = b.streams.PublishEvent(ctx, channel, event)
		if err != nil {
			b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
		}
	} else {
		seq = b.nextLocal(channel)
	}

	eventWithSeq := make(map[string]interface{}, len(event)+1)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq

	if b.wsHub != nil {
		b.wsHub.Publish(channel, eventWithSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq), zap.ByteString("event", data))
	return nil
}

func (b *Bus) nextLocal(channel string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local[channel]++
	return b.local[channel]
}
