package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultStreamRetention bounds how long a wizard channel can be replayed
	DefaultStreamRetention = 24 * time.Hour
	// streamMaxLen caps each channel stream; trimming is approximate
	streamMaxLen = 1000
)

// StreamEvent is a decoded stream entry
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a bounded, expiring Redis stream per channel so websocket
// clients can resume after a reconnect.
type Streams struct {
	rdb       *redis.Client
	log       *zap.Logger
	retention time.Duration
	now       func() time.Time
}

func NewStreams(rdb *redis.Client, retention time.Duration, log *zap.Logger) *Streams {
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	return &Streams{
		rdb:       rdb,
		log:       log,
		retention: retention,
		now:       time.Now,
	}
}

// SetRetention changes how long streams, counters and acks are kept
func (s *Streams) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

func streamKey(channel string) string { return "stream:" + channel }
func seqKey(channel string) string    { return "seq:" + channel }
func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connectionID)
}

// PublishEvent appends an event to the channel stream and returns its
// per-channel sequence number
func (s *Streams) PublishEvent(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	eventWithSeq := make(map[string]interface{}, len(event)+3)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq
	eventWithSeq["channel"] = channel
	eventWithSeq["timestamp"] = s.now().UTC().Format(time.RFC3339)

	eventData, err := json.Marshal(eventWithSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"seq":  seq,
			"data": string(eventData),
		},
	})
	pipe.Expire(ctx, streamKey(channel), s.retention)
	pipe.Expire(ctx, seqKey(channel), s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to append to stream: %w", err)
	}

	s.log.Debug("Stream append",
		zap.String("channel", channel),
		zap.Int64("sequence", seq),
	)
	return seq, nil
}

// GetLastSequence is 0 when the connection never acknowledged on channel
func (s *Streams) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	seqStr, err := s.rdb.Get(ctx, ackKey(channel, connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read ack: %w", err)
	}

	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed ack %q: %w", seqStr, err)
	}
	return seq, nil
}

func (s *Streams) AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connectionID), sequence, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to store ack: %w", err)
	}

	s.log.Debug("Ack stored",
		zap.String("channel", channel),
		zap.String("connection", connectionID),
		zap.Int64("sequence", sequence),
	)
	return nil
}

// ReplayEvents returns up to limit events of the channel with a sequence
// greater than sinceSeq, oldest first
func (s *Streams) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(ctx, streamKey(channel), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := []StreamEvent{}
	for _, msg := range msgs {
		ev, ok := decodeStreamMessage(msg)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("channel", channel), zap.String("id", msg.ID))
			continue
		}
		if ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

func decodeStreamMessage(msg redis.XMessage) (StreamEvent, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return StreamEvent{}, false
	}
	var eventData map[string]interface{}
	if err := json.Unmarshal([]byte(data), &eventData); err != nil {
		return StreamEvent{}, false
	}

	seq, _ := eventData["seq"].(float64)
	channel, _ := eventData["channel"].(string)
	timestamp, _ := time.Parse(time.RFC3339, fmt.Sprint(eventData["timestamp"]))
	if timestamp.IsZero() {
		timestamp = streamIDTime(msg.ID)
	}

	event := make(map[string]interface{}, len(eventData))
	for k, v := range eventData {
		if k != "seq" && k != "channel" && k != "timestamp" {
			event[k] = v
		}
	}
	return StreamEvent{
		Channel:   channel,
		Sequence:  int64(seq),
		Event:     event,
		Timestamp: timestamp,
	}, true
}

// streamIDTime reads the millisecond part of a Redis stream ID (ms-seq)
func streamIDTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
