package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"agentarena/internal/common/cache"
	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"
)

const (
	defaultStreamPrefix = "arena:events:"
	defaultRetention    = 24 * time.Hour
)

// StreamStore is the part of the redis cache the stream sink needs.
type StreamStore interface {
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	XRange(ctx context.Context, stream string) ([]cache.StreamEntry, error)
}

// RedisStreamConfig names the stream keys and their lifetime.
type RedisStreamConfig struct {
	Prefix string `yaml:"prefix"`
	// MaxLen caps each stream, approximately. Zero keeps every entry.
	MaxLen int64 `yaml:"maxLen"`
	// Retention is applied to a stream once its match has ended.
	Retention time.Duration `yaml:"retention"`
}

// RedisStreamSink appends each event to the stream <prefix><matchID>.
type RedisStreamSink struct {
	store StreamStore
	cfg   RedisStreamConfig
}

func NewRedisStreamSink(store StreamStore, cfg RedisStreamConfig) *RedisStreamSink {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultStreamPrefix
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	return &RedisStreamSink{store: store, cfg: cfg}
}

// StreamKey returns the stream a match's events are written to.
func (s *RedisStreamSink) StreamKey(matchID string) string {
	return s.cfg.Prefix + matchID
}

func (s *RedisStreamSink) Emit(ctx context.Context, matchID string, ev match.Event) error {
	key := s.StreamKey(matchID)
	values := map[string]interface{}{
		"event_id":   strconv.FormatUint(ev.ID, 10),
		"event_type": ev.Type,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
		"payload":    string(ev.Payload),
	}
	if _, err := s.store.XAdd(ctx, key, s.cfg.MaxLen, values); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "append event to %s failed", key)
	}
	if ev.Type == match.EventEnd && s.cfg.Retention > 0 {
		if err := s.store.Expire(ctx, key, s.cfg.Retention); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "set retention on %s failed", key)
		}
	}
	return nil
}

// Replay reads the recorded events of a match back, oldest first. A stream
// that expired or never existed yields no records.
func (s *RedisStreamSink) Replay(ctx context.Context, matchID string) ([]Record, error) {
	key := s.StreamKey(matchID)
	entries, err := s.store.XRange(ctx, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read %s failed", key)
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		ev, err := eventFromValues(entry.Values)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode entry %s of %s failed", entry.ID, key)
		}
		records = append(records, Record{MatchID: matchID, Event: ev})
	}
	return records, nil
}

func eventFromValues(values map[string]interface{}) (match.Event, error) {
	field := func(name string) string {
		v, _ := values[name].(string)
		return v
	}
	id, err := strconv.ParseUint(field("event_id"), 10, 64)
	if err != nil {
		return match.Event{}, fmt.Errorf("event_id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, field("timestamp"))
	if err != nil {
		return match.Event{}, fmt.Errorf("timestamp: %w", err)
	}
	ev := match.Event{ID: id, Type: field("event_type"), Timestamp: ts}
	if payload := field("payload"); payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev, nil
}
