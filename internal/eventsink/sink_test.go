package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentarena/internal/common/cache"
	"agentarena/internal/common/mq"
	"agentarena/internal/common/storage"
	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func event(id uint64, typ string, payload string) match.Event {
	return match.Event{
		ID:        id,
		Type:      typ,
		Timestamp: time.Date(2026, 5, 1, 10, 0, int(id), 0, time.UTC),
		Payload:   json.RawMessage(payload),
	}
}

type fakeProducer struct {
	mu       sync.Mutex
	topics   []string
	messages []*mq.Message
	err      error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, m)
	return nil
}

func TestQueueSinkPublishesKeyedRecords(t *testing.T) {
	t.Parallel()
	p := &fakeProducer{}
	s := NewQueueSink(p, "arena.events")
	if err := s.Emit(context.Background(), "m1", event(3, "move", `{"x":1}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if len(p.messages) != 1 || p.topics[0] != "arena.events" {
		t.Fatalf("expected one message on arena.events, got %d", len(p.messages))
	}
	m := p.messages[0]
	if m.Key != "m1" || m.ID != "m1:3" {
		t.Fatalf("expected key m1 and id m1:3, got %q %q", m.Key, m.ID)
	}
	if v, _ := m.GetHeader(HeaderEventType); v != "move" {
		t.Fatalf("expected event type header, got %q", v)
	}
	rec, err := DecodeRecord(m.Body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rec.MatchID != "m1" || rec.ID != 3 || string(rec.Payload) != `{"x":1}` {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestQueueSinkWrapsPublishErrors(t *testing.T) {
	t.Parallel()
	s := NewQueueSink(&fakeProducer{err: errors.New("broker down")}, "arena.events")
	err := s.Emit(context.Background(), "m1", event(0, match.EventStart, `{}`))
	if appErr.GetCode(err) != appErr.QueueError {
		t.Fatalf("expected QueueError, got %v", err)
	}
	if err := NewQueueSink(nil, "t").Emit(context.Background(), "m1", event(0, "x", `{}`)); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable without producer, got %v", err)
	}
}

func TestRedisStreamSink(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache failed: %v", err)
	}
	defer c.Close()

	s := NewRedisStreamSink(c, RedisStreamConfig{Retention: time.Hour})
	ctx := context.Background()
	for _, ev := range []match.Event{
		event(0, match.EventStart, `{"agents":["a","b"]}`),
		event(1, "move", `{}`),
		event(2, match.EventEnd, `{}`),
	} {
		if err := s.Emit(ctx, "m1", ev); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	key := s.StreamKey("m1")
	if key != "arena:events:m1" {
		t.Fatalf("expected default prefix, got %q", key)
	}
	entries, err := c.XRange(ctx, key)
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(entries), err)
	}
	if entries[0].Values["payload"] != `{"agents":["a","b"]}` || entries[2].Values["event_type"] != match.EventEnd {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("expected retention after end, got %s", ttl)
	}

	records, err := s.Replay(ctx, "m1")
	if err != nil || len(records) != 3 {
		t.Fatalf("expected 3 replayed records, got %d (%v)", len(records), err)
	}
	if records[0].MatchID != "m1" || records[0].Type != match.EventStart || string(records[0].Payload) != `{"agents":["a","b"]}` {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[2].ID != 2 || records[2].Type != match.EventEnd {
		t.Fatalf("unexpected last record %+v", records[2])
	}
	missing, err := s.Replay(ctx, "nope")
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected no records for unknown match, got %d (%v)", len(missing), err)
	}
}

func TestArchiveSinkUploadsOnEnd(t *testing.T) {
	t.Parallel()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage failed: %v", err)
	}
	s := NewArchiveSink(store, ArchiveConfig{Bucket: "archives", Prefix: "matches/"})
	ctx := context.Background()

	if err := s.Emit(ctx, "m1", event(0, match.EventStart, `{}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if _, err := store.StatObject(ctx, "archives", s.ObjectKey("m1")); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected nothing uploaded before end, got %v", err)
	}
	if err := s.Emit(ctx, "m1", event(1, "move", `{"a":"rock"}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if err := s.Emit(ctx, "m1", event(2, match.EventEnd, `{}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	r, err := store.GetObject(ctx, "archives", "matches/m1.jsonl.zst")
	if err != nil {
		t.Fatalf("expected archive, got %v", err)
	}
	defer r.Close()
	records, err := ReadArchive(r)
	if err != nil {
		t.Fatalf("read archive failed: %v", err)
	}
	if len(records) != 3 || records[1].Type != "move" || records[2].Type != match.EventEnd {
		t.Fatalf("unexpected archive %+v", records)
	}
	if len(s.pending) != 0 {
		t.Fatalf("expected buffer to be released")
	}
}

func TestWriterSinkWritesLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	ctx := context.Background()
	if err := s.Emit(ctx, "m-1", event(0, match.EventStart, `{"agents":["a"]}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if err := s.Emit(ctx, "m-1", event(1, match.EventEnd, `{}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	rec, err := DecodeRecord([]byte(lines[1]))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rec.MatchID != "m-1" || rec.Type != match.EventEnd || rec.ID != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
