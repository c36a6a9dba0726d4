package match

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	appErr "agentarena/pkg/errors"
)

// System event types. Game events must not start with an underscore.
const (
	EventStart     = "_START"
	EventForfeit   = "_FORFEIT"
	EventError     = "_ERROR"
	EventEnd       = "_END"
	EventCancelled = "_CANCELLED"
)

// Event is one entry of a match log.
type Event struct {
	ID        uint64          `json:"event_id"`
	Type      string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// IsSystem reports whether the event was produced by the orchestrator itself.
func (e Event) IsSystem() bool {
	return strings.HasPrefix(e.Type, "_")
}

// StartPayload lists the participants in order.
type StartPayload struct {
	Agents []string `json:"agents"`
}

// ForfeitPayload names the agent at fault by index.
type ForfeitPayload struct {
	AgentID int    `json:"agent_id"`
	Stderr  string `json:"stderr,omitempty"`
}

// ErrorPayload describes why a match failed.
type ErrorPayload struct {
	Error  string `json:"error"`
	Debug  string `json:"debug"`
	VMLogs string `json:"vm_logs"`
}

// CancelledPayload carries the reason an external cancellation gave.
type CancelledPayload struct {
	Reason string `json:"reason"`
}

// EventSink receives the events of every match in order.
type EventSink interface {
	Emit(ctx context.Context, matchID string, ev Event) error
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events map[string][]Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string][]Event)}
}

func (s *MemorySink) Emit(_ context.Context, matchID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[matchID] = append(s.events[matchID], ev)
	return nil
}

// Events returns a copy of the log of one match.
func (s *MemorySink) Events(matchID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[matchID]...)
}

// Types returns the event types of one match in order.
func (s *MemorySink) Types(matchID string) []string {
	events := s.Events(matchID)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// MultiSink fans events out to several sinks. Every sink is tried; the
// errors are joined.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, matchID string, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, matchID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// emitter assigns ids and refuses events after _END.
type emitter struct {
	mu      sync.Mutex
	sink    EventSink
	matchID string
	next    uint64
	closed  bool
	now     func() time.Time
}

func (e *emitter) emit(ctx context.Context, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "encode %s payload failed", eventType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return appErr.Newf(appErr.MatchClosed, "match %s has ended, %s rejected", e.matchID, eventType)
	}
	ev := Event{
		ID:        e.next,
		Type:      eventType,
		Timestamp: e.now().UTC(),
		Payload:   raw,
	}
	e.next++
	if eventType == EventEnd {
		e.closed = true
	}
	if err := e.sink.Emit(ctx, e.matchID, ev); err != nil {
		return appErr.Wrapf(err, appErr.EventSinkFailed, "emit %s failed: %v", eventType, err)
	}
	return nil
}
