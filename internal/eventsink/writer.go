package eventsink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"agentarena/internal/match"
)

// WriterSink writes every event as one JSON line. It backs the run command,
// which prints the log of a single match.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(_ context.Context, matchID string, ev match.Event) error {
	data, err := encodeRecord(matchID, ev)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event failed: %w", err)
	}
	return nil
}
