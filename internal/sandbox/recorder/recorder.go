// Package recorder captures the merged stdout/stderr of a sandbox while it runs.
package recorder

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	appErr "agentarena/pkg/errors"

	"github.com/zeromicro/go-zero/core/threading"
)

const (
	// BootSentinel is printed by the guest manager once it has booted.
	// Everything recorded before it is boot noise and is discarded.
	BootSentinel = "ARENA GUEST READY"

	// DefaultMaxLen is the soft cap on the recorded log.
	DefaultMaxLen = 64 * 1024
	// DefaultActiveTimeout bounds ShutdownActive when no timeout is given.
	DefaultActiveTimeout = 2 * time.Second

	passiveDelay = 200 * time.Millisecond
	maxLineLen   = 16 * 1024
	lineBacklog  = 256
)

// Recorder drains a reader line by line in the background.
type Recorder struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan result

	mu     sync.Mutex
	cached *result
}

type result struct {
	log string
	err error
}

// New starts recording r. Lines beyond maxLen are dropped but r keeps being
// drained until it returns an error, so the producer never blocks. If r is an
// io.Closer it is closed once draining ends.
func New(r io.Reader, maxLen int) *Recorder {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	rec := &Recorder{
		stop: make(chan struct{}),
		done: make(chan result, 1),
	}
	lines := make(chan string, lineBacklog)
	threading.GoSafe(func() {
		defer close(lines)
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		readLines(r, func(line string) {
			select {
			case lines <- line:
			case <-rec.stop:
			}
		})
	})
	threading.GoSafe(func() {
		rec.done <- collect(lines, rec.stop, maxLen)
	})
	return rec
}

// ShutdownPassive waits briefly for the recorder to finish on its own, which
// happens once the sandbox output has been closed.
func (r *Recorder) ShutdownPassive() (string, error) {
	return r.Wait(passiveDelay)
}

// Wait waits up to timeout for the output to close without stopping the recorder.
func (r *Recorder) Wait(timeout time.Duration) (string, error) {
	return r.wait(timeout, appErr.RecorderUnavailable)
}

// ShutdownActive stops the recorder and waits up to timeout for its log.
func (r *Recorder) ShutdownActive(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultActiveTimeout
	}
	r.stopOnce.Do(func() { close(r.stop) })
	return r.wait(timeout, appErr.RecorderTimeout)
}

func (r *Recorder) wait(timeout time.Duration, code appErr.ErrorCode) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached.log, r.cached.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-r.done:
		r.cached = &res
		return res.log, res.err
	case <-timer.C:
		return "", appErr.Newf(code, "recorder did not finish within %s", timeout)
	}
}

func collect(lines <-chan string, stop <-chan struct{}, maxLen int) result {
	state := logState{maxLen: maxLen}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return result{log: state.String()}
			}
			state.apply(line)
		case <-stop:
			return result{log: state.String()}
		}
	}
}

// logState is the in-memory log. It holds no references to the recorder.
type logState struct {
	buf     bytes.Buffer
	maxLen  int
	dropped int
	// set by the first line over maxLen; every later line is dropped
	full bool
}

// apply records one line. The boot sentinel clears everything seen so far.
func (s *logState) apply(line string) {
	if line == BootSentinel {
		s.buf.Reset()
		s.dropped = 0
		s.full = false
		return
	}
	if s.full || s.buf.Len()+len(line)+1 > s.maxLen {
		s.full = true
		s.dropped++
		return
	}
	s.buf.WriteString(line)
	s.buf.WriteByte('\n')
}

func (s *logState) String() string {
	if s.dropped == 0 {
		return s.buf.String()
	}
	return fmt.Sprintf("%s[recorder: %d lines dropped]\n", s.buf.String(), s.dropped)
}

func readLines(r io.Reader, emit func(string)) {
	br := bufio.NewReaderSize(r, maxLineLen)
	var line []byte
	for {
		frag, isPrefix, err := br.ReadLine()
		if len(frag) > 0 && len(line) < maxLineLen {
			take := len(frag)
			if room := maxLineLen - len(line); take > room {
				take = room
			}
			line = append(line, frag[:take]...)
		}
		if err != nil {
			if len(line) > 0 {
				emit(string(line))
			}
			return
		}
		if isPrefix {
			continue
		}
		emit(string(line))
		line = line[:0]
	}
}
