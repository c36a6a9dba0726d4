// Package stream implements the terminator-framed duplex protocol spoken with
// the manager process inside a sandbox.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	appErr "agentarena/pkg/errors"
)

const (
	// Terminator ends every framed message.
	Terminator byte = 0x00
	// BufferSize is the size of the internal read buffer.
	BufferSize = 8 * 1024
	// DefaultMaxMessageLen bounds framed messages read without an explicit limit.
	DefaultMaxMessageLen = 1 << 20

	maxEmptyReads = 100
)

var aLongTimeAgo = time.Unix(1, 0)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Stream wraps a duplex byte channel. A Stream has a single owner and must not
// be used from two goroutines at once.
//
// Reads honour context cancellation when the channel supports deadlines. The
// buffer offsets and any partially assembled message are only updated once an
// underlying read has returned, so an interrupted read leaves the stream ready
// for the next call.
type Stream struct {
	conn io.ReadWriteCloser
	buf  []byte
	// unread bytes are buf[start:end]
	start int
	end   int

	partial   []byte
	oversized bool
}

// New creates a Stream over conn.
func New(conn io.ReadWriteCloser) *Stream {
	return &Stream{
		conn: conn,
		buf:  make([]byte, BufferSize),
	}
}

// Buffered returns the number of bytes read from the channel but not yet consumed.
func (s *Stream) Buffered() int {
	return s.end - s.start
}

// Close closes the underlying channel.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// NextPart returns the next span of the current framed message. complete is
// true when the span ends the message; the terminator is not included. The
// returned slice is only valid until the next call on the stream.
func (s *Stream) NextPart(ctx context.Context) ([]byte, bool, error) {
	if s.start == s.end {
		if err := s.fill(ctx); err != nil {
			return nil, false, err
		}
	}
	data := s.buf[s.start:s.end]
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		s.consume(i + 1)
		return data[:i], true, nil
	}
	s.consume(len(data))
	return data, false, nil
}

// NextFullMessage reads one complete framed message. maxLen <= 0 selects
// DefaultMaxMessageLen. A message longer than maxLen is skipped up to its
// terminator and reported as MessageTooLarge, leaving the stream aligned on
// the following message.
func (s *Stream) NextFullMessage(ctx context.Context, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	for {
		part, complete, err := s.NextPart(ctx)
		if err != nil {
			return nil, err
		}
		if !s.oversized {
			if len(s.partial)+len(part) > maxLen {
				s.oversized = true
				s.partial = nil
			} else {
				s.partial = append(s.partial, part...)
			}
		}
		if !complete {
			continue
		}
		if s.oversized {
			s.oversized = false
			return nil, appErr.Newf(appErr.MessageTooLarge, "message exceeds %d bytes", maxLen)
		}
		msg := s.partial
		s.partial = nil
		if msg == nil {
			msg = []byte{}
		}
		return msg, nil
	}
}

// ReadExact fills p with raw bytes, ignoring terminators.
func (s *Stream) ReadExact(ctx context.Context, p []byte) error {
	w := &sliceWriter{buf: p}
	return s.ReadUntilN(ctx, int64(len(p)), w)
}

// ReadUntilN copies exactly n raw bytes to w, ignoring terminators.
func (s *Stream) ReadUntilN(ctx context.Context, n int64, w io.Writer) error {
	for n > 0 {
		if s.start == s.end {
			if err := s.fill(ctx); err != nil {
				return err
			}
		}
		chunk := s.buf[s.start:s.end]
		if int64(len(chunk)) > n {
			chunk = chunk[:n]
		}
		written, err := w.Write(chunk)
		s.consume(written)
		n -= int64(written)
		if err != nil {
			return appErr.Wrapf(err, appErr.StreamIO, "write raw bytes failed")
		}
		if written < len(chunk) {
			return appErr.Wrapf(io.ErrShortWrite, appErr.StreamIO, "write raw bytes failed")
		}
	}
	return nil
}

// ExpectExactMsg reads one framed message and fails with UnexpectedMessage if
// it differs from expected.
func (s *Stream) ExpectExactMsg(ctx context.Context, expected []byte) error {
	msg, err := s.NextFullMessage(ctx, DefaultMaxMessageLen)
	if err != nil {
		return err
	}
	if !bytes.Equal(msg, expected) {
		return appErr.Newf(appErr.UnexpectedMessage, "expected %q, got %q", expected, preview(msg)).
			WithDetail("expected", string(expected)).
			WithDetail("got", string(preview(msg)))
	}
	return nil
}

// SendMessage writes msg, appending the terminator when terminate is set.
// Unterminated writes are raw and may carry any byte.
func (s *Stream) SendMessage(ctx context.Context, msg []byte, terminate bool) error {
	if !terminate {
		return s.write(ctx, msg)
	}
	return s.SendPrefixedFullMessage(ctx, nil, msg)
}

// SendFullMessage writes msg followed by the terminator.
func (s *Stream) SendFullMessage(ctx context.Context, msg []byte) error {
	return s.SendPrefixedFullMessage(ctx, nil, msg)
}

// SendPrefixedFullMessage writes prefix, msg and the terminator as one frame.
func (s *Stream) SendPrefixedFullMessage(ctx context.Context, prefix, msg []byte) error {
	if bytes.IndexByte(prefix, Terminator) >= 0 || bytes.IndexByte(msg, Terminator) >= 0 {
		return appErr.New(appErr.InvalidPayload)
	}
	frame := make([]byte, 0, len(prefix)+len(msg)+1)
	frame = append(frame, prefix...)
	frame = append(frame, msg...)
	frame = append(frame, Terminator)
	return s.write(ctx, frame)
}

// Writer returns an io.Writer sending raw bytes under ctx.
func (s *Stream) Writer(ctx context.Context) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if err := s.write(ctx, p); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

func (s *Stream) consume(n int) {
	s.start += n
	if s.start >= s.end {
		s.start, s.end = 0, 0
	}
}

// fill reads into the empty buffer. It must only be called when start == end.
func (s *Stream) fill(ctx context.Context) error {
	s.start, s.end = 0, 0
	if err := ctx.Err(); err != nil {
		return err
	}
	release := func() {}
	if d, ok := s.conn.(readDeadliner); ok {
		release = watch(ctx, d.SetReadDeadline)
	}
	defer release()

	for i := 0; i < maxEmptyReads; i++ {
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			s.end = n
			return nil
		}
		if err != nil {
			return classify(ctx, err, "read")
		}
	}
	return appErr.Wrap(io.ErrNoProgress, appErr.StreamIO)
}

func (s *Stream) write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := s.conn.(writeDeadliner); ok {
		release := watch(ctx, d.SetWriteDeadline)
		defer release()
	}
	if _, err := s.conn.Write(p); err != nil {
		return classify(ctx, err, "write")
	}
	return nil
}

// watch forces the deadline into the past once ctx is done. The returned
// function undoes it and must be called before the next operation.
func watch(ctx context.Context, set func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			_ = set(time.Time{})
		}
	}
}

func classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return appErr.Wrapf(err, appErr.StreamClosed, "stream closed during %s", op)
	}
	return appErr.Wrapf(err, appErr.StreamIO, "stream %s failed", op)
}

func preview(msg []byte) []byte {
	const max = 64
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	if n < len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
