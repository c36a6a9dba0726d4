package eventsink

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"agentarena/internal/common/storage"
	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const archiveContentType = "application/zstd"

// ArchiveConfig says where finished match logs are stored.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ArchiveSink buffers each match's events and, when the match ends, uploads
// them as zstd-compressed JSON lines to <prefix><matchID>.jsonl.zst.
type ArchiveSink struct {
	store storage.ObjectStorage
	cfg   ArchiveConfig

	mu      sync.Mutex
	pending map[string][][]byte
}

func NewArchiveSink(store storage.ObjectStorage, cfg ArchiveConfig) *ArchiveSink {
	return &ArchiveSink{store: store, cfg: cfg, pending: make(map[string][][]byte)}
}

// ObjectKey returns the archive key of a match.
func (s *ArchiveSink) ObjectKey(matchID string) string {
	return s.cfg.Prefix + matchID + ".jsonl.zst"
}

func (s *ArchiveSink) Emit(ctx context.Context, matchID string, ev match.Event) error {
	line, err := encodeRecord(matchID, ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[matchID] = append(s.pending[matchID], line)
	if ev.Type != match.EventEnd {
		s.mu.Unlock()
		return nil
	}
	lines := s.pending[matchID]
	delete(s.pending, matchID)
	s.mu.Unlock()

	blob, err := compressLines(lines)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "compress archive of %s failed", matchID)
	}
	key := s.ObjectKey(matchID)
	if err := s.store.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(blob), int64(len(blob)), archiveContentType); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "upload archive %s failed", key)
	}
	return nil
}

func compressLines(lines [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := enc.Write(line); err != nil {
			_ = enc.Close()
			return nil, err
		}
		if _, err := enc.Write([]byte{'\n'}); err != nil {
			_ = enc.Close()
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadArchive decodes an archive written by ArchiveSink.
func ReadArchive(r io.Reader) ([]Record, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader failed: %w", err)
	}
	defer dec.Close()

	var records []Record
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rec, err := DecodeRecord(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("decode archived event failed: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive failed: %w", err)
	}
	return records, nil
}
