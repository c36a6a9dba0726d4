package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "agentarena/pkg/errors"
)

// LocalStorage keeps objects as files under root/<bucket>/<key>. It backs the
// single-match run mode, where bundles come from a local directory.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) path(bucket, objectKey string) (string, error) {
	if objectKey == "" {
		return "", appErr.ValidationError("objectKey", "required")
	}
	p := filepath.Join(s.root, bucket, filepath.FromSlash(objectKey))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.InvalidParams, "object key %q escapes storage root", objectKey)
	}
	return p, nil
}

func (s *LocalStorage) GetObject(_ context.Context, bucket, objectKey string) (ObjectReader, error) {
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, localError(err, bucket, objectKey)
	}
	return f, nil
}

func (s *LocalStorage) StatObject(_ context.Context, bucket, objectKey string) (ObjectStat, error) {
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return ObjectStat{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return ObjectStat{}, localError(err, bucket, objectKey)
	}
	if info.IsDir() {
		return ObjectStat{}, appErr.Newf(appErr.NotFound, "object %s/%s is a directory", bucket, objectKey)
	}
	return ObjectStat{SizeBytes: info.Size(), Metadata: map[string]string{}}, nil
}

func (s *LocalStorage) PutObject(_ context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, _ string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir failed: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("create object failed: %w", err)
	}
	defer os.Remove(tmp.Name())
	src := reader
	if sizeBytes >= 0 {
		src = io.LimitReader(reader, sizeBytes)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write object failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write object failed: %w", err)
	}
	return os.Rename(tmp.Name(), p)
}

func localError(err error, bucket, objectKey string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return appErr.Wrapf(err, appErr.NotFound, "object %s/%s not found", bucket, objectKey).
			WithDetail("bucket", bucket).
			WithDetail("key", objectKey)
	}
	return fmt.Errorf("open object failed: %w", err)
}
