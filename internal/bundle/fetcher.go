package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/backoff"
	"agentarena/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/syncx"
	"go.uber.org/zap"
)

const bundleExt = ".bundle"

// Ref identifies the bundle of one agent. SHA256 is optional; when set the
// downloaded bytes must match it.
type Ref struct {
	Key    string `json:"bundleKey"`
	SHA256 string `json:"bundleHash,omitempty"`
}

// Bundle is a verified bundle on local disk, named by its content hash.
type Bundle struct {
	Path   string
	Size   int64
	SHA256 string
}

// Open opens the bundle for reading.
func (b *Bundle) Open() (*os.File, error) {
	return os.Open(b.Path)
}

// FetchConfig bounds bundle downloads.
type FetchConfig struct {
	CacheDir  string        `yaml:"cacheDir"`
	MaxSize   int64         `yaml:"maxSize"`
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`
}

func (c *FetchConfig) setDefaults() {
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "arena-bundles")
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 512 << 20
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Fetcher downloads bundles from a Source into a content-addressed cache
// directory. Concurrent fetches of the same bundle share one download.
type Fetcher struct {
	source Source
	cfg    FetchConfig
	group  syncx.SingleFlight
}

func NewFetcher(source Source, cfg FetchConfig) (*Fetcher, error) {
	if source == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("bundle source is required")
	}
	cfg.setDefaults()
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create bundle cache dir failed")
	}
	return &Fetcher{source: source, cfg: cfg, group: syncx.NewSingleFlight()}, nil
}

// Fetch returns a local verified copy of the bundle. A bundle whose expected
// hash is already cached is not downloaded again.
// TODO: evict cached bundles that have not been used for a while.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref) (*Bundle, error) {
	if ref.Key == "" {
		return nil, appErr.ValidationError("bundleKey", "required")
	}
	want := strings.ToLower(ref.SHA256)
	if want != "" {
		if b, ok := f.cached(want); ok {
			return b, nil
		}
	}
	v, err := f.group.Do(ref.Key+"@"+want, func() (any, error) {
		return f.download(ctx, ref.Key, want)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

func (f *Fetcher) cached(sum string) (*Bundle, bool) {
	path := filepath.Join(f.cfg.CacheDir, sum+bundleExt)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return &Bundle{Path: path, Size: info.Size(), SHA256: sum}, true
}

func (f *Fetcher) download(ctx context.Context, key, want string) (*Bundle, error) {
	var b *Bundle
	attempt := 0
	err := backoff.Retry(ctx, f.cfg.Attempts, f.cfg.BaseDelay, f.cfg.MaxDelay, retryable, func(ctx context.Context) error {
		attempt++
		var err error
		b, err = f.downloadOnce(ctx, key, want)
		if err != nil {
			logger.Warn(ctx, "bundle download failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, key, want string) (*Bundle, error) {
	body, size, advertised, err := f.source.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if size > f.cfg.MaxSize {
		return nil, tooLarge(key, size, f.cfg.MaxSize)
	}

	tmp, err := os.CreateTemp(f.cfg.CacheDir, ".fetch-*")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create bundle file failed")
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(body, f.cfg.MaxSize+1))
	closeErr := tmp.Close()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BundleFetchFailed, "download bundle %s failed", key).WithDetail("key", key)
	}
	if closeErr != nil {
		return nil, appErr.Wrapf(closeErr, appErr.InternalServerError, "write bundle file failed")
	}
	if n > f.cfg.MaxSize {
		return nil, tooLarge(key, n, f.cfg.MaxSize)
	}
	if size >= 0 && n != size {
		return nil, appErr.Newf(appErr.BundleFetchFailed, "bundle %s ended after %d of %d bytes", key, n, size).
			WithDetail("key", key)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	expected := want
	if expected == "" {
		expected = advertised
	}
	if expected != "" && sum != expected {
		return nil, appErr.Newf(appErr.BundleHashMismatch, "bundle %s has sha256 %s, expected %s", key, sum, expected).
			WithDetail("key", key).
			WithDetail("sha256", sum)
	}

	final := filepath.Join(f.cfg.CacheDir, sum+bundleExt)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "store bundle failed")
	}
	return &Bundle{Path: final, Size: n, SHA256: sum}, nil
}

func tooLarge(key string, size, limit int64) error {
	return appErr.Newf(appErr.BundleTooLarge, "bundle %s exceeds %d bytes", key, limit).
		WithDetail("key", key).
		WithDetail("size", size)
}

// retryable reports whether a fetch error may go away on its own.
func retryable(err error) bool {
	return appErr.Is(err, appErr.BundleFetchFailed)
}
