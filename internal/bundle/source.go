// Package bundle fetches agent bundles from where they are published, checks
// them against their expected sha256 and keeps verified copies on local disk.
package bundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentarena/internal/common/storage"
	appErr "agentarena/pkg/errors"
)

// MetadataSHA256 is the object metadata key a publisher may set to the
// bundle's hex sha256.
const MetadataSHA256 = "sha256"

// Source opens the raw bytes of a bundle. Size is -1 when unknown. hash is
// the sha256 the source advertises, or "".
type Source interface {
	Open(ctx context.Context, key string) (body io.ReadCloser, size int64, hash string, err error)
}

// Prober checks that a bundle is still published without downloading it.
// A withdrawn bundle yields BundleNotFound or BundleGone.
type Prober interface {
	Probe(ctx context.Context, key string) error
}

// ObjectSource reads bundles from a bucket of the object store.
type ObjectSource struct {
	store  storage.ObjectStorage
	bucket string
}

func NewObjectSource(store storage.ObjectStorage, bucket string) *ObjectSource {
	return &ObjectSource{store: store, bucket: bucket}
}

func (s *ObjectSource) Open(ctx context.Context, key string) (io.ReadCloser, int64, string, error) {
	stat, err := s.store.StatObject(ctx, s.bucket, key)
	if err != nil {
		return nil, 0, "", classifyStoreError(err, key)
	}
	body, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, 0, "", classifyStoreError(err, key)
	}
	return body, stat.SizeBytes, strings.ToLower(stat.Metadata[MetadataSHA256]), nil
}

func (s *ObjectSource) Probe(ctx context.Context, key string) error {
	if _, err := s.store.StatObject(ctx, s.bucket, key); err != nil {
		return classifyStoreError(err, key)
	}
	return nil
}

func classifyStoreError(err error, key string) error {
	if appErr.Is(err, appErr.NotFound) {
		return appErr.Wrapf(err, appErr.BundleNotFound, "bundle %s not found", key).WithDetail("key", key)
	}
	return appErr.Wrapf(err, appErr.BundleFetchFailed, "fetch bundle %s failed", key).WithDetail("key", key)
}

// HTTPSource downloads bundles from baseURL/<key>.
type HTTPSource struct {
	client  *http.Client
	baseURL string
	header  http.Header
}

func NewHTTPSource(baseURL string, timeout time.Duration, header http.Header) *HTTPSource {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSource{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
	}
}

func (s *HTTPSource) Open(ctx context.Context, key string) (io.ReadCloser, int64, string, error) {
	resp, err := s.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, 0, "", err
	}
	return resp.Body, resp.ContentLength, strings.ToLower(resp.Header.Get("X-Bundle-Sha256")), nil
}

func (s *HTTPSource) Probe(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodHead, key)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// do sends the request and classifies any status other than 200.
func (s *HTTPSource) do(ctx context.Context, method, key string) (*http.Response, error) {
	target := s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "build bundle request failed")
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BundleFetchFailed, "download bundle %s failed", key).WithDetail("key", key)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, appErr.Newf(appErr.BundleNotFound, "bundle %s not found", key).WithDetail("key", key)
	case resp.StatusCode == http.StatusGone:
		return nil, appErr.Newf(appErr.BundleGone, "bundle %s is gone", key).WithDetail("key", key)
	case resp.StatusCode >= 500:
		return nil, appErr.Newf(appErr.BundleFetchFailed, "bundle server returned %d", resp.StatusCode).
			WithDetail("key", key).
			WithDetail("status", resp.StatusCode)
	default:
		return nil, appErr.New(appErr.BundleBadStatus).
			WithMessage(fmt.Sprintf("bundle server returned %d for %s", resp.StatusCode, key)).
			WithDetail("key", key).
			WithDetail("status", resp.StatusCode)
	}
}
