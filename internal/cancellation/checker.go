// Package cancellation decides whether a match should stop before it spends
// more sandbox time. The match manager polls a checker at coarse boundaries.
package cancellation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentarena/internal/bundle"
	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"
)

const defaultKeyPrefix = "arena:cancel:"

// KeyReader is the part of the redis cache the key checker needs.
type KeyReader interface {
	Get(ctx context.Context, key string) (string, error)
}

// KeyChecker treats a match as cancelled while the key <prefix><matchID>
// exists. The key's value is the reason.
type KeyChecker struct {
	cache  KeyReader
	prefix string
}

func NewKeyChecker(cache KeyReader, prefix string) *KeyChecker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &KeyChecker{cache: cache, prefix: prefix}
}

// Key returns the key that cancels matchID.
func (c *KeyChecker) Key(matchID string) string {
	return c.prefix + matchID
}

func (c *KeyChecker) IsCancelled(ctx context.Context, matchID string) (bool, string, error) {
	reason, err := c.cache.Get(ctx, c.Key(matchID))
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read cancellation key failed")
	}
	if reason == "" {
		return false, "", nil
	}
	return true, reason, nil
}

// HTTPChecker asks an endpoint about each match: GET <baseURL>/<matchID>
// answering {"cancelled": bool, "reason": string}. 404 means not cancelled.
type HTTPChecker struct {
	client  *http.Client
	baseURL string
}

type httpVerdict struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason"`
}

func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *HTTPChecker) IsCancelled(ctx context.Context, matchID string) (bool, string, error) {
	target := c.baseURL + "/" + url.PathEscape(matchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.InvalidParams, "build cancellation request failed")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.ServiceUnavailable, "cancellation check failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", appErr.Newf(appErr.ServiceUnavailable, "cancellation check returned %d", resp.StatusCode)
	}
	var v httpVerdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&v); err != nil {
		return false, "", appErr.Wrapf(err, appErr.ServiceUnavailable, "decode cancellation verdict failed")
	}
	return v.Cancelled, v.Reason, nil
}

// BundleChecker cancels a match once any of its agents' bundles has been
// withdrawn, since the result could no longer be attributed to live code.
type BundleChecker struct {
	prober bundle.Prober
	keys   []string
}

func NewBundleChecker(prober bundle.Prober, refs []bundle.Ref) *BundleChecker {
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, r.Key)
	}
	return &BundleChecker{prober: prober, keys: keys}
}

func (c *BundleChecker) IsCancelled(ctx context.Context, _ string) (bool, string, error) {
	for _, key := range c.keys {
		err := c.prober.Probe(ctx, key)
		switch {
		case err == nil:
		case appErr.Is(err, appErr.BundleNotFound), appErr.Is(err, appErr.BundleGone):
			return true, fmt.Sprintf("bundle %s no longer exists", key), nil
		default:
			return false, "", err
		}
	}
	return false, "", nil
}

// Chain reports the first cancellation any of its checkers finds. A checker
// error stops the scan and is returned.
type Chain []match.CancellationChecker

func (c Chain) IsCancelled(ctx context.Context, matchID string) (bool, string, error) {
	for _, checker := range c {
		if checker == nil {
			continue
		}
		cancelled, reason, err := checker.IsCancelled(ctx, matchID)
		if err != nil || cancelled {
			return cancelled, reason, err
		}
	}
	return false, "", nil
}
