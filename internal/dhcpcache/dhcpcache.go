// Package dhcpcache memoizes HTTP query responses behind a fingerprint key,
// with per-entry TTL and single-flight de-duplication across concurrent
// callers.
package dhcpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"
)

// RequestSpec describes one HTTP call a query wants made. Headers are
// rendered values, keyed by header name; TTL of zero means the result must
// never be cached.
type RequestSpec struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
	TTL     time.Duration
}

// Fingerprint identifies a [RequestSpec] for caching purposes: the method,
// URL, body, and headers sorted by name, so that header order never affects
// cache identity.
type Fingerprint string

// fingerprintOf computes the fingerprint of spec.
func fingerprintOf(spec *RequestSpec) Fingerprint {
	h := sha256.New()

	fmt.Fprintf(h, "%s\n%s\n", spec.Method, spec.URL)

	names := make([]string, 0, len(spec.Headers))
	for name := range spec.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(h, "%s:%s\n", strings.ToLower(name), spec.Headers[name])
	}

	h.Write(spec.Body)

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Errors returned by [Cache.GetOrFetch].
const (
	// ErrRequest wraps failures building or sending the underlying HTTP
	// request.
	ErrRequest errors.Error = "request failed"

	// ErrStatus is returned when the response status is not 2xx.
	ErrStatus errors.Error = "non-2xx response"
)

// Doer performs HTTP requests. *http.Client satisfies this.
type Doer interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// Cache memoizes HTTP response bodies by request fingerprint. A zero Cache
// is not valid; use [New].
type Cache struct {
	logger *slog.Logger
	client Doer
	cache  gcache.Cache

	// pending holds the [RequestSpec] for a fingerprint currently being
	// resolved, so that [Cache.load] (which only receives the
	// fingerprint key) can reach the request to perform. Entries are
	// never removed: the map keeps one entry per distinct fingerprint ever
	// requested, so a query whose rendered URL, headers or body vary per
	// client adds an entry for every distinct rendering.
	pending sync.Map
}

// Config configures a [Cache].
type Config struct {
	// Logger is used to report load failures. It must not be nil.
	Logger *slog.Logger

	// Client performs the underlying HTTP calls. It must not be nil.
	Client Doer

	// Size is the maximum number of distinct fingerprints held at once.
	Size int
}

// New returns a new [Cache]. conf must not be nil.
func New(conf *Config) (c *Cache) {
	c = &Cache{
		logger: conf.Logger,
		client: conf.Client,
	}

	c.cache = gcache.
		New(conf.Size).
		LRU().
		LoaderExpireFunc(c.load).
		Build()

	return c
}

// load performs the HTTP call for key and is invoked by gcache at most once
// per key even under concurrent misses; gcache's loader builder provides
// the single-flight coordination. gcache treats a nil expiry as "never
// expires" rather than "do not cache", so callers with ttl==0 bypass the
// cache entirely in [Cache.GetOrFetch] instead of relying on this path.
func (c *Cache) load(key any) (value any, expire *time.Duration, err error) {
	fp, ok := key.(Fingerprint)
	if !ok {
		return nil, nil, fmt.Errorf("dhcpcache: unexpected key type %T", key)
	}

	val, ok := c.pending.Load(fp)
	if !ok {
		return nil, nil, fmt.Errorf("dhcpcache: no pending request for fingerprint %s", fp)
	}
	spec := val.(*RequestSpec)

	body, err := c.doRequest(spec)
	if err != nil {
		return nil, nil, err
	}

	ttl := spec.TTL

	return body, &ttl, nil
}

// doRequest performs the HTTP call described by spec and returns the
// response body, failing on network errors, non-2xx status, or body read
// errors.
func (c *Cache) doRequest(spec *RequestSpec) (body []byte, err error) {
	req, err := http.NewRequest(spec.Method, spec.URL, strings.NewReader(string(spec.Body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}

	for name, value := range spec.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrStatus, resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrRequest, err)
	}

	return body, nil
}

// GetOrFetch returns the cached body for spec's fingerprint if unexpired,
// otherwise performs the HTTP call, stores the result keyed by fingerprint
// (unless spec.TTL is zero), and returns it. Concurrent callers sharing a
// fingerprint and an unresolved miss observe one underlying call. A failed
// call is never cached.
func (c *Cache) GetOrFetch(ctx context.Context, spec *RequestSpec) (body []byte, err error) {
	if spec.TTL == 0 {
		return c.doRequest(spec)
	}

	fp := fingerprintOf(spec)
	c.pending.Store(fp, spec)

	val, err := c.cache.Get(fp)
	if err != nil {
		c.logger.DebugContext(ctx, "fetching", "url", spec.URL, slogutil.KeyError, err)

		return nil, err
	}

	return val.([]byte), nil
}
