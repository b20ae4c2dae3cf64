// Package feeds fetches registered RSS and Atom sources and records new items.
package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/metrics"
	"github.com/joelklabo/autoblog/internal/proxy"
)

const (
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 30 * time.Second
	// MaxBodyBytes caps how much of a feed body is read.
	MaxBodyBytes = 4 << 20

	defaultUserAgent = "autoblog/1.0 (+feed reader)"
)

// Options configures an Ingestor.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Ingestor fetches sources through the current proxy policy. Fetches of the
// same source never overlap.
type Ingestor struct {
	store     core.Store
	proxies   *proxy.Holder
	timeout   time.Duration
	userAgent string
	log       *slog.Logger
	now       func() time.Time

	locks core.KeyedMutex
	regMu sync.Mutex
}

func New(st core.Store, proxies *proxy.Holder, opts Options) *Ingestor {
	in := &Ingestor{
		store:     st,
		proxies:   proxies,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if in.proxies == nil {
		in.proxies = proxy.NewHolder(proxy.Policy{})
	}
	if in.timeout <= 0 {
		in.timeout = DefaultTimeout
	}
	if in.userAgent == "" {
		in.userAgent = defaultUserAgent
	}
	if in.log == nil {
		in.log = slog.Default()
	}
	if in.now == nil {
		in.now = func() time.Time { return time.Now().UTC() }
	}
	return in
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("feed url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("feed url %q: host required", raw)
	}
	return u.String(), nil
}

// Register creates a source for rawURL. When the URL is already registered the
// existing source is returned with created=false.
func (in *Ingestor) Register(ctx context.Context, rawURL, name string) (src core.FeedSource, created bool, err error) {
	if err := ctx.Err(); err != nil {
		return core.FeedSource{}, false, err
	}
	u, err := ValidateURL(rawURL)
	if err != nil {
		return core.FeedSource{}, false, err
	}
	in.regMu.Lock()
	defer in.regMu.Unlock()

	existing, err := in.store.ListFeedSources()
	if err != nil {
		return core.FeedSource{}, false, fmt.Errorf("list sources: %v: %w", err, core.ErrPersistence)
	}
	for _, s := range existing {
		if s.URL == u {
			return s, false, nil
		}
	}
	src = core.FeedSource{
		ID:        uuid.NewString(),
		URL:       u,
		Name:      strings.TrimSpace(name),
		CreatedAt: in.now(),
	}
	if err := in.store.SaveFeedSource(src); err != nil {
		return core.FeedSource{}, false, fmt.Errorf("save source: %v: %w", err, core.ErrPersistence)
	}
	in.log.Info("feed registered", slog.String("id", src.ID), slog.String("url", src.URL))
	return src, true, nil
}

// FetchByID loads the source and fetches it.
func (in *Ingestor) FetchByID(ctx context.Context, id string) ([]core.FeedItem, error) {
	src, ok, err := in.store.FeedSource(id)
	if err != nil {
		return nil, fmt.Errorf("load source: %v: %w", err, core.ErrPersistence)
	}
	if !ok {
		return nil, fmt.Errorf("feed source %s: %w", id, core.ErrNotFound)
	}
	return in.Fetch(ctx, src)
}

// Fetch retrieves src and returns only the items not seen before. Each new
// item is recorded before it is returned. On fetch or parse failure nothing
// is recorded and the source state stays as it was.
func (in *Ingestor) Fetch(ctx context.Context, src core.FeedSource) ([]core.FeedItem, error) {
	unlock := in.locks.Lock(src.ID)
	defer unlock()

	// Reload under the lock so ETag and checksum reflect the previous fetch.
	cur, ok, err := in.store.FeedSource(src.ID)
	if err != nil {
		return nil, fmt.Errorf("load source: %v: %w", err, core.ErrPersistence)
	}
	if !ok {
		return nil, fmt.Errorf("feed source %s: %w", src.ID, core.ErrNotFound)
	}
	log := in.log.With(slog.String("source", cur.ID), slog.String("url", cur.URL))

	body, etag, notModified, err := in.get(ctx, cur)
	if err != nil {
		metrics.IncFeedFetch("error")
		log.Warn("feed fetch failed", slog.String("err", err.Error()))
		return nil, err
	}
	if notModified {
		metrics.IncFeedFetch("not_modified")
		cur.LastFetchedAt = in.now()
		return nil, in.saveState(cur)
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	if checksum == cur.Checksum {
		metrics.IncFeedFetch("unchanged")
		cur.LastFetchedAt = in.now()
		if etag != "" {
			cur.ETag = etag
		}
		return nil, in.saveState(cur)
	}

	items, err := Parse(cur.ID, body)
	if err != nil {
		metrics.IncFeedFetch("error")
		log.Warn("feed parse failed", slog.String("err", err.Error()))
		return nil, err
	}

	var fresh []core.FeedItem
	for _, it := range items {
		inserted, err := in.store.InsertFeedItem(it)
		if err != nil {
			return fresh, fmt.Errorf("record item %s: %v: %w", it.GUID, err, core.ErrPersistence)
		}
		if inserted {
			fresh = append(fresh, it)
		}
	}

	cur.LastFetchedAt = in.now()
	cur.ETag = etag
	cur.Checksum = checksum
	if err := in.saveState(cur); err != nil {
		return fresh, err
	}
	metrics.IncFeedFetch("ok")
	metrics.AddFeedItems(len(fresh))
	log.Info("feed fetched", slog.Int("items", len(items)), slog.Int("new", len(fresh)))
	return fresh, nil
}

func (in *Ingestor) saveState(src core.FeedSource) error {
	if err := in.store.SaveFeedSource(src); err != nil {
		return fmt.Errorf("save source state: %v: %w", err, core.ErrPersistence)
	}
	return nil
}

func (in *Ingestor) get(ctx context.Context, src core.FeedSource) (body []byte, etag string, notModified bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("build request: %v: %w", err, core.ErrFeedFetch)
	}
	req.Header.Set("User-Agent", in.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}

	client := proxy.NewClient(in.proxies.Get(), in.timeout)
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", false, fmt.Errorf("fetch %s: timed out after %s: %w", src.URL, in.timeout, core.ErrFeedFetch)
		}
		return nil, "", false, fmt.Errorf("fetch %s: %v: %w", src.URL, err, core.ErrFeedFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", false, fmt.Errorf("fetch %s: status %d: %w", src.URL, resp.StatusCode, core.ErrFeedFetch)
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, "", false, fmt.Errorf("read %s: %v: %w", src.URL, err, core.ErrFeedFetch)
	}
	return body, resp.Header.Get("ETag"), false, nil
}
