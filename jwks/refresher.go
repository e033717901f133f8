package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
)

const (
	fetchTimeout   = 5 * time.Second
	maxRetryCount  = 30
	maxBackoffBase = 900 * time.Second
)

// FetchStats receives refresher outcomes for instrumentation. Implemented
// by metrics.Metrics; kept as a narrow interface here so jwks doesn't
// import the metrics package.
type FetchStats interface {
	FetchSucceeded(latency time.Duration)
	FetchFailed()
}

// SnapshotCache durably seeds and backs up the raw JWKS document, so a
// process restart doesn't have to serve NO_VALIDATORS to every request
// while the first background fetch is still in flight. Implemented by
// cache.Cache.
type SnapshotCache interface {
	Save(raw []byte) error
	Load() ([]byte, error)
}

// Refresher periodically fetches a JWKS document over HTTP and publishes
// parsed snapshots to a Store. Exactly one fetch is ever in flight; the
// timer and fetch-completion logic both run on the goroutine started by
// Start, so no locking is needed around the refresher's own state.
type Refresher struct {
	store    *Store
	client   *http.Client
	base     *url.URL
	path     string
	interval time.Duration
	log      *logrus.Entry
	stats    FetchStats
	cache    SnapshotCache
	rnd      *rand.Rand

	retryCount   int
	pendingDelay time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// RefresherOption configures optional Refresher collaborators.
type RefresherOption func(*Refresher)

// WithStats attaches a metrics sink.
func WithStats(s FetchStats) RefresherOption {
	return func(r *Refresher) { r.stats = s }
}

// WithCache attaches a durable snapshot cache.
func WithCache(c SnapshotCache) RefresherOption {
	return func(r *Refresher) { r.cache = c }
}

// WithLogger overrides the default logger.
func WithLogger(log *logrus.Entry) RefresherOption {
	return func(r *Refresher) { r.log = log }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// NewRefresher builds a Refresher that will fetch base+path on an
// interval-plus-jitter schedule once started.
func NewRefresher(store *Store, base *url.URL, path string, interval time.Duration, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:    store,
		client:   &http.Client{},
		base:     base,
		path:     path,
		interval: interval,
		log:      logrus.WithField("component", "jwks.refresher"),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start seeds the store from the cache (if any) and begins the fetch
// loop in a background goroutine. It returns immediately; the first
// fetch happens asynchronously, matching the "publish empty, trigger
// first fetch immediately" initialization rule.
func (r *Refresher) Start(ctx context.Context) {
	r.seedFromCache()
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(ctx)
}

// Stop cancels any in-flight fetch and waits for the refresher goroutine
// to exit. The refresher never publishes after Stop returns.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Refresher) seedFromCache() {
	if r.cache == nil {
		return
	}
	raw, err := r.cache.Load()
	if err != nil || len(raw) == 0 {
		return
	}
	keys, err := parseJWKSDocument(raw)
	if err != nil {
		r.log.WithError(err).Warn("jwks: ignoring unparsable cached snapshot")
		return
	}
	r.store.Publish(NewSnapshot(keys))
	r.log.WithField("keys", len(keys)).Info("jwks: seeded snapshot from cache")
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)
	r.fetch(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(r.pendingDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.fetch(ctx)
		}
	}
}

// fetch runs one fetch attempt, tagging the log lines it emits through
// its own entry with a fresh fetch_id so that attempt's lines can be told
// apart in aggregated log output. Every retry is a separate attempt with
// its own fetch_id, and the per-key import warnings logged by
// parseJWKSDocument carry no fetch_id.
func (r *Refresher) fetch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	entry := r.log.WithField("fetch_id", uuid.NewString())
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	start := time.Now()
	u := *r.base
	u.Path = r.path
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		r.onFailure(ctx, entry, err)
		return
	}
	req.Host = r.base.Host

	resp, err := r.client.Do(req)
	if err != nil {
		r.onFailure(ctx, entry, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.onFailure(ctx, entry, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.onFailure(ctx, entry, err)
		return
	}

	keys, err := parseJWKSDocument(body)
	if err != nil {
		r.onFailure(ctx, entry, err)
		return
	}

	if ctx.Err() != nil {
		// Cancelled while we were parsing: never publish after cancellation.
		return
	}

	r.store.Publish(NewSnapshot(keys))
	if r.cache != nil {
		if err := r.cache.Save(body); err != nil {
			entry.WithError(err).Warn("jwks: failed to persist snapshot cache")
		}
	}
	if r.stats != nil {
		r.stats.FetchSucceeded(time.Since(start))
	}
	entry.WithField("keys", len(keys)).Debug("jwks: published new snapshot")
	r.onSuccess()
}

func (r *Refresher) onSuccess() {
	r.retryCount = 0
	r.pendingDelay = r.jittered(r.interval)
}

func (r *Refresher) onFailure(ctx context.Context, entry *logrus.Entry, err error) {
	if ctx.Err() != nil {
		return
	}
	entry.WithError(err).Warn("jwks: refresh failed")
	if r.stats != nil {
		r.stats.FetchFailed()
	}
	if r.retryCount < maxRetryCount {
		r.retryCount++
		base := time.Duration(r.retryCount*r.retryCount) * time.Second
		if base > maxBackoffBase {
			base = maxBackoffBase
		}
		r.pendingDelay = r.jittered(base)
	} else {
		r.pendingDelay = r.jittered(r.interval)
	}
}

// jittered returns base + uniform_random(0, base), the schedule rule
// shared by the success and failure paths.
func (r *Refresher) jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(r.rnd.Int63n(int64(base)))
}

func parseJWKSDocument(raw []byte) ([]*jwt.PublicKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwks: invalid document: %w", err)
	}
	keys := make([]*jwt.PublicKey, 0, len(doc.Keys))
	for _, raw := range doc.Keys {
		pk, err := jwt.ImportJWK(raw)
		if err != nil {
			logrus.WithError(err).Warn("jwks: skipping key that failed to import")
			continue
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
