package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxPerHost   = 3
	DefaultFetchTimeout = 10 * time.Second
	DefaultCacheTTL     = 180 * time.Second
	DefaultMaxBodyBytes = 5 << 20
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Options configures a Coordinator.
type Options struct {
	MaxPerHost   int
	Timeout      time.Duration
	Retry        RetryPolicy
	PerHostRPS   float64
	UserAgent    string
	MaxBodyBytes int64

	// Sleep replaces the backoff wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Client is used for direct egress. Defaults to a fresh http.Client.
	Client *http.Client
}

// Request describes one logical fetch; retries reuse it.
type Request struct {
	Method   string
	URL      string
	Headers  http.Header
	Body     []byte
	UseCache bool
}

// Response is a fully read HTTP response.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
	FromCache   bool
	CacheAge    time.Duration
	Attempts    int
	Proxy       string
}

// CoordinatorStats are cumulative counters.
type CoordinatorStats struct {
	Requests     int64 `json:"requests"`
	CacheHits    int64 `json:"cache_hits"`
	Attempts     int64 `json:"attempts"`
	Retries      int64 `json:"retries"`
	Failures     int64 `json:"failures"`
	DirectEgress int64 `json:"direct_egress"`
}

// Coordinator issues HTTP requests under per-host concurrency, timeout, retry,
// proxy rotation and response caching rules.
type Coordinator struct {
	opts    Options
	cache   *ResponseCache
	proxies *ProxyPool
	hosts   *HostLimiter
	direct  *http.Client
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger

	clientsMu sync.Mutex
	clients   map[string]*http.Client

	requests     atomic.Int64
	cacheHits    atomic.Int64
	attempts     atomic.Int64
	retries      atomic.Int64
	failures     atomic.Int64
	directEgress atomic.Int64
}

// NewCoordinator builds a coordinator. cache and proxies may be nil.
func NewCoordinator(opts Options, cache *ResponseCache, proxies *ProxyPool, logger zerolog.Logger) *Coordinator {
	if opts.MaxPerHost <= 0 {
		opts.MaxPerHost = DefaultMaxPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	opts.Retry = opts.Retry.withDefaults()

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	direct := opts.Client
	if direct == nil {
		direct = &http.Client{Transport: newHTTPTransport(nil)}
	}

	return &Coordinator{
		opts:    opts,
		cache:   cache,
		proxies: proxies,
		hosts:   NewHostLimiter(opts.MaxPerHost, opts.PerHostRPS),
		direct:  direct,
		sleep:   sleep,
		logger:  logger.With().Str("component", "coordinator").Logger(),
		clients: make(map[string]*http.Client),
	}
}

// Cache exposes the response cache (may be nil).
func (c *Coordinator) Cache() *ResponseCache {
	return c.cache
}

// Proxies exposes the proxy pool (may be nil).
func (c *Coordinator) Proxies() *ProxyPool {
	return c.proxies
}

// Hosts exposes the per-host limiter.
func (c *Coordinator) Hosts() *HostLimiter {
	return c.hosts
}

// Get is a cached GET, the common case for source adapters.
func (c *Coordinator) Get(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	return c.Fetch(ctx, Request{Method: http.MethodGet, URL: rawURL, Headers: headers, UseCache: true})
}

// Fetch performs req. It either returns a 2xx response or a *FetchError.
func (c *Coordinator) Fetch(ctx context.Context, req Request) (*Response, error) {
	c.requests.Add(1)

	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		c.failures.Add(1)
		if err == nil {
			err = eris.Errorf("url %q has no host", req.URL)
		}
		return nil, &FetchError{Kind: ErrInvalidRequest, URL: req.URL, Err: err}
	}

	useCache := c.cache != nil && req.UseCache && req.Method == http.MethodGet
	key := CacheKey(req.Method, req.URL)
	if useCache {
		if entry, ok := c.cache.Get(key); ok {
			c.cacheHits.Add(1)
			age := entry.Age(c.cache.now())
			c.logger.Debug().Str("url", req.URL).Dur("age", age).Msg("cache hit")
			return &Response{
				URL:         req.URL,
				Status:      entry.Status,
				ContentType: entry.ContentType,
				Header:      http.Header{"Content-Type": []string{entry.ContentType}},
				Body:        entry.Body,
				FromCache:   true,
				CacheAge:    age,
			}, nil
		}
		c.logger.Debug().Str("url", req.URL).Msg("cache miss")
	}

	attempts := c.opts.Retry.Attempts()
	var lastErr *FetchError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.opts.Retry.Delay(attempt - 1)
			c.retries.Add(1)
			c.logger.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Int("status", lastErr.Status).
				Str("kind", KindOf(lastErr)).
				Msg("retrying fetch")
			if err := c.sleep(ctx, delay); err != nil {
				c.failures.Add(1)
				return nil, contextFailure(req.URL, attempt, err)
			}
		}

		resp, ferr := c.attempt(ctx, target.Host, req)
		if ferr == nil {
			resp.Attempts = attempt + 1
			if useCache && Cacheable(req.Method, resp.Status, resp.ContentType) {
				c.cache.Put(key, CacheEntry{
					Body:        resp.Body,
					Status:      resp.Status,
					ContentType: resp.ContentType,
				})
			}
			return resp, nil
		}

		ferr.Attempts = attempt + 1
		lastErr = ferr
		if ctx.Err() != nil {
			c.failures.Add(1)
			return nil, contextFailure(req.URL, attempt+1, ctx.Err())
		}
		if !ferr.Retryable() {
			break
		}
	}

	c.failures.Add(1)
	return nil, lastErr
}

// attempt performs a single try holding one host slot.
func (c *Coordinator) attempt(ctx context.Context, host string, req Request) (*Response, *FetchError) {
	release, err := c.hosts.Acquire(ctx, host)
	if err != nil {
		return nil, contextFailure(req.URL, 0, err)
	}
	defer release()
	c.attempts.Add(1)

	client := c.direct
	proxyAddr := ""
	if c.proxies != nil {
		if rec, ok := c.proxies.Select(); ok {
			proxyAddr = rec.Address
			client = c.clientFor(proxyAddr)
		}
	}
	if proxyAddr == "" {
		c.directEgress.Add(1)
		if c.proxies != nil && c.proxies.Stats().Total > 0 {
			c.logger.Debug().Err(ErrProxyExhausted).Str("url", req.URL).Msg("falling back to direct egress")
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &FetchError{Kind: ErrInvalidRequest, URL: req.URL, Err: err}
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		ferr := transportFailure(req.URL, err)
		c.report(proxyAddr, outcomeFor(ferr))
		return nil, ferr
	}
	defer httpResp.Body.Close()

	// 多读一个字节用来判断是否超出上限
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		ferr := transportFailure(req.URL, err)
		c.report(proxyAddr, outcomeFor(ferr))
		return nil, ferr
	}

	status := httpResp.StatusCode
	switch {
	case status >= 200 && status < 300:
		c.report(proxyAddr, OutcomeSuccess)
		if int64(len(data)) > c.opts.MaxBodyBytes {
			c.logger.Warn().Str("url", req.URL).Int64("limit", c.opts.MaxBodyBytes).Msg("response body over limit, discarded")
			return nil, &FetchError{
				Kind:   ErrInvalidRequest,
				URL:    req.URL,
				Status: status,
				Err:    eris.Errorf("response body exceeds %d bytes", c.opts.MaxBodyBytes),
			}
		}
		return &Response{
			URL:         req.URL,
			Status:      status,
			ContentType: httpResp.Header.Get("Content-Type"),
			Header:      httpResp.Header.Clone(),
			Body:        data,
			Proxy:       proxyAddr,
		}, nil
	case IsRetryableStatus(status):
		ferr := &FetchError{Kind: ErrRetryableStatus, URL: req.URL, Status: status}
		c.report(proxyAddr, outcomeFor(ferr))
		return nil, ferr
	default:
		// 目标站点的 4xx 不代表代理故障，403 除外
		if status == http.StatusForbidden {
			c.report(proxyAddr, OutcomeFailure)
		} else {
			c.report(proxyAddr, OutcomeSuccess)
		}
		return nil, &FetchError{Kind: ErrTerminalStatus, URL: req.URL, Status: status}
	}
}

func (c *Coordinator) report(proxyAddr string, outcome Outcome) {
	if proxyAddr == "" || c.proxies == nil {
		return
	}
	c.proxies.ReportOutcome(proxyAddr, outcome)
}

func (c *Coordinator) clientFor(proxyAddr string) *http.Client {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	if client, ok := c.clients[proxyAddr]; ok {
		return client
	}
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return c.direct
	}
	client := &http.Client{Transport: newHTTPTransport(proxyURL)}
	c.clients[proxyAddr] = client
	return client
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Requests:     c.requests.Load(),
		CacheHits:    c.cacheHits.Load(),
		Attempts:     c.attempts.Load(),
		Retries:      c.retries.Load(),
		Failures:     c.failures.Load(),
		DirectEgress: c.directEgress.Load(),
	}
}

func newHTTPTransport(proxyURL *url.URL) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: DefaultMaxPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}

func outcomeFor(err *FetchError) Outcome {
	switch {
	case err.Kind == ErrNetworkTimeout || err.Status == http.StatusRequestTimeout:
		return OutcomeTimeout
	case err.Status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	default:
		return OutcomeFailure
	}
}

func transportFailure(rawURL string, err error) *FetchError {
	if isTimeout(err) {
		return &FetchError{Kind: ErrNetworkTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: ErrNetwork, URL: rawURL, Err: err}
}

func contextFailure(rawURL string, attempts int, err error) *FetchError {
	kind := ErrNetwork
	if eris.Is(err, context.DeadlineExceeded) {
		kind = ErrNetworkTimeout
	}
	return &FetchError{Kind: kind, URL: rawURL, Attempts: attempts, Err: err}
}
