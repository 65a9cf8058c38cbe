// Package fetcher performs HTTP requests for the crawl with bounded retries,
// status classification and proxy rotation away from banned IPs.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultTimeout              = 61 * time.Second
	DefaultMaxAttempts          = 10
	DefaultMaxRedirects         = 10
	DefaultRotationRetries      = 10
	DefaultIPRotationMaxRetries = 10
	DefaultDontRetryMin         = 400
	DefaultDontRetryMax         = 599
)

// Config controls the retry and rotation budget.
type Config struct {
	Timeout      time.Duration
	MaxAttempts  int
	MaxRedirects int
	Backoff      Backoff
	// Statuses in [DontRetryMin, DontRetryMax] fail at once unless listed
	// in DontRetryExceptions.
	DontRetryMin        int
	DontRetryMax        int
	DontRetryExceptions []int
	UserAgent           string
	CloudflareBypass    bool
	// RotationRetries is how many times a request is repeated on a fresh
	// egress once its attempts are exhausted behind a proxy.
	RotationRetries      int
	IPRotationMaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff
	}
	if c.DontRetryMin == 0 && c.DontRetryMax == 0 {
		c.DontRetryMin, c.DontRetryMax = DefaultDontRetryMin, DefaultDontRetryMax
	}
	if c.RotationRetries < 0 {
		c.RotationRetries = 0
	}
	if c.IPRotationMaxRetries <= 0 {
		c.IPRotationMaxRetries = DefaultIPRotationMaxRetries
	}
	return c
}

// Pacer delays requests to a host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher is safe for concurrent use. All callers share one egress session;
// a rotation triggered by one request moves every later request to the new
// endpoint.
type Fetcher struct {
	cfg       Config
	dontRetry map[int]struct{}
	egress    *Egress
	pacer     Pacer
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	endpoint Endpoint
	client   *resty.Client
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithPacer rate-limits every outgoing request.
func WithPacer(p Pacer) Option {
	return func(f *Fetcher) { f.pacer = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) {
		if fn != nil {
			f.sleep = fn
		}
	}
}

// New builds a Fetcher going out through egress.
func New(cfg Config, egress *Egress, opts ...Option) (*Fetcher, error) {
	if egress == nil {
		return nil, fmt.Errorf("egress is required")
	}
	cfg = cfg.withDefaults()
	if cfg.DontRetryMin > cfg.DontRetryMax {
		return nil, fmt.Errorf("dont-retry range [%d, %d] is empty", cfg.DontRetryMin, cfg.DontRetryMax)
	}
	if cfg.RotationRetries == 0 {
		cfg.RotationRetries = DefaultRotationRetries
	}

	f := &Fetcher{
		cfg:       cfg,
		dontRetry: map[int]struct{}{},
		egress:    egress,
		sleep:     sleepWithContext,
		logger:    zap.NewNop(),
	}
	for code := cfg.DontRetryMin; code <= cfg.DontRetryMax; code++ {
		f.dontRetry[code] = struct{}{}
	}
	for _, code := range cfg.DontRetryExceptions {
		delete(f.dontRetry, code)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Get fetches rawURL with optional headers.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	req := crawlstate.NewRequest(rawURL, nil)
	for k, v := range headers {
		req = req.WithHeader(k, v)
	}
	return f.Fetch(ctx, req)
}

// Post submits form data to rawURL.
func (f *Fetcher) Post(ctx context.Context, rawURL string, headers map[string]string, data []crawlstate.Param) (*Response, error) {
	req := crawlstate.NewRequest(rawURL, nil).WithMethod(http.MethodPost)
	for k, v := range headers {
		req = req.WithHeader(k, v)
	}
	for _, p := range data {
		req = req.WithData(p.Key, p.Value)
	}
	return f.Fetch(ctx, req)
}

// Fetch executes req. Transient failures are retried with backoff; once the
// attempts run out behind a proxy, the egress IP is banned and the request
// is repeated on a fresh one, up to RotationRetries times.
func (f *Fetcher) Fetch(ctx context.Context, req crawlstate.Request) (*Response, error) {
	sess, err := f.current(ctx)
	if err != nil {
		return nil, err
	}

	for rotation := 0; ; rotation++ {
		resp, err := f.attempts(ctx, sess, req)
		if err == nil {
			metrics.ObserveFetch(req.URL, "ok")
			return resp, nil
		}
		var fe *FetchError
		if !errors.As(err, &fe) || fe.Critical || errors.Is(err, ErrRedirect) {
			metrics.ObserveFetch(req.URL, outcomeOf(err))
			return nil, err
		}
		if !f.egress.BehindProxy() {
			metrics.ObserveFetch(req.URL, "exhausted")
			return nil, exhausted(req, fe)
		}

		f.egress.Ban(sess.endpoint.IP)
		metrics.ObserveBan()
		if rotation >= f.cfg.RotationRetries {
			f.logger.Warn("rotation retries exhausted, giving up",
				zap.String("url", req.URL), zap.Int("rotations", rotation))
			metrics.ObserveFetch(req.URL, "exhausted")
			return nil, exhausted(req, fe)
		}
		f.logger.Info("request failed, rotating egress to rule out ip blocking",
			zap.String("url", req.URL),
			zap.Int("status", fe.StatusCode),
			zap.String("ip", sess.endpoint.IP))
		if sess, err = f.rotate(ctx, sess); err != nil {
			return nil, err
		}
	}
}

func exhausted(req crawlstate.Request, last *FetchError) error {
	return &FetchError{
		Request:    req,
		Response:   last.Response,
		StatusCode: last.StatusCode,
		Message:    "retries exhausted",
		Err:        fmt.Errorf("%w: %w", ErrRetriesExhausted, last),
	}
}

func outcomeOf(err error) string {
	switch {
	case IsCritical(err):
		return "critical"
	case errors.Is(err, ErrRedirect):
		return "redirect"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// attempts runs the bounded retry loop on one session.
func (f *Fetcher) attempts(ctx context.Context, sess *session, req crawlstate.Request) (*Response, error) {
	var last error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		resp, retry, err := f.do(ctx, sess, req)
		if err == nil {
			return resp, nil
		}
		if !retry {
			return nil, err
		}
		last = err
		if attempt == f.cfg.MaxAttempts {
			break
		}
		delay := f.cfg.Backoff.Delay(attempt)
		metrics.ObserveRetry(req.URL)
		f.logger.Warn("retrying request",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, last
}

// do sends req once and classifies the outcome. The boolean reports whether
// a failure is worth retrying.
func (f *Fetcher) do(ctx context.Context, sess *session, req crawlstate.Request) (*Response, bool, error) {
	r := sess.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if len(req.Params) > 0 {
		r.SetQueryParamsFromValues(toValues(req.Params))
	}
	if len(req.Data) > 0 {
		r.SetFormDataFromValues(toValues(req.Data))
	}
	if req.JSON != "" {
		r.SetHeader("Content-Type", "application/json").SetBody([]byte(req.JSON))
	}
	for name, value := range req.Cookies {
		r.SetCookie(&http.Cookie{Name: name, Value: value})
	}

	res, err := r.Execute(methodOf(req), req.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
		}
		if errors.Is(err, ErrRedirect) {
			return nil, false, &FetchError{Request: req, Message: "failed to follow redirects", Err: err}
		}
		return nil, isConnError(err), &FetchError{Request: req, Message: "request failed", Err: err}
	}

	resp := &Response{
		Request:    req,
		URL:        req.URL,
		StatusCode: res.StatusCode(),
		Header:     res.Header(),
		Body:       res.Body(),
		Duration:   res.Time(),
		EgressIP:   sess.endpoint.IP,
	}
	if raw := res.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		resp.URL = raw.Request.URL.String()
	}

	code := resp.StatusCode
	switch {
	case f.isDontRetry(code):
		return nil, false, &FetchError{
			Request:    req,
			Response:   resp,
			StatusCode: code,
			Message:    fmt.Sprintf("response status %d should fail immediately", code),
			Critical:   true,
		}
	case code >= http.StatusBadRequest:
		return nil, true, &FetchError{
			Request:    req,
			Response:   resp,
			StatusCode: code,
			Message:    "response received with error status",
		}
	case code >= http.StatusMultipleChoices:
		return nil, false, &FetchError{
			Request:    req,
			Response:   resp,
			StatusCode: code,
			Message:    "failed to follow redirects",
			Err:        ErrRedirect,
		}
	default:
		return resp, false, nil
	}
}

func (f *Fetcher) isDontRetry(code int) bool {
	_, ok := f.dontRetry[code]
	return ok
}

// isConnError reports transport-level failures (dial, reset, timeout) that
// a retry may cure.
func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Op != "parse"
}

func toValues(params []crawlstate.Param) url.Values {
	values := url.Values{}
	for _, p := range params {
		values.Add(p.Key, p.Value)
	}
	return values
}

// current returns the shared session, creating it on first use.
func (f *Fetcher) current(ctx context.Context) (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil {
		return f.session, nil
	}
	endpoint, err := f.egress.Acquire(ctx, f.cfg.IPRotationMaxRetries)
	if err != nil {
		return nil, err
	}
	f.session = f.newSession(endpoint)
	return f.session, nil
}

// rotate replaces stale with a session on a fresh endpoint. If another
// request already rotated away from stale, its replacement is reused.
func (f *Fetcher) rotate(ctx context.Context, stale *session) (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil && f.session != stale {
		return f.session, nil
	}
	endpoint, err := f.egress.Acquire(ctx, f.cfg.IPRotationMaxRetries)
	if err != nil {
		return nil, err
	}
	metrics.ObserveRotation()
	f.session = f.newSession(endpoint)
	return f.session, nil
}

func (f *Fetcher) newSession(endpoint Endpoint) *session {
	client := resty.New().
		SetTransport(newHTTPTransport()).
		SetTimeout(f.cfg.Timeout).
		SetRedirectPolicy(maxRedirects(f.cfg.MaxRedirects))
	if f.cfg.UserAgent != "" {
		client.SetHeader("User-Agent", f.cfg.UserAgent)
	}
	if endpoint.Proxy != nil {
		client.SetProxy(endpoint.Proxy.String())
	}
	if f.cfg.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	if f.pacer != nil {
		client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return f.pacer.Wait(r.Context(), r.URL)
		})
	}
	return &session{endpoint: endpoint, client: client}
}

func maxRedirects(n int) resty.RedirectPolicy {
	return resty.RedirectPolicyFunc(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= n {
			return fmt.Errorf("%w: stopped after %d redirects", ErrRedirect, n)
		}
		return nil
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
