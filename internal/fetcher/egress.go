package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"
)

// DefaultIPEchoURL answers with the caller's public address as {"ip": "..."}.
const DefaultIPEchoURL = "https://jsonip.com/"

// Endpoint is one way out to the internet: a proxy (nil for a direct
// connection) and the public IP it was observed to use.
type Endpoint struct {
	Proxy *url.URL
	IP    string
}

// String describes the endpoint for logs.
func (e Endpoint) String() string {
	if e.Proxy == nil {
		return "direct"
	}
	return e.Proxy.Redacted()
}

// Egress is the process-wide view of the proxy pool: which proxy comes next
// and which public IPs are banned. It is safe for concurrent use and shared by
// every fetcher of a crawl.
type Egress struct {
	mu       sync.Mutex
	banned   map[string]struct{}
	next     colly.ProxyFunc
	proxies  int
	echoURL  string
	echoWait time.Duration
	logger   *zap.Logger
}

// EgressOption customizes an Egress.
type EgressOption func(*Egress)

// WithIPEchoURL sets the address used to discover an endpoint's public IP.
// An empty url disables the lookup.
func WithIPEchoURL(u string) EgressOption {
	return func(e *Egress) {
		if u != "" {
			e.echoURL = u
		}
	}
}

// WithEgressLogger sets the logger.
func WithEgressLogger(logger *zap.Logger) EgressOption {
	return func(e *Egress) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEgress builds the pool from proxy URLs. With no proxies every request
// goes out directly and nothing is ever banned.
func NewEgress(proxies []string, opts ...EgressOption) (*Egress, error) {
	e := &Egress{
		banned:   map[string]struct{}{},
		echoURL:  DefaultIPEchoURL,
		echoWait: 15 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(proxies) > 0 {
		next, err := proxy.RoundRobinProxySwitcher(proxies...)
		if err != nil {
			return nil, fmt.Errorf("build proxy switcher: %w", err)
		}
		e.next = next
		e.proxies = len(proxies)
	}
	return e, nil
}

// BehindProxy reports whether requests go through a proxy.
func (e *Egress) BehindProxy() bool {
	return e.next != nil
}

// Ban marks ip as unusable for the rest of the process.
func (e *Egress) Ban(ip string) {
	if ip == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.banned[ip]; !ok {
		e.logger.Info("banning egress ip", zap.String("ip", ip))
	}
	e.banned[ip] = struct{}{}
}

// Banned reports whether ip was banned.
func (e *Egress) Banned(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.banned[ip]
	return ok
}

// BannedIPs returns the banned addresses, sorted.
func (e *Egress) BannedIPs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.banned))
	for ip := range e.banned {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Acquire picks the next proxy whose public IP is not banned, checking at
// most maxRetries additional proxies. When every candidate is banned the last
// one is used anyway.
func (e *Egress) Acquire(ctx context.Context, maxRetries int) (Endpoint, error) {
	if !e.BehindProxy() {
		return Endpoint{}, nil
	}
	for try := 0; ; try++ {
		proxyURL, err := e.nextProxy(ctx)
		if err != nil {
			return Endpoint{}, err
		}
		endpoint := Endpoint{Proxy: proxyURL, IP: e.LookupIP(ctx, proxyURL)}
		if !e.Banned(endpoint.IP) {
			e.logger.Info("acquired egress", zap.Stringer("proxy", endpoint), zap.String("ip", endpoint.IP))
			return endpoint, nil
		}
		if try >= maxRetries {
			e.logger.Warn("exhausted ip rotation, proceeding with banned ip",
				zap.Stringer("proxy", endpoint), zap.String("ip", endpoint.IP))
			return endpoint, nil
		}
		if err := ctx.Err(); err != nil {
			return Endpoint{}, fmt.Errorf("acquire egress: %w", err)
		}
	}
}

func (e *Egress) nextProxy(ctx context.Context) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://egress.invalid/", nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy probe: %w", err)
	}
	u, err := e.next(req)
	if err != nil {
		return nil, fmt.Errorf("next proxy: %w", err)
	}
	return u, nil
}

// LookupIP resolves the public IP seen when going out through proxyURL. When
// the echo service cannot be reached the proxy host stands in for the IP.
func (e *Egress) LookupIP(ctx context.Context, proxyURL *url.URL) string {
	fallback := ""
	if proxyURL != nil {
		fallback = proxyURL.Hostname()
	}
	if e.echoURL == "" {
		return fallback
	}

	client := resty.New().SetTimeout(e.echoWait)
	if proxyURL != nil {
		client.SetProxy(proxyURL.String())
	}
	var body struct {
		IP string `json:"ip"`
	}
	res, err := client.R().SetContext(ctx).SetResult(&body).Get(e.echoURL)
	if err != nil || res.IsError() || body.IP == "" {
		e.logger.Warn("unable to determine public ip, using proxy host",
			zap.String("fallback", fallback), zap.Error(err))
		return fallback
	}
	return body.IP
}

// Proxies returns the size of the proxy pool.
func (e *Egress) Proxies() int {
	return e.proxies
}
