package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func direct(t *testing.T) *Egress {
	t.Helper()
	e, err := NewEgress(nil)
	require.NoError(t, err)
	return e
}

func newFetcher(t *testing.T, cfg Config, egress *Egress, s *sleeps) *Fetcher {
	t.Helper()
	if s == nil {
		s = &sleeps{}
	}
	f, err := New(cfg, egress, WithSleeper(s.sleep))
	require.NoError(t, err)
	return f
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "catalog-test", r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	f := newFetcher(t, Config{UserAgent: "catalog-test"}, direct(t), nil)
	resp, err := f.Get(context.Background(), srv.URL+"/page", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, srv.URL+"/page", resp.URL)
}

func TestFetchSendsRequestParts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		cookie, err := r.Cookie("session")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"q":      r.URL.Query().Get("q"),
			"field":  r.PostForm.Get("field"),
			"header": r.Header.Get("X-Trace"),
			"cookie": cookie.Value,
		})
	}))
	defer srv.Close()

	req := crawlstate.NewRequest(srv.URL, nil).
		WithMethod(http.MethodPost).
		WithParam("q", "drill").
		WithData("field", "value").
		WithHeader("X-Trace", "abc")
	req.Cookies = map[string]string{"session": "s1"}

	f := newFetcher(t, Config{}, direct(t), nil)
	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, resp.JSON(&got))
	assert.Equal(t, map[string]string{
		"method": "POST",
		"q":      "drill",
		"field":  "value",
		"header": "abc",
		"cookie": "s1",
	}, got)
}

func TestFetchDontRetryStatusIsCritical(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{}, direct(t), nil)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsCritical(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesExceptedStatusWithBackoff(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s := &sleeps{}
	f := newFetcher(t, Config{DontRetryExceptions: []int{http.StatusServiceUnavailable}}, direct(t), s)
	resp, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, s.delays)
}

func TestFetchExhaustsAttemptsWithoutProxy(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{MaxAttempts: 3, DontRetryExceptions: []int{http.StatusTooManyRequests}}, direct(t), nil)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.False(t, IsCritical(err))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchRedirectLoopFailsFast(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{MaxRedirects: 3}, direct(t), nil)
	_, err := f.Get(context.Background(), srv.URL+"/loop", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRedirect)
	assert.False(t, IsCritical(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchUnfollowedRedirectStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{}, direct(t), nil)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRedirect)
	assert.Equal(t, http.StatusMultipleChoices, StatusCode(err))
}

func TestFetchStopsOnCanceledBackoff(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, err := New(Config{DontRetryExceptions: []int{http.StatusBadGateway}}, direct(t),
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))
	require.NoError(t, err)

	_, err = f.Get(ctx, srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

type countingPacer struct{ calls atomic.Int32 }

func (p *countingPacer) Wait(context.Context, string) error {
	p.calls.Add(1)
	return nil
}

func TestFetchUsesPacer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	pacer := &countingPacer{}
	f, err := New(Config{}, direct(t), WithPacer(pacer))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), pacer.calls.Load())
}

// proxyServer plays both the proxy and the origin behind it: it answers the
// IP echo with ip and every other request with status.
func proxyServer(t *testing.T, ip string, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "echo.test" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"ip":"`+ip+`"}`)
			return
		}
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, ip)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRotatesAwayFromBannedEgress(t *testing.T) {
	t.Parallel()
	var blockedHits, healthyHits atomic.Int32
	blocked := proxyServer(t, "10.0.0.1", http.StatusServiceUnavailable, &blockedHits)
	healthy := proxyServer(t, "10.0.0.2", http.StatusOK, &healthyHits)

	egress, err := NewEgress([]string{blocked.URL, healthy.URL}, WithIPEchoURL("http://echo.test/"))
	require.NoError(t, err)
	f := newFetcher(t, Config{
		MaxAttempts:         2,
		RotationRetries:     3,
		DontRetryExceptions: []int{http.StatusServiceUnavailable},
	}, egress, nil)

	resp, err := f.Get(context.Background(), "http://catalog.test/item/1", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", resp.Text())
	assert.Equal(t, "10.0.0.2", resp.EgressIP)
	assert.Equal(t, int32(2), blockedHits.Load())
	assert.Equal(t, int32(1), healthyHits.Load())
	assert.True(t, egress.Banned("10.0.0.1"))
	assert.False(t, egress.Banned("10.0.0.2"))
}

func TestFetchGivesUpAfterRotationRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	only := proxyServer(t, "10.0.0.9", http.StatusServiceUnavailable, &hits)

	egress, err := NewEgress([]string{only.URL}, WithIPEchoURL("http://echo.test/"))
	require.NoError(t, err)
	f := newFetcher(t, Config{
		MaxAttempts:          2,
		RotationRetries:      2,
		IPRotationMaxRetries: 1,
		DontRetryExceptions:  []int{http.StatusServiceUnavailable},
	}, egress, nil)

	_, err = f.Get(context.Background(), "http://catalog.test/item/2", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	// one initial pass plus two rotations, two attempts each
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, []string{"10.0.0.9"}, egress.BannedIPs())
}

func TestFetchCriticalStatusNeverRotates(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	p := proxyServer(t, "10.0.0.3", http.StatusForbidden, &hits)

	egress, err := NewEgress([]string{p.URL}, WithIPEchoURL("http://echo.test/"))
	require.NoError(t, err)
	f := newFetcher(t, Config{}, egress, nil)

	_, err = f.Get(context.Background(), "http://catalog.test/item/3", nil)
	require.Error(t, err)
	assert.True(t, IsCritical(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, egress.BannedIPs())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{DontRetryMin: 500, DontRetryMax: 400}, direct(t))
	require.Error(t, err)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 28*time.Second, b.Delay(10))
	assert.Equal(t, 31*time.Second, b.Delay(11))
	assert.Equal(t, 31*time.Second, b.Delay(50))
}
