package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEgressDirectNeverLooksUp(t *testing.T) {
	t.Parallel()
	e, err := NewEgress(nil)
	require.NoError(t, err)
	assert.False(t, e.BehindProxy())

	endpoint, err := e.Acquire(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, endpoint.Proxy)
	assert.Equal(t, "direct", endpoint.String())
}

func TestEgressAcquireSkipsBannedIPs(t *testing.T) {
	t.Parallel()
	echo := func(ip string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"ip":"`+ip+`"}`)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	a, b := echo("1.1.1.1"), echo("2.2.2.2")

	e, err := NewEgress([]string{a.URL, b.URL}, WithIPEchoURL("http://echo.test/"))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Proxies())
	e.Ban("1.1.1.1")

	endpoint, err := e.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "2.2.2.2", endpoint.IP)
	assert.Equal(t, b.URL, endpoint.Proxy.String())
}

func TestEgressLookupFallsBackToProxyHost(t *testing.T) {
	t.Parallel()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	e, err := NewEgress([]string{broken.URL}, WithIPEchoURL("http://echo.test/"))
	require.NoError(t, err)
	u, err := url.Parse(broken.URL)
	require.NoError(t, err)
	assert.Equal(t, u.Hostname(), e.LookupIP(context.Background(), u))

	noEcho, err := NewEgress([]string{"http://proxy.example:8000"}, WithIPEchoURL(""))
	require.NoError(t, err)
	endpoint, err := noEcho.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "proxy.example", endpoint.IP)
}

func TestEgressBanIsConcurrencySafe(t *testing.T) {
	t.Parallel()
	e, err := NewEgress(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Ban([]string{"a", "b", "c"}[i%3])
			_ = e.Banned("a")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, e.BannedIPs())
	e.Ban("")
	assert.Len(t, e.BannedIPs(), 3)
}

func TestNewEgressRejectsBadProxy(t *testing.T) {
	t.Parallel()
	_, err := NewEgress([]string{"://bad"})
	require.Error(t, err)
}
