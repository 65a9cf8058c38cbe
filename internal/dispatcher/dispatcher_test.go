package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

type recorder struct {
	mu        sync.Mutex
	processed []string
	state     *crawlstate.Store
	inflight  atomic.Int32
	peak      atomic.Int32
	fail      string
	failAll   bool
}

func (r *recorder) Process(ctx context.Context, req crawlstate.Request) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if r.failAll || req.URL == r.fail {
		return errors.New("fatal")
	}
	r.mu.Lock()
	r.processed = append(r.processed, req.URL)
	r.mu.Unlock()

	// category pages fan out to three products
	if req.ContextValue("kind") == "category" {
		for i := 0; i < 3; i++ {
			child := crawlstate.NewRequest(fmt.Sprintf("%s/p%d", req.URL, i), map[string]string{"kind": "product"})
			if _, err := r.state.Push(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

type flakyBackend struct {
	crawlstate.Backend
	failOn int32
	saves  atomic.Int32
}

func (b *flakyBackend) Save(ctx context.Context, data []byte) error {
	if b.saves.Add(1) == b.failOn {
		return errors.New("transient backend failure")
	}
	return b.Backend.Save(ctx, data)
}

func pendingURLs(s *crawlstate.Store) []string {
	var out []string
	for _, req := range s.Pending() {
		out = append(out, req.URL)
	}
	return out
}

func openState(t *testing.T, path string) *crawlstate.Store {
	t.Helper()
	b, err := crawlstate.NewFileBackend(path)
	require.NoError(t, err)
	s, err := crawlstate.Open(context.Background(), b)
	require.NoError(t, err)
	return s
}

func categorySeeds(n int) func(context.Context) ([]crawlstate.Request, error) {
	return func(context.Context) ([]crawlstate.Request, error) {
		var out []crawlstate.Request
		for i := 0; i < n; i++ {
			out = append(out, crawlstate.NewRequest(fmt.Sprintf("https://shop.test/c%d", i), map[string]string{"kind": "category"}))
		}
		return out, nil
	}
}

func TestRunDrainsStackWithinWorkerLimit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	state := openState(t, path)
	rec := &recorder{state: state}

	d := New(state, rec, categorySeeds(4), 3, nil)
	require.NoError(t, d.Run(context.Background()))

	assert.Len(t, rec.processed, 16)
	assert.LessOrEqual(t, rec.peak.Load(), int32(3))
	assert.Equal(t, 0, state.Len())

	reloaded := openState(t, path)
	assert.Equal(t, 0, reloaded.Len())
	assert.Equal(t, 1, reloaded.MiscValues()[SeededKey])
}

func TestRunDoesNotReseedFinishedCrawl(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	state := openState(t, path)
	rec := &recorder{state: state}
	require.NoError(t, New(state, rec, categorySeeds(1), 2, nil).Run(context.Background()))
	require.Len(t, rec.processed, 4)

	again := openState(t, path)
	rec2 := &recorder{state: again}
	called := false
	seeds := func(context.Context) ([]crawlstate.Request, error) {
		called = true
		return nil, nil
	}
	require.NoError(t, New(again, rec2, seeds, 2, nil).Run(context.Background()))
	assert.False(t, called)
	assert.Empty(t, rec2.processed)
}

func TestRunResumesPendingWithoutSeeding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	state := openState(t, filepath.Join(t.TempDir(), "state.json"))
	_, err := state.Push(ctx, crawlstate.NewRequest("https://shop.test/left-over", nil))
	require.NoError(t, err)

	rec := &recorder{state: state}
	seeds := func(context.Context) ([]crawlstate.Request, error) {
		t.Fatal("seeds must not be requested when requests are pending")
		return nil, nil
	}
	require.NoError(t, New(state, rec, seeds, 2, nil).Run(ctx))
	assert.Equal(t, []string{"https://shop.test/left-over"}, rec.processed)
}

func TestRunStopsOnFatalErrorAndRestoresBatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	state := openState(t, path)
	rec := &recorder{state: state, fail: "https://shop.test/c1"}

	err := New(state, rec, categorySeeds(2), 1, nil).Run(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "fatal")

	reloaded := openState(t, path)
	pending := reloaded.Pending()
	require.NotEmpty(t, pending)
	assert.Equal(t, "https://shop.test/c1", pending[len(pending)-1].URL)
}

func TestRunRestoresFailedBatchInPopOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	state := openState(t, path)
	rec := &recorder{state: state, failAll: true}

	err := New(state, rec, categorySeeds(3), 3, nil).Run(ctx)
	require.Error(t, err)
	assert.Empty(t, rec.processed)

	reloaded := openState(t, path)
	var popped []string
	for {
		req, ok, err := reloaded.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		popped = append(popped, req.URL)
	}
	assert.Equal(t, []string{"https://shop.test/c2", "https://shop.test/c1", "https://shop.test/c0"}, popped)
}

func TestRunKeepsRequestWhenPopSaveFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	setup := openState(t, path)
	for i := 0; i < 3; i++ {
		_, err := setup.Push(ctx, crawlstate.NewRequest(fmt.Sprintf("https://shop.test/p%d", i), nil))
		require.NoError(t, err)
	}
	require.NoError(t, setup.SetMisc(ctx, SeededKey, 1))
	require.NoError(t, setup.Save(ctx, true))

	file, err := crawlstate.NewFileBackend(path)
	require.NoError(t, err)
	flaky := &flakyBackend{Backend: file, failOn: 1}
	state, err := crawlstate.Open(ctx, flaky, crawlstate.WithMinInterval(0))
	require.NoError(t, err)
	rec := &recorder{state: state}

	err = New(state, rec, categorySeeds(1), 3, nil).Run(ctx)
	require.ErrorContains(t, err, "transient backend failure")
	assert.Empty(t, rec.processed)

	want := []string{"https://shop.test/p0", "https://shop.test/p1", "https://shop.test/p2"}
	assert.Equal(t, want, pendingURLs(state))
	assert.Equal(t, want, pendingURLs(openState(t, path)))
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()
	state := openState(t, filepath.Join(t.TempDir(), "state.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(state, &recorder{state: state}, categorySeeds(2), 2, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, state.Len())
}

func TestRunRequiresSeedSource(t *testing.T) {
	t.Parallel()
	state := openState(t, filepath.Join(t.TempDir(), "state.json"))
	err := New(state, &recorder{state: state}, nil, 1, nil).Run(context.Background())
	assert.Error(t, err)
}
