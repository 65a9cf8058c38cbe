package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

type fakeApp struct {
	runErr error
	ran    bool
	closed bool
}

func (f *fakeApp) Run(context.Context) error { f.ran = true; return f.runErr }
func (f *fakeApp) Close()                    { f.closed = true }
func (f *fakeApp) Logger() *zap.Logger       { return zap.NewNop() }

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
state:
  path: %s
  signal_file: %s
writer:
  path: %s
`, filepath.Join(dir, "state.json"), filepath.Join(dir, "trigger"), filepath.Join(dir, "data.xlsx"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dir
}

func stubFactories(t *testing.T, fake *fakeApp, buildErr error) {
	t.Helper()
	origApp, origLogger := newApp, newLogger
	t.Cleanup(func() {
		newApp, newLogger = origApp, origLogger
	})
	newLogger = func(bool) (*zap.Logger, error) { return zap.NewNop(), nil }
	newApp = func(context.Context, config.Config, *zap.Logger) (Runner, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		return fake, nil
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlRunsAndClosesApp(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	fake := &fakeApp{}
	stubFactories(t, fake, nil)

	_, err := execute(t, "crawl", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, fake.ran)
	assert.True(t, fake.closed)
}

func TestCrawlTreatsCancellationAsClean(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	fake := &fakeApp{runErr: fmt.Errorf("crawl interrupted: %w", context.Canceled)}
	stubFactories(t, fake, nil)

	_, err := execute(t, "crawl", "--config", cfgPath)
	require.NoError(t, err)
}

func TestCrawlPropagatesFailures(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	fake := &fakeApp{runErr: errors.New("duplicate cycle")}
	stubFactories(t, fake, nil)

	_, err := execute(t, "crawl", "--config", cfgPath)
	require.ErrorContains(t, err, "duplicate cycle")
	assert.True(t, fake.closed)
}

func TestCrawlReportsBuildFailure(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	stubFactories(t, nil, errors.New("no database"))

	_, err := execute(t, "crawl", "--config", cfgPath)
	require.ErrorContains(t, err, "no database")
}

func TestStateShowRendersTables(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	stubFactories(t, &fakeApp{}, errors.New("state commands must not build the app"))

	backend, err := crawlstate.NewFileBackend(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	ctx := context.Background()
	state, err := crawlstate.Open(ctx, backend)
	require.NoError(t, err)
	_, err = state.Push(ctx, crawlstate.NewRequest("https://www.zoro.com/drills/c/2/", map[string]string{"kind": "listing"}))
	require.NoError(t, err)
	_, err = state.IncrementVisited(ctx, "listing")
	require.NoError(t, err)
	require.NoError(t, state.SetMisc(ctx, "seeded", 1))
	require.NoError(t, state.Save(ctx, true))

	out, err := execute(t, "state", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "pending requests")
	assert.Contains(t, out, "misc.seeded")
	assert.Contains(t, out, "https://www.zoro.com/drills/c/2/")
	assert.Contains(t, out, "listing")
}

func TestStateCheckpointRaisesAndClearsSignal(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	stubFactories(t, &fakeApp{}, nil)
	trigger := filepath.Join(dir, "trigger")

	out, err := execute(t, "state", "checkpoint", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "created")
	assert.True(t, crawlstate.FileSignal{Path: trigger}.Present())

	_, err = execute(t, "state", "checkpoint", "--clear", "--config", cfgPath)
	require.NoError(t, err)
	assert.False(t, crawlstate.FileSignal{Path: trigger}.Present())
}

func TestBadConfigFails(t *testing.T) {
	stubFactories(t, &fakeApp{}, nil)

	_, err := execute(t, "state", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
