package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

func newMockStore(t *testing.T) (*StateStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStateStoreWithPool(mock, "", "zoro")
	require.NoError(t, err)
	return store, mock
}

func TestStateStoreSaveUpsertsDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	doc := []byte(`{"queue":[]}`)
	mock.ExpectExec("INSERT INTO crawl_state").
		WithArgs("zoro", doc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), doc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreLoadReturnsDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT document FROM crawl_state").
		WithArgs("zoro").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow([]byte(`{"streak":2}`)))

	data, err := store.Load(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"streak":2}`, string(data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreLoadMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT document FROM crawl_state").
		WithArgs("zoro").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, crawlstate.ErrNoState)
}

func TestStateStoreLoadWrapsQueryErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT document FROM crawl_state").
		WithArgs("zoro").
		WillReturnError(boom)

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, crawlstate.ErrNoState)
}

func TestStateStoreMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_state").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStateStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStateStoreWithPool(nil, "", "zoro")
	require.Error(t, err)
	_, err = NewStateStoreWithPool(mock, "bad-name;", "zoro")
	require.Error(t, err)
	_, err = NewStateStoreWithPool(mock, "", " ")
	require.Error(t, err)
}

func TestStateStoreRoundTripsThroughCrawlState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT document FROM crawl_state").
		WithArgs("zoro").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO crawl_state").
		WithArgs("zoro", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	state, err := crawlstate.Open(ctx, store)
	require.NoError(t, err)
	_, err = state.Push(ctx, crawlstate.Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, state.Save(ctx, true))
	require.NoError(t, mock.ExpectationsWereMet())
}
