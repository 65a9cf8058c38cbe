package crawler

import (
	"context"
	"io"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

// BlobStore uploads artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher performs one logical request with retries handled internally.
type Fetcher interface {
	Fetch(ctx context.Context, req crawlstate.Request) (*fetcher.Response, error)
}

// Collaborator holds the site-specific knowledge: where a crawl starts and
// how a fetched page turns into raw records and follow-up requests.
type Collaborator interface {
	Name() string
	Seeds(ctx context.Context) ([]crawlstate.Request, error)
	Parse(ctx context.Context, req crawlstate.Request, resp *fetcher.Response) (Result, error)
}

// Result is the outcome of parsing one page.
type Result struct {
	// Records are raw field maps consumed by the pipeline.
	Records []map[string]any
	// Requests are discovered follow-up requests.
	Requests []crawlstate.Request
}

// RecordWriter appends normalized records, returning the identity of any
// record rejected as a duplicate.
type RecordWriter interface {
	Write(ctx context.Context, rec record.Record) (string, error)
}

// StateStore is the slice of the crawl state used by the driver loop.
type StateStore interface {
	Push(ctx context.Context, req crawlstate.Request) (bool, error)
	Pop(ctx context.Context) (crawlstate.Request, bool, error)
	Len() int
	IncrementVisited(ctx context.Context, key string) (int, error)
	Misc(ctx context.Context, key string, defaultFn func() any) (any, error)
	SetMisc(ctx context.Context, key string, value any) error
	Save(ctx context.Context, override bool) error
}
