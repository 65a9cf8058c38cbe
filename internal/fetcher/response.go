package fetcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

// Response is a successful (2xx) fetch result.
type Response struct {
	Request    crawlstate.Request
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	// EgressIP is the public address the request left through, when known.
	EgressIP string
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.URL, err)
	}
	return nil
}
