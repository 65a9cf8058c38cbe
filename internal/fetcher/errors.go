package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

var (
	// ErrRetriesExhausted is wrapped by the FetchError returned once every
	// attempt and every rotation failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrRedirect is wrapped when a redirect chain could not be followed.
	ErrRedirect = errors.New("failed to follow redirects")
)

// FetchError describes a failed request together with whatever response was
// received.
type FetchError struct {
	Request    crawlstate.Request
	Response   *Response
	StatusCode int
	Message    string
	// Critical marks statuses that must fail at once, without retries or
	// rotation.
	Critical bool
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Request.URL != "" {
		fmt.Fprintf(&b, " [%s %s]", methodOf(e.Request), e.Request.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the root cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsCritical reports whether err carries a critical FetchError.
func IsCritical(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Critical
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func methodOf(req crawlstate.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}
