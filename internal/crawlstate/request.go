package crawlstate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
)

// Param is one ordered key/value pair of a query string or form body.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Request is a unit of pending fetch work. Values are treated as immutable
// once pushed; use NewRequest and the With* helpers to derive new ones.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Params  []Param           `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    []Param           `json:"data,omitempty"`
	JSON    string            `json:"json,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// NewRequest returns a GET request for url carrying a copy of context.
func NewRequest(url string, context map[string]string) Request {
	return Request{
		URL:     url,
		Method:  http.MethodGet,
		Context: copyMap(context),
	}
}

// WithMethod returns a copy of r using method.
func (r Request) WithMethod(method string) Request {
	out := r.clone()
	out.Method = strings.ToUpper(method)
	return out
}

// WithParam returns a copy of r with a query parameter appended.
func (r Request) WithParam(key, value string) Request {
	out := r.clone()
	out.Params = append(out.Params, Param{Key: key, Value: value})
	return out
}

// WithHeader returns a copy of r with header set.
func (r Request) WithHeader(key, value string) Request {
	out := r.clone()
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	out.Headers[key] = value
	return out
}

// WithData returns a copy of r with a form field appended.
func (r Request) WithData(key, value string) Request {
	out := r.clone()
	out.Data = append(out.Data, Param{Key: key, Value: value})
	return out
}

// WithContextValue returns a copy of r with a context entry set.
func (r Request) WithContextValue(key, value string) Request {
	out := r.clone()
	if out.Context == nil {
		out.Context = map[string]string{}
	}
	out.Context[key] = value
	return out
}

// ContextValue returns the context entry for key.
func (r Request) ContextValue(key string) string {
	return r.Context[key]
}

// ID is the deterministic identity of the request. Two requests with equal
// url, method, params, headers, data, json, cookies and context share an ID.
func (r Request) ID() string {
	view := struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Params  []Param           `json:"params"`
		Headers map[string]string `json:"headers"`
		Data    []Param           `json:"data"`
		JSON    string            `json:"json"`
		Cookies map[string]string `json:"cookies"`
		Context map[string]string `json:"context"`
	}{
		URL:     r.URL,
		Method:  r.method(),
		Params:  nonNilParams(r.Params),
		Headers: nonNilMap(r.Headers),
		Data:    nonNilParams(r.Data),
		JSON:    r.JSON,
		Cookies: nonNilMap(r.Cookies),
		Context: nonNilMap(r.Context),
	}
	// Marshal cannot fail for strings, slices and string maps.
	data, _ := json.Marshal(view)
	return sha256.Bytes(data)
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r Request) clone() Request {
	out := r
	out.Params = append([]Param(nil), r.Params...)
	out.Data = append([]Param(nil), r.Data...)
	out.Headers = copyMap(r.Headers)
	out.Cookies = copyMap(r.Cookies)
	out.Context = copyMap(r.Context)
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func nonNilMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func nonNilParams(in []Param) []Param {
	if in == nil {
		return []Param{}
	}
	return in
}
