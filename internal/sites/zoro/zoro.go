// Package zoro crawls the zoro.com product catalog: home page menu, category
// and listing pages, then each product page merged with its JSON summary.
package zoro

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

// DefaultBaseURL is the live site.
const DefaultBaseURL = "https://www.zoro.com"

// Request kinds carried in the "kind" context value.
const (
	KindHome        = "home"
	KindCategory    = "category"
	KindListing     = "listing"
	KindProduct     = "product"
	KindProductJSON = "product_json"
)

// Context keys.
const (
	keyKind      = "kind"
	keyGroup     = "group"
	keyProductID = "product_id"
	keyPage      = "page"
	pagePrefix   = "page."
)

var (
	selCategories  = "div.mega-menu > div.mega-menu__grid div.mega-menu__grid-item a.mega-menu__level1"
	selSubcategory = "ul.c-sidebar-nav__list li a"
	selPages       = "section.search__results__footer div.v-select-list a"
	selItems       = "div.search-results__result div.product-card-container"
	selItemLink    = "div.product-card__description a"
	selBreadcrumb  = `nav.zcl-breadcrumb li span[itemprop="name"]`
	selMfrNumber   = `span[data-za="PDPMfrNo"]`
	selDescription = "div.product-description__text"
	selSpecs       = "ul.product-specifications__list li"

	unitSplit = regexp.MustCompile(`\W+`)
)

var browserHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

// Collaborator implements crawler.Collaborator for zoro.com.
type Collaborator struct {
	base       *url.URL
	categories []string
	logger     *zap.Logger
}

// New returns a collaborator rooted at baseURL (DefaultBaseURL when empty).
func New(baseURL string, logger *zap.Logger) (*Collaborator, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collaborator{base: base, logger: logger}, nil
}

// Name identifies the site.
func (c *Collaborator) Name() string {
	return "zoro"
}

// StartAtCategories replaces the home page seed with the given category
// pages, limiting the crawl to those departments.
func (c *Collaborator) StartAtCategories(urls ...string) {
	c.categories = append([]string(nil), urls...)
}

// Seeds starts the crawl at the home page menu, or at the configured
// category pages.
func (c *Collaborator) Seeds(context.Context) ([]crawlstate.Request, error) {
	if len(c.categories) == 0 {
		return []crawlstate.Request{c.request(c.base.String(), KindHome, nil)}, nil
	}
	out := make([]crawlstate.Request, 0, len(c.categories))
	for _, u := range c.categories {
		out = append(out, c.request(c.absolute(u), KindCategory, nil))
	}
	return out, nil
}

// Parse dispatches on the request kind.
func (c *Collaborator) Parse(_ context.Context, req crawlstate.Request, resp *fetcher.Response) (crawler.Result, error) {
	kind := req.ContextValue(keyKind)
	if kind == KindProductJSON {
		return c.parseProductJSON(req, resp)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Result{}, fmt.Errorf("parse html %s: %w", resp.URL, err)
	}
	switch kind {
	case KindHome:
		return c.links(doc, selCategories, KindCategory), nil
	case KindCategory:
		return c.links(doc, selSubcategory, KindListing), nil
	case KindListing:
		return c.parseListing(req, doc), nil
	case KindProduct:
		return c.parseProduct(req, doc)
	default:
		return crawler.Result{}, fmt.Errorf("unknown request kind %q for %s", kind, req.URL)
	}
}

func (c *Collaborator) links(doc *goquery.Document, selector, kind string) crawler.Result {
	var out crawler.Result
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok && strings.TrimSpace(href) != "" {
			out.Requests = append(out.Requests, c.request(c.absolute(href), kind, nil))
		}
	})
	c.logger.Info("discovered links", zap.String("kind", kind), zap.Int("count", len(out.Requests)))
	return out
}

func (c *Collaborator) parseListing(req crawlstate.Request, doc *goquery.Document) crawler.Result {
	var out crawler.Result
	items := doc.Find(selItems)
	items.Each(func(_ int, item *goquery.Selection) {
		id, _ := item.Attr("gtm-data-productid")
		href, ok := item.Find(selItemLink).First().Attr("href")
		if !ok || strings.TrimSpace(id) == "" {
			c.logger.Warn("product card without id or link", zap.String("listing", req.URL))
			return
		}
		out.Requests = append(out.Requests, c.request(c.absolute(href), KindProduct, map[string]string{
			keyProductID: strings.TrimSpace(id),
		}))
	})
	c.logger.Info("listing parsed", zap.String("url", req.URL), zap.Int("items", items.Length()))

	// Page links are only expanded from the first page of a listing.
	if req.ContextValue(keyPage) != "" {
		return out
	}
	pages := doc.Find(selPages)
	if pages.Length() <= 1 {
		return out
	}
	pages.Each(func(_ int, a *goquery.Selection) {
		page := strings.TrimSpace(a.Text())
		if page == "" || page == "1" {
			return
		}
		out.Requests = append(out.Requests, c.request(withPage(req.URL, page), KindListing, map[string]string{
			keyPage: page,
		}))
	})
	return out
}

func (c *Collaborator) parseProduct(req crawlstate.Request, doc *goquery.Document) (crawler.Result, error) {
	id := req.ContextValue(keyProductID)
	if id == "" {
		return crawler.Result{}, fmt.Errorf("product request %s has no product id", req.URL)
	}

	var path []string
	doc.Find(selBreadcrumb).Each(func(i int, s *goquery.Selection) {
		if i > 0 {
			path = append(path, strings.TrimSpace(s.Text()))
		}
	})
	width := spec(doc, "Width")
	height := spec(doc, "Height")
	fields := map[string]string{
		record.ItemURL:         req.URL,
		record.Category:        strings.Join(path, " >> "),
		record.Description:     strings.TrimSpace(doc.Find(selDescription).First().Text()),
		record.CountryOfOrigin: spec(doc, "Country of Origin"),
		record.MfNumber:        strings.TrimSpace(doc.Find(selMfrNumber).First().Text()),
		record.Width:           width,
		record.WidthUnit:       Unit(width),
		record.Height:          height,
		record.HeightUnit:      Unit(height),
		record.Depth:           spec(doc, "Depth"),
		record.Weight:          spec(doc, "Weight"),
	}

	carried := map[string]string{keyProductID: id}
	for k, v := range fields {
		carried[pagePrefix+k] = v
	}
	summary := c.base.String() + "/product/?" + url.Values{"products": {id}}.Encode()
	return crawler.Result{Requests: []crawlstate.Request{c.request(summary, KindProductJSON, carried)}}, nil
}

type productSummary struct {
	Products []struct {
		Title    string `json:"title"`
		Brand    string `json:"brand"`
		Price    any    `json:"price"`
		LeadTime any    `json:"leadTime"`
		Image    string `json:"image"`
	} `json:"products"`
}

func (c *Collaborator) parseProductJSON(req crawlstate.Request, resp *fetcher.Response) (crawler.Result, error) {
	var summary productSummary
	if err := resp.JSON(&summary); err != nil {
		return crawler.Result{}, err
	}
	if len(summary.Products) == 0 {
		return crawler.Result{}, fmt.Errorf("no product summary for %s", req.ContextValue(keyProductID))
	}
	if len(summary.Products) > 1 {
		c.logger.Warn("more than one product summary, using the first",
			zap.String("product_id", req.ContextValue(keyProductID)))
	}
	p := summary.Products[0]

	raw := map[string]any{}
	for k, v := range req.Context {
		if field, ok := strings.CutPrefix(k, pagePrefix); ok {
			raw[field] = v
		}
	}
	raw[record.Name] = p.Title
	raw[record.Company] = p.Brand
	raw[record.Price] = p.Price
	raw[record.ShippingDay] = p.LeadTime
	raw[imageKey] = p.Image
	return crawler.Result{Records: []map[string]any{raw}}, nil
}

func (c *Collaborator) request(rawURL, kind string, extra map[string]string) crawlstate.Request {
	values := map[string]string{keyKind: kind, keyGroup: kind}
	for k, v := range extra {
		values[k] = v
	}
	req := crawlstate.NewRequest(rawURL, values)
	for k, v := range browserHeaders {
		req = req.WithHeader(k, v)
	}
	return req
}

func (c *Collaborator) absolute(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "http") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return c.base.String() + href
	}
	return c.base.ResolveReference(ref).String()
}

func withPage(rawURL, page string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL + "?page=" + url.QueryEscape(page)
	}
	q := u.Query()
	q.Set("page", page)
	u.RawQuery = q.Encode()
	return u.String()
}

// spec returns the value of the specification row whose label contains name.
func spec(doc *goquery.Document, name string) string {
	var value string
	doc.Find(selSpecs).EachWithBreak(func(_ int, li *goquery.Selection) bool {
		parts := strippedStrings(li)
		if len(parts) > 1 && strings.Contains(parts[0], name) {
			pieces := strings.Split(parts[1], ":")
			value = strings.TrimSpace(pieces[len(pieces)-1])
			return false
		}
		return true
	})
	return value
}

func strippedStrings(s *goquery.Selection) []string {
	var out []string
	s.Contents().Each(func(_ int, node *goquery.Selection) {
		if goquery.NodeName(node) == "#text" {
			if t := strings.TrimSpace(node.Text()); t != "" {
				out = append(out, t)
			}
			return
		}
		out = append(out, strippedStrings(node)...)
	})
	return out
}

// Unit returns the trailing unit token of a measurement such as "12.5 in.",
// or "" when the value has no unit.
func Unit(value string) string {
	var tokens []string
	for _, t := range unitSplit.Split(value, -1) {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) > 1 {
		return tokens[len(tokens)-1]
	}
	return ""
}
