// Package store provides the rate-limited, retry-wrapped client for the
// remote workspace document store.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/casefile-hq/casefile/internal/cache"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/property"
	"github.com/casefile-hq/casefile/internal/ratelimit"
	"github.com/casefile-hq/casefile/internal/telemetry"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	// DefaultTimeout caps one store HTTP call.
	DefaultTimeout = 30 * time.Second
	// DefaultPageSize is the query page size.
	DefaultPageSize = 100
	// MaxPages bounds pagination loops.
	MaxPages = 500

	retryInitialInterval = 2 * time.Second
	retryMaxAttempts     = 3
	maxResponseSize      = 50 * 1024 * 1024
	schemaCacheTTL       = 5 * time.Minute
)

// Filter narrows a database query. Zero value matches everything.
type Filter struct {
	TitleEquals    string            `json:"title_equals,omitempty"`
	TitleContains  string            `json:"title_contains,omitempty"`
	PropertyEquals map[string]string `json:"property_equals,omitempty"`
}

// Client is a thread-safe remote store client. It owns no mutable state
// beyond the rate limiter, the schema cache, the SSRF DNS cache, and the
// per-page update locks.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	schemas *cache.Cache // nil disables schema caching
	guard   *ssrfGuard

	pageMu    sync.Mutex
	pageLocks map[string]*sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (for tests or custom transports).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSchemaCache enables 5-minute schema caching in the given cache.
func WithSchemaCache(sc *cache.Cache) Option {
	return func(c *Client) { c.schemas = sc }
}

// WithResolver overrides DNS resolution for SSRF checks.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.guard = newSSRFGuard(r) }
}

// New creates a store client. limiter must not be nil: every outbound call
// acquires one credit from it.
func New(baseURL, token string, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("store client requires a rate limiter")
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: DefaultTimeout},
		limiter:   limiter,
		guard:     newSSRFGuard(nil),
		pageLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	storeMetricsOnce.Do(initStoreMetrics)
	return c, nil
}

// Schema returns the declared property set of a database, cached for five
// minutes when a schema cache is configured.
func (c *Client) Schema(ctx context.Context, databaseID string) (*types.DatabaseSchema, error) {
	cacheKey := "schema:" + databaseID
	if c.schemas != nil {
		if raw, hit := c.schemas.Get(cacheKey); hit {
			var schema types.DatabaseSchema
			if err := json.Unmarshal(raw, &schema); err == nil {
				return &schema, nil
			}
			// Corrupt cache entries fall through to a refetch.
		}
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID)+"/schema", nil)
	if err != nil {
		return nil, err
	}
	var schema types.DatabaseSchema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "malformed schema response", err).With("database_id", databaseID)
	}
	if schema.DatabaseID == "" {
		schema.DatabaseID = databaseID
	}
	for name, entry := range schema.Properties {
		if !types.KnownPropertyKind(entry.Kind) {
			return nil, fault.Newf(fault.KindPermanent, "schema declares unknown property kind %q", entry.Kind).
				With("property_name", name)
		}
	}

	if c.schemas != nil {
		if raw, err := json.Marshal(&schema); err == nil {
			_ = c.schemas.Set(cacheKey, raw, schemaCacheTTL)
		}
	}
	return &schema, nil
}

// GetPage fetches a single page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (*types.Page, error) {
	if !types.ValidPageID(pageID) {
		return nil, fault.Newf(fault.KindValidation, "malformed page id").With("page_id", pageID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil)
	if err != nil {
		return nil, err
	}
	return c.parsePage(ctx, body)
}

// QueryDatabase returns one page of results plus an opaque cursor; callers
// iterate until the cursor is empty.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter *Filter, cursor string) ([]types.Page, string, error) {
	req := map[string]any{"page_size": DefaultPageSize}
	if filter != nil {
		req["filter"] = filter
	}
	if cursor != "" {
		req["cursor"] = cursor
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", req)
	if err != nil {
		return nil, "", err
	}

	var resp struct {
		Pages      []json.RawMessage `json:"pages"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fault.Wrap(fault.KindPermanent, "malformed query response", err).With("database_id", databaseID)
	}

	pages := make([]types.Page, 0, len(resp.Pages))
	for _, raw := range resp.Pages {
		page, err := c.parsePage(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		pages = append(pages, *page)
	}
	return pages, resp.NextCursor, nil
}

// QueryAll drains the cursor, bounded by MaxPages.
func (c *Client) QueryAll(ctx context.Context, databaseID string, filter *Filter) ([]types.Page, error) {
	var all []types.Page
	cursor := ""
	for page := 0; ; page++ {
		if page >= MaxPages {
			return nil, fault.Newf(fault.KindInternal, "pagination exceeded %d pages", MaxPages).With("database_id", databaseID)
		}
		batch, next, err := c.QueryDatabase(ctx, databaseID, filter, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// CreatePage encodes properties against the database schema and creates a
// page. Codec and SSRF failures happen before any network write.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties map[string]any) (*types.Page, error) {
	schema, err := c.Schema(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	encoded, err := property.EncodeAll(properties, schema)
	if err != nil {
		return nil, err
	}
	if err := c.checkOutboundURLs(ctx, encoded); err != nil {
		return nil, err
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/pages",
		map[string]any{"properties": encoded})
	if err != nil {
		return nil, err
	}
	return c.parsePage(ctx, body)
}

// UpdatePage performs a partial update: only keys present in properties
// are touched. Updates to one page are serialized by a per-page lock.
func (c *Client) UpdatePage(ctx context.Context, pageID, databaseID string, properties map[string]any) (*types.Page, error) {
	if !types.ValidPageID(pageID) {
		return nil, fault.Newf(fault.KindValidation, "malformed page id").With("page_id", pageID)
	}
	schema, err := c.Schema(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	encoded, err := property.EncodeAll(properties, schema)
	if err != nil {
		return nil, err
	}
	if err := c.checkOutboundURLs(ctx, encoded); err != nil {
		return nil, err
	}

	unlock := c.lockPage(pageID)
	defer unlock()

	body, err := c.doRequest(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID),
		map[string]any{"properties": encoded})
	if err != nil {
		return nil, err
	}
	return c.parsePage(ctx, body)
}

// FindByTitle returns the page with exactly the given title, or nil.
func (c *Client) FindByTitle(ctx context.Context, databaseID, title string) (*types.Page, error) {
	pages, _, err := c.QueryDatabase(ctx, databaseID, &Filter{TitleEquals: title}, "")
	if err != nil {
		return nil, err
	}
	for i := range pages {
		if pages[i].Title() == title {
			return &pages[i], nil
		}
	}
	return nil, nil
}

// lockPage serializes writes to one page id for the duration of a single
// update call. The lock map only grows; page ids in one process run are
// bounded by the work processed.
func (c *Client) lockPage(pageID string) func() {
	c.pageMu.Lock()
	mu, ok := c.pageLocks[pageID]
	if !ok {
		mu = &sync.Mutex{}
		c.pageLocks[pageID] = mu
	}
	c.pageMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// checkOutboundURLs applies the SSRF rules to every url/files payload.
func (c *Client) checkOutboundURLs(ctx context.Context, props map[string]types.PropertyValue) error {
	for name, pv := range props {
		switch pv.Kind {
		case types.PropURL:
			if pv.URL != nil {
				if err := c.guard.Check(ctx, *pv.URL); err != nil {
					return wrapURLFault(err, name)
				}
			}
		case types.PropFiles:
			for _, f := range pv.Files {
				if err := c.guard.Check(ctx, f.URL); err != nil {
					return wrapURLFault(err, name)
				}
			}
		}
	}
	return nil
}

func wrapURLFault(err error, propertyName string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.With("property_name", propertyName)
	}
	return err
}

// parsePage validates a page payload structurally before returning it:
// required fields present, exactly one title property, and safe URLs.
func (c *Client) parsePage(ctx context.Context, body []byte) (*types.Page, error) {
	var page types.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "malformed page response", err)
	}
	if page.ID == "" || page.DatabaseID == "" {
		return nil, fault.New(fault.KindPermanent, "page response missing required fields")
	}
	titles := 0
	for _, pv := range page.Properties {
		if pv.Kind == types.PropTitle {
			titles++
		}
	}
	if titles != 1 {
		return nil, fault.Newf(fault.KindPermanent, "page has %d title properties, want exactly 1", titles).
			With("page_id", page.ID)
	}
	if err := c.checkOutboundURLs(ctx, page.Properties); err != nil {
		return nil, err
	}
	return &page, nil
}

// doRequest performs one store call: rate-limit credit, HTTP round trip,
// and retry with exponential backoff on connection errors, timeouts, 429,
// and 5xx. 4xx other than 429 never retries.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "marshal request body", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // attempts are bounded by WithMaxRetries

	var respBody []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fault.Wrap(fault.KindInternal, "build request", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		t0 := time.Now()
		resp, err := c.http.Do(req)
		recordStoreCall(ctx, method, time.Since(t0))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fault.Wrap(fault.KindTransient, "store request failed", err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if readErr != nil {
			return fault.Wrap(fault.KindTransient, "read store response", readErr)
		}

		if err := classifyStatus(resp.StatusCode, body); err != nil {
			if fault.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		respBody = body
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindCancelled, "store call abandoned", err)
		}
		return nil, err
	}
	return respBody, nil
}

// classifyStatus maps an HTTP status to the failure taxonomy. nil means OK.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	message := apiErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return fault.Newf(fault.KindRateLimited, "store rate limited: %s", message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Newf(fault.KindAuthorization, "store auth failure (status %d): %s", status, message)
	case status >= 500:
		return fault.Newf(fault.KindTransient, "store error (status %d): %s", status, message)
	default:
		return fault.Newf(fault.KindPermanent, "store rejected request (status %d): %s", status, message)
	}
}

func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return fault.Redact(envelope.Error)
	}
	return fault.Redact(string(body))
}

var storeMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

var storeMetricsOnce sync.Once

func initStoreMetrics() {
	m := telemetry.Meter("github.com/casefile-hq/casefile/store")
	storeMetrics.requests, _ = m.Int64Counter("cf.store.requests",
		metric.WithDescription("Outbound store requests"),
		metric.WithUnit("{request}"),
	)
	storeMetrics.duration, _ = m.Float64Histogram("cf.store.request.duration",
		metric.WithDescription("Store request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func recordStoreCall(ctx context.Context, method string, elapsed time.Duration) {
	if storeMetrics.requests == nil {
		return
	}
	attr := attribute.String("cf.store.method", method)
	storeMetrics.requests.Add(ctx, 1, metric.WithAttributes(attr))
	storeMetrics.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attr))
}
