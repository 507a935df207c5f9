// Package restfetch builds pager fetch funcs backed by a JSON list endpoint.
package restfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/pager"
)

// StatusError is returned for responses outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type config struct {
	client    *http.Client
	itemsPath string
	header    http.Header
}

type Option func(*config)

func WithClient(c *http.Client) Option {
	return func(cfg *config) { cfg.client = c }
}

// WithItemsPath sets the gjson path of the item array in the response body.
func WithItemsPath(path string) Option {
	return func(cfg *config) { cfg.itemsPath = path }
}

func WithHeader(key, value string) Option {
	return func(cfg *config) { cfg.header.Add(key, value) }
}

// New returns a fetch func that GETs baseURL with cursor, limit and q query
// parameters and decodes the items found at the items path.
func New[T any](baseURL string, opts ...Option) pager.FetchFunc[T] {
	cfg := &config{
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		itemsPath: "items",
		header:    make(http.Header),
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, req pager.PageRequest) (pager.PageResult[T], error) {
		ctx, span := lg.Span(ctx)
		defer span.End()

		var res pager.PageResult[T]

		u, err := url.Parse(baseURL)
		if err != nil {
			return res, err
		}
		q := u.Query()
		if req.Cursor != "" {
			q.Set("cursor", req.Cursor)
		}
		q.Set("limit", strconv.Itoa(req.PageSize))
		if req.Filter != "" {
			q.Set("q", req.Filter)
		}
		u.RawQuery = q.Encode()

		span.SetAttributes(attribute.String("url", u.String()))

		r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return res, err
		}
		r.Header.Set("Accept", "application/json")
		for k, v := range cfg.header {
			r.Header[k] = v
		}

		resp, err := cfg.client.Do(r)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			span.RecordError(err)
			return res, err
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err = &StatusError{StatusCode: resp.StatusCode, Body: string(truncate(body, 256))}
			span.RecordError(err)
			return res, err
		}

		items := gjson.GetBytes(body, cfg.itemsPath)
		if !items.Exists() {
			return res, nil
		}
		if !items.IsArray() {
			return res, fmt.Errorf("%s: expected array at %q", u.Path, cfg.itemsPath)
		}

		res.Items = make([]T, 0, len(items.Array()))
		items.ForEach(func(_, value gjson.Result) bool {
			var item T
			if err = json.Unmarshal([]byte(value.Raw), &item); err != nil {
				return false
			}
			res.Items = append(res.Items, item)
			return true
		})
		if err != nil {
			span.RecordError(err)
			return pager.PageResult[T]{}, err
		}

		span.SetAttributes(attribute.Int("items", len(res.Items)))
		return res, nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
