// Package woo implements the remote catalog port against a
// WooCommerce-style REST API.
//
// Every request is admitted through the rate gate and instrumented with
// the otelhttp transport. Lookup and fetch retry through cenkalti/backoff
// with permanent-error wrapping; bulk updates drive an explicit loop so
// the 524-doubling rule can be applied.
package woo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
	"github.com/fairyhunter13/woo-catalog-sync/internal/service/rategate"
)

// Client talks to the WooCommerce products API. It implements
// domain.Catalog.
type Client struct {
	base     string
	key      string
	secret   string
	hc       *http.Client
	gate     *rategate.Gate
	metaKeys map[string]bool
}

// New constructs a Client. metaKeys is the whitelist used to project
// fetched products; base is the API root (".../wp-json/wc/v3").
func New(base, consumerKey, consumerSecret string, gate *rategate.Gate, metaKeys []string) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Catalog %s %s", r.Method, r.URL.Host)
		}),
	)
	keys := make(map[string]bool, len(metaKeys))
	for _, k := range metaKeys {
		keys[k] = true
	}
	return &Client{
		base:   base,
		key:    consumerKey,
		secret: consumerSecret,
		hc: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		gate:     gate,
		metaKeys: keys,
	}
}

// wooProduct is the wire shape of a product. Meta values may be any
// JSON value; only string-representable ones participate in diffs.
type wooProduct struct {
	ID          int64     `json:"id"`
	SKU         string    `json:"sku"`
	Description string    `json:"description"`
	MetaData    []wooMeta `json:"meta_data"`
}

type wooMeta struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// LookupIDByPartNumber searches the catalog by part number and returns
// the first match's id. An empty result is domain.ErrNotFound.
func (c *Client) LookupIDByPartNumber(ctx domain.Context, partNumber string) (int64, error) {
	if partNumber == "" {
		return 0, fmt.Errorf("lookup: empty part number: %w", domain.ErrInvalidArgument)
	}
	q := url.Values{}
	q.Set("search", partNumber)
	q.Set("per_page", "1")

	var products []wooProduct
	err := c.doWithRetry(ctx, "lookup", func(ctx domain.Context) error {
		return c.getJSON(ctx, "lookup", "/products?"+q.Encode(), &products)
	})
	if err != nil {
		return 0, fmt.Errorf("lookup %q: %w", partNumber, err)
	}
	if len(products) == 0 {
		return 0, fmt.Errorf("lookup %q: %w", partNumber, domain.ErrNotFound)
	}
	return products[0].ID, nil
}

// FetchByID returns the whitelisted projection of one product.
func (c *Client) FetchByID(ctx domain.Context, id int64) (domain.CanonicalProduct, error) {
	var p wooProduct
	err := c.doWithRetry(ctx, "fetch", func(ctx domain.Context) error {
		return c.getJSON(ctx, "fetch", "/products/"+strconv.FormatInt(id, 10), &p)
	})
	if err != nil {
		return domain.CanonicalProduct{}, fmt.Errorf("fetch %d: %v: %w", id, err, domain.ErrFetchFailed)
	}
	return c.project(p), nil
}

// project filters a fetched product down to the diff whitelist.
func (c *Client) project(p wooProduct) domain.CanonicalProduct {
	out := domain.CanonicalProduct{ID: p.ID, SKU: p.SKU, Description: p.Description}
	for _, m := range p.MetaData {
		if !c.metaKeys[m.Key] {
			continue
		}
		out.Meta = append(out.Meta, domain.MetaEntry{Key: m.Key, Value: metaValueString(m.Value)})
	}
	return out
}

// metaValueString renders a meta value for comparison. Only scalar JSON
// values are representable; anything structured compares as its JSON.
func metaValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

// batchRequest is the Woo bulk endpoint envelope. Only updates are
// issued; creation and deletion never happen here.
type batchRequest struct {
	Update []domain.UpdatePayload `json:"update"`
}

type batchResponse struct {
	Update []struct {
		ID    int64 `json:"id"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"update"`
}

// BulkUpdate submits the ordered payloads in one POST /products/batch
// call. The whole call is retried on transient errors up to the gate's
// attempt bound; a 524 doubles the next delay. Permanent failure wraps
// domain.ErrBulkFailed and logs each payload's part number and id so
// the operator can replay by hand.
func (c *Client) BulkUpdate(ctx domain.Context, payloads []domain.UpdatePayload) ([]domain.BulkResult, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	for i, p := range payloads {
		if p.RemoteID == 0 {
			return nil, fmt.Errorf("bulk update: payload %d missing remote id: %w", i, domain.ErrInvalidArgument)
		}
	}
	body, err := json.Marshal(batchRequest{Update: payloads})
	if err != nil {
		return nil, fmt.Errorf("bulk update: marshal: %w", err)
	}

	var out batchResponse
	attempt := 0
	for {
		attempt++
		err = c.gate.Do(ctx, "bulk_update", func(ctx domain.Context) error {
			return c.postJSON(ctx, "bulk_update", "/products/batch", body, &out)
		})
		if err == nil {
			break
		}
		delay, retry := c.gate.RetryDelay(err, attempt)
		if !retry {
			c.logBulkFailure(ctx, payloads, attempt, err)
			return nil, fmt.Errorf("bulk update of %d payloads after %d attempts: %v: %w",
				len(payloads), attempt, err, domain.ErrBulkFailed)
		}
		var se *rategate.StatusError
		if errors.As(err, &se) && se.Code == 524 {
			// CDN origin timeout: the batch may still be applying
			// upstream, so back off twice as hard.
			delay *= 2
		}
		slog.Warn("bulk update transient failure, retrying",
			slog.Int("attempt", attempt),
			slog.Int("payloads", len(payloads)),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("bulk update: %w", ctx.Err())
		}
	}

	results := make([]domain.BulkResult, 0, len(out.Update))
	for _, u := range out.Update {
		r := domain.BulkResult{ID: u.ID}
		if u.Error != nil {
			r.Error = u.Error.Message
		}
		results = append(results, r)
	}
	return results, nil
}

// logBulkFailure records the {partNumber, remoteId} pairs of a
// permanently failed batch.
func (c *Client) logBulkFailure(ctx domain.Context, payloads []domain.UpdatePayload, attempts int, err error) {
	pairs := make([]string, 0, len(payloads))
	for _, p := range payloads {
		pairs = append(pairs, fmt.Sprintf("%s:%d", p.PartNumber, p.RemoteID))
	}
	slog.ErrorContext(ctx, "bulk update failed permanently",
		slog.Int("attempts", attempts),
		slog.Int("payloads", len(payloads)),
		slog.Any("part_number_ids", pairs),
		slog.Any("error", err))
}

// doWithRetry admits fn through the gate and retries transient errors
// with exponential backoff. Non-transient errors abort immediately.
func (c *Client) doWithRetry(ctx domain.Context, op string, fn func(domain.Context) error) error {
	wrapped := func() error {
		err := c.gate.Do(ctx, op, fn)
		if err == nil {
			return nil
		}
		if rategate.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.gate.BaseDelay()
	expo.Multiplier = 2
	expo.MaxInterval = 30 * time.Second
	maxRetries := uint64(0)
	if c.gate.MaxAttempts() > 1 {
		maxRetries = uint64(c.gate.MaxAttempts() - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)
	return backoff.Retry(wrapped, bo)
}

func (c *Client) getJSON(ctx domain.Context, op, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.roundTrip(op, req, v)
}

func (c *Client) postJSON(ctx domain.Context, op, path string, body []byte, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(op, req, v)
}

// endpoint appends the path to the API base and signs the query with
// the consumer key pair.
func (c *Client) endpoint(path string) string {
	u := c.base + path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	creds := url.Values{}
	creds.Set("consumer_key", c.key)
	creds.Set("consumer_secret", c.secret)
	return u + sep + creds.Encode()
}

func (c *Client) roundTrip(op string, req *http.Request, v any) error {
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveCatalogRequest(op, "transport_error", time.Since(start))
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveCatalogRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("catalog non-2xx",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)))
		return &rategate.StatusError{Op: op, Code: resp.StatusCode}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
