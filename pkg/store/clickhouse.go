package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/twinhub/twincore/pkg/resilience"
)

// ClickHouseConfig configures the analytics client.
type ClickHouseConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	// RatePerSec bounds queries and appends per second; 0 disables limiting.
	RatePerSec float64
	Burst      int
}

// ClickHouse implements Analytics over the ClickHouse HTTP interface.
// Appends use JSONEachRow; queries use the JSON output format. Calls run
// through a rate limiter and a circuit breaker so a struggling analytics
// store degrades mirror writes instead of backing up primary writes.
type ClickHouse struct {
	base    string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClickHouse creates an analytics client.
func NewClickHouse(cfg ClickHouseConfig) (*ClickHouse, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store: clickhouse URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	headers := map[string]string{}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &ClickHouse{
		base:    strings.TrimRight(cfg.URL, "/"),
		headers: headers,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}, nil
}

// Append inserts rows into an append-only table using JSONEachRow.
func (c *ClickHouse) Append(ctx context.Context, database, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("store: encode row for %s.%s: %w", database, table, err)
		}
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(database), quoteIdent(table))
	if err := c.do(ctx, database, q, body.Bytes(), nil); err != nil {
		return fmt.Errorf("store: append %d rows to %s.%s: %w", len(rows), database, table, err)
	}
	return nil
}

// Query runs a read query and returns a row cursor.
func (c *ClickHouse) Query(ctx context.Context, database, query string) (*Rows, error) {
	var out struct {
		Data []map[string]any `json:"data"`
	}
	q := query + " FORMAT JSON"
	if err := c.do(ctx, database, q, nil, &out); err != nil {
		return nil, fmt.Errorf("store: analytics query: %w", err)
	}
	return NewRows(out.Data), nil
}

// do sends one HTTP request through the limiter and breaker. The query
// text travels as the request body when data is nil, and as the query URL
// parameter when a data payload is present.
func (c *ClickHouse) do(ctx context.Context, database, query string, data []byte, decodeInto any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		params := url.Values{}
		params.Set("database", database)

		var body io.Reader
		if data != nil {
			params.Set("query", query)
			body = bytes.NewReader(data)
		} else {
			body = strings.NewReader(query)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/?"+params.Encode(), body)
		if err != nil {
			return err
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("clickhouse status 404: %s: %w", strings.TrimSpace(string(msg)), ErrNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("clickhouse status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if decodeInto != nil {
			if err := json.NewDecoder(resp.Body).Decode(decodeInto); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return nil
	})
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "") + "`"
}
