// Package sparql is a minimal SPARQL 1.1 SELECT client for the Queensland
// address graph. Queries are posted as application/sparql-query and results
// decoded from the standard sparql-results+json envelope.
package sparql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/qldspatial/address-etl/internal/etl"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Term is one bound RDF term. Type is "uri", "literal" or "bnode".
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
}

// Binding maps variable names to bound terms. Unbound variables are simply
// absent from the map.
type Binding map[string]Term

// Str returns the bound value for the variable, with ok=false when the
// variable is unbound in this solution.
func (b Binding) Str(name string) (string, bool) {
	t, ok := b[name]
	if !ok {
		return "", false
	}
	return t.Value, true
}

type selectResponse struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
}

type ClientConfig struct {
	Endpoint   string
	HTTPClient HTTPClient

	// RetryMaxTime bounds the total time spent retrying one query,
	// including backoff sleeps.
	RetryMaxTime time.Duration

	// RetryInitialInterval is the first backoff delay. The default suits
	// production; tests shrink it.
	RetryInitialInterval time.Duration

	Logger *slog.Logger
}

func (c *ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.HTTPClient == nil {
		return errors.New("http client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.RetryMaxTime <= 0 {
		c.RetryMaxTime = 3600 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	return nil
}

type Client struct {
	cfg ClientConfig
	log *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sparql client config: %w", err)
	}
	return &Client{cfg: cfg, log: cfg.Logger}, nil
}

// Select runs one SELECT query and returns its solution bindings. Transport
// failures and non-2xx statuses are retried with exponential backoff until
// RetryMaxTime is spent, then surfaced as remote_fatal.
func (c *Client) Select(ctx context.Context, query string) ([]Binding, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialInterval

	attempt := 0
	bindings, err := backoff.Retry(ctx, func() ([]Binding, error) {
		if attempt > 0 {
			c.log.Warn("SPARQL select failed, retrying", "attempt", attempt)
		}
		attempt++
		return c.selectOnce(ctx, query)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.cfg.RetryMaxTime))
	if err != nil {
		return nil, etl.NewRemoteFatal("sparql_select", "retry budget exhausted", err)
	}
	return bindings, nil
}

func (c *Client) selectOnce(ctx context.Context, query string) ([]Binding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(query))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/sparql-query")
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("sparql endpoint returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var out selectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sparql response: %w", err)
	}
	return out.Results.Bindings, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
