package esri

import (
	"context"
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

	"github.com/cenkalti/backoff/v5"
	"github.com/qldspatial/address-etl/internal/etl"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type ClientConfig struct {
	HTTPClient HTTPClient
	Broker     *TokenBroker

	// RetryMaxTime bounds the total time spent retrying one request,
	// including backoff sleeps.
	RetryMaxTime time.Duration

	// RetryInitialInterval is the first backoff delay. The default suits
	// production; tests shrink it.
	RetryInitialInterval time.Duration

	Logger *slog.Logger
}

func (c *ClientConfig) Validate() error {
	if c.HTTPClient == nil {
		return errors.New("http client is required")
	}
	if c.Broker == nil {
		return errors.New("token broker is required")
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

// Client posts form-encoded requests to feature service endpoints. Every
// response body is scanned for an embedded error object even on HTTP 200:
// code 498 or HTTP 401 invalidates the broker token and the request is
// retried once with a fresh one. Other 4xx statuses fail immediately;
// everything else is retried with exponential backoff until the budget
// runs out.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature service client config: %w", err)
	}
	return &Client{cfg: cfg, log: cfg.Logger}, nil
}

// Query posts params to a layer query endpoint.
func (c *Client) Query(ctx context.Context, queryURL string, params url.Values) (*QueryResult, error) {
	var out QueryResult
	if err := c.post(ctx, "feature_query", queryURL, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Count returns the number of rows the where clause matches.
func (c *Client) Count(ctx context.Context, queryURL, where string) (int, error) {
	params := url.Values{}
	params.Set("where", where)
	params.Set("returnCountOnly", "true")

	res, err := c.Query(ctx, queryURL, params)
	if err != nil {
		return 0, err
	}
	if res.Count == nil {
		return 0, etl.NewRemoteFatal("feature_count", "response missing count", nil)
	}
	return *res.Count, nil
}

// ObjectIDsForWhere reads the objectids of rows matching the where clause
// as row attributes. The page size mirrors the edit batch size, so one call
// covers a full delete batch.
func (c *Client) ObjectIDsForWhere(ctx context.Context, queryURL, where string) ([]int64, error) {
	params := url.Values{}
	params.Set("where", where)
	params.Set("outFields", "objectid")
	params.Set("returnGeometry", "false")
	params.Set("resultOffset", "0")
	params.Set("resultRecordCount", strconv.Itoa(MutatingPageSize))

	res, err := c.Query(ctx, queryURL, params)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(res.Features))
	for _, f := range res.Features {
		raw, ok := f.Attributes["objectid"]
		if !ok {
			return nil, etl.NewRemoteFatal("feature_query", "feature missing objectid attribute", nil)
		}
		num, ok := raw.(float64)
		if !ok {
			return nil, etl.NewRemoteFatal("feature_query", fmt.Sprintf("objectid has unexpected type %T", raw), nil)
		}
		ids = append(ids, int64(num))
	}
	return ids, nil
}

// ObjectIDsOnly asks the layer for bare ids via returnIdsOnly. Used by the
// purge loops, which drain a layer batch by batch.
func (c *Client) ObjectIDsOnly(ctx context.Context, queryURL, where string) ([]int64, error) {
	params := url.Values{}
	params.Set("where", where)
	params.Set("returnIdsOnly", "true")
	params.Set("returnGeometry", "false")
	params.Set("resultOffset", "0")
	params.Set("resultRecordCount", strconv.Itoa(MutatingPageSize))

	res, err := c.Query(ctx, queryURL, params)
	if err != nil {
		return nil, err
	}
	if len(res.ObjectIDs) > MutatingPageSize {
		return res.ObjectIDs[:MutatingPageSize], nil
	}
	return res.ObjectIDs, nil
}

// ApplyEdits posts adds and deletes to an applyEdits endpoint.
func (c *Client) ApplyEdits(ctx context.Context, editsURL string, adds []Feature, deletes []int64) (*EditResult, error) {
	form := url.Values{}
	if len(adds) > 0 {
		encoded, err := json.Marshal(adds)
		if err != nil {
			return nil, etl.NewDataIntegrity("apply_edits", "failed to encode adds", err)
		}
		form.Set("adds", string(encoded))
	}
	if len(deletes) > 0 {
		encoded, err := json.Marshal(deletes)
		if err != nil {
			return nil, etl.NewDataIntegrity("apply_edits", "failed to encode deletes", err)
		}
		form.Set("deletes", string(encoded))
	}

	var out EditResult
	if err := c.post(ctx, "apply_edits", editsURL, form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post runs one request under the retry envelope and, if the token was
// rejected, refreshes it and retries the same request exactly once.
func (c *Client) post(ctx context.Context, op, rawURL string, form url.Values, out any) error {
	body, err := c.postWithRetry(ctx, op, rawURL, form)
	if err != nil && etl.IsType(err, etl.ErrorTypeAuthExpired) {
		c.log.Warn("Feature service token rejected, refreshing and retrying batch", "operation", op)
		c.cfg.Broker.Invalidate()
		body, err = c.postWithRetry(ctx, op, rawURL, form)
	}
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return etl.NewRemoteFatal(op, "failed to decode response", err)
		}
	}
	return nil
}

func (c *Client) postWithRetry(ctx context.Context, op, rawURL string, form url.Values) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialInterval

	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if attempt > 0 {
			c.log.Warn("Feature service request failed, retrying", "operation", op, "attempt", attempt)
		}
		attempt++
		return c.postOnce(ctx, op, rawURL, form)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.cfg.RetryMaxTime))
	if err != nil {
		var typed *etl.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, etl.NewRemoteFatal(op, "retry budget exhausted", err)
	}
	return body, nil
}

func (c *Client) postOnce(ctx context.Context, op, rawURL string, form url.Values) ([]byte, error) {
	token, err := c.cfg.Broker.Token(ctx)
	if err != nil {
		if etl.IsType(err, etl.ErrorTypeTransientRemote) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	withToken := url.Values{}
	for k, v := range form {
		withToken[k] = v
	}
	withToken.Set("token", token)
	withToken.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(withToken.Encode()))
	if err != nil {
		return nil, backoff.Permanent(etl.NewRemoteFatal(op, "failed to create request", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, backoff.Permanent(etl.NewAuthExpired(op, "feature service token rejected", nil))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, backoff.Permanent(etl.NewRemoteFatal(op, fmt.Sprintf("feature service returned status %d: %s", resp.StatusCode, truncateBody(body)), nil))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("feature service returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == tokenRejectedCode {
			return nil, backoff.Permanent(etl.NewAuthExpired(op, "feature service token rejected", nil))
		}
		return nil, fmt.Errorf("feature service returned error code %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
