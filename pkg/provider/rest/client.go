// Package rest implements a provider backed by a vendor-neutral HTTP API
// serving tabular market data as JSON.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/provider"
)

var (
	// ErrUpstreamResponse is returned for non-200 upstream responses
	ErrUpstreamResponse = errors.New("upstream error")
	// ErrFieldCountMismatch is returned when a row does not match the field list
	ErrFieldCountMismatch = errors.New("row length does not match field list")
)

// tabularResponse is the JSON body returned by the upstream data endpoints.
type tabularResponse struct {
	Fields []string   `json:"fields"`
	Rows   [][]string `json:"rows"`
	Error  string     `json:"error,omitempty"`
}

// Client is a provider.Provider over an HTTP tabular data API. Endpoints are
// derived from the query kind: GET {baseURL}/api/v1/{kind}.
type Client struct {
	log        logrus.FieldLogger
	cfg        *Config
	httpClient *http.Client
	baseURL    string
	kinds      map[provider.Kind]bool
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a REST provider from cfg.
func NewClient(log logrus.FieldLogger, cfg *Config) (*Client, error) {
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.KeepAlive,
	}

	var kinds map[provider.Kind]bool
	if len(cfg.Kinds) > 0 {
		kinds = make(map[provider.Kind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			kinds[provider.Kind(k)] = true
		}
	}

	return &Client{
		log:        log.WithField("provider", cfg.Name),
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		kinds:      kinds,
	}, nil
}

// Name identifies the provider.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Query executes one operation against the upstream API.
func (c *Client) Query(ctx context.Context, q provider.Query) (*frame.Frame, error) {
	if c.kinds != nil && !c.kinds[q.Kind] {
		return nil, provider.ErrUnsupportedKind
	}

	endpoint := c.baseURL + "/api/v1/" + string(q.Kind)

	body, err := c.get(ctx, endpoint, queryParams(q))
	if err != nil {
		return nil, err
	}

	var result tabularResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamResponse, result.Error)
	}

	out := frame.New(result.Fields)
	for i, row := range result.Rows {
		if len(row) != len(result.Fields) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d fields",
				ErrFieldCountMismatch, i, len(row), len(result.Fields))
		}
		out.Append(row)
	}

	return out, nil
}

// HealthCheck probes the configured health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.get(ctx, c.baseURL+c.cfg.HealthPath, nil)
	return err
}

func queryParams(q provider.Query) url.Values {
	params := url.Values{}

	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	if q.Range.Start != "" {
		params.Set("start", q.Range.Start)
	}
	if q.Range.End != "" {
		params.Set("end", q.Range.End)
	}
	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	if q.Frequency != "" {
		params.Set("frequency", q.Frequency)
	}
	if q.AdjustFlag != "" {
		params.Set("adjust", q.AdjustFlag)
	}
	if q.Date != "" {
		params.Set("date", q.Date)
	}
	if q.Year != 0 {
		params.Set("year", strconv.Itoa(q.Year))
	}

	return params
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout(ctx))
	defer cancel()

	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	if c.cfg.Debug {
		c.log.WithField("url", endpoint).Debug("Executing upstream request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WithError(closeErr).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &errorResp); jsonErr == nil && errorResp.Error != "" {
			return nil, fmt.Errorf("%w (status %d): %s", ErrUpstreamResponse, resp.StatusCode, errorResp.Error)
		}

		return nil, fmt.Errorf("%w (status %d): %s", ErrUpstreamResponse, resp.StatusCode, string(body))
	}

	if c.cfg.Debug && len(body) < 1000 {
		c.log.WithField("response", string(body)).Debug("Upstream response")
	}

	return body, nil
}

func (c *Client) timeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}

	return c.cfg.QueryTimeout
}
