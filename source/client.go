// Package source fetches raw air-quality records from the first-party
// measurements endpoint and the per-city third-party index, and hands
// normalized batches to a sink while discarding superseded requests.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNoReadings is returned when the measurements endpoint answers without data.
	ErrNoReadings = errors.New("no valid map readings")
	// ErrCityUnavailable is returned when the index has no usable record for a city.
	ErrCityUnavailable = errors.New("city data unavailable")
)

// ReadingsFetcher returns the raw first-party measurement records.
type ReadingsFetcher interface {
	FetchReadings(ctx context.Context) ([]json.RawMessage, error)
}

// CityFetcher returns the raw third-party index record of one city.
type CityFetcher interface {
	FetchCity(ctx context.Context, city string) (json.RawMessage, error)
}

type ClientConfig struct {
	ReadingsURL   string
	ReadingsToken string
	WAQIURL       string
	WAQIToken     string
	Timeout       time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to both upstream APIs over HTTP.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

type readingsResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	Measurements []json.RawMessage `json:"measurements"`
}

type cityResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (c *Client) FetchReadings(ctx context.Context) ([]json.RawMessage, error) {
	endpoint, err := withToken(c.cfg.ReadingsURL, c.cfg.ReadingsToken)
	if err != nil {
		return nil, fmt.Errorf("readings: %w", err)
	}
	var resp readingsResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("readings: %w", err)
	}
	if !resp.Success || len(resp.Measurements) == 0 {
		return nil, ErrNoReadings
	}
	return resp.Measurements, nil
}

func (c *Client) FetchCity(ctx context.Context, city string) (json.RawMessage, error) {
	base := strings.TrimRight(c.cfg.WAQIURL, "/") + "/" + url.PathEscape(city) + "/"
	endpoint, err := withToken(base, c.cfg.WAQIToken)
	if err != nil {
		return nil, fmt.Errorf("city %s: %w", city, err)
	}
	var resp cityResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("city %s: %w", city, err)
	}
	if resp.Status != "ok" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("city %s: %w (status %q)", city, ErrCityUnavailable, resp.Status)
	}
	return resp.Data, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
