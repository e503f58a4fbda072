package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dydx-adapter/pkg/engine"
)

// Client wraps REST access to the indexer.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	gate       *engine.Gate
}

// NewClient builds an indexer REST client with the given request budget
// (requests per second).
func NewClient(baseURL string, rateLimit float64) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		gate:       engine.NewGate("indexer", rateLimit, int(rateLimit)),
	}
}

// get performs a gated GET and decodes the response into out. Non-200
// statuses and decode failures surface the raw body; they are never
// swallowed.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return &StatusError{Path: path, StatusCode: res.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("indexer: decode GET %s: %w (%s)", path, err, string(body))
	}
	return nil
}

// StatusError is a non-200 indexer response with its raw body.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexer: GET %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an indexer 404, for callers that
// treat a missing resource as "no data".
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

// PerpetualMarkets fetches the full exchange-info snapshot keyed by ticker.
func (c *Client) PerpetualMarkets(ctx context.Context) (map[string]PerpetualMarket, error) {
	var resp struct {
		Markets map[string]PerpetualMarket `json:"markets"`
	}
	if err := c.get(ctx, "/perpetualMarkets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Markets, nil
}

// PerpetualPositions lists positions for a subaccount, optionally
// filtered by status (e.g. OPEN).
func (c *Client) PerpetualPositions(ctx context.Context, address string, subaccount uint32, status string) ([]PerpetualPosition, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("subaccountNumber", fmt.Sprintf("%d", subaccount))
	if status != "" {
		params.Set("status", status)
	}
	var resp struct {
		Positions []PerpetualPosition `json:"positions"`
	}
	if err := c.get(ctx, "/perpetualPositions", params, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// Orders lists orders for a subaccount, optionally filtered by status.
func (c *Client) Orders(ctx context.Context, address string, subaccount uint32, status string) ([]Order, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("subaccountNumber", fmt.Sprintf("%d", subaccount))
	if status != "" {
		params.Set("status", status)
	}
	var orders []Order
	if err := c.get(ctx, "/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// SubaccountSnapshot fetches asset and perpetual positions for one
// subaccount. A 404 means the subaccount has never traded; callers decide
// whether that is an error.
func (c *Client) SubaccountSnapshot(ctx context.Context, address string, subaccount uint32) (Subaccount, error) {
	var resp struct {
		Subaccount Subaccount `json:"subaccount"`
	}
	path := fmt.Sprintf("/addresses/%s/subaccountNumber/%d", address, subaccount)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return Subaccount{}, err
	}
	return resp.Subaccount, nil
}

// Candles fetches history for a ticker over [from, to). The indexer
// returns newest-first pages; this walks the window back until the range
// is covered and returns bars oldest-first.
func (c *Client) Candles(ctx context.Context, ticker, resolution string, from, to time.Time) ([]Candle, error) {
	var all []Candle
	cursor := to
	for cursor.After(from) {
		params := url.Values{}
		params.Set("resolution", resolution)
		params.Set("fromISO", from.UTC().Format(time.RFC3339))
		params.Set("toISO", cursor.UTC().Format(time.RFC3339))
		var resp struct {
			Candles []Candle `json:"candles"`
		}
		path := "/candles/perpetualMarkets/" + ticker
		if err := c.get(ctx, path, params, &resp); err != nil {
			return nil, err
		}
		if len(resp.Candles) == 0 {
			break
		}
		all = append(all, resp.Candles...)

		oldest, err := time.Parse(time.RFC3339, resp.Candles[len(resp.Candles)-1].StartedAt)
		if err != nil {
			return nil, fmt.Errorf("indexer: candle startedAt %q: %w", resp.Candles[len(resp.Candles)-1].StartedAt, err)
		}
		if !oldest.Before(cursor) {
			break
		}
		cursor = oldest
	}
	// Reverse newest-first accumulation into chronological order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
