// Package coingecko is the REST client for the CoinGecko market-data API,
// the upstream behind the price oracle.
package coingecko

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

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Client talks to the CoinGecko REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a CoinGecko client. apiKey may be empty for the keyless
// tier; timeout bounds each HTTP round trip.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx upstream response. It unwraps to the matching
// domain sentinel (ErrRateLimited, ErrNotFound, ErrUnauthorized).
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return errUpstream
}

var errUpstream = errors.New("upstream error")

// SimplePrice returns the USD price of each id. Ids the upstream does not
// know are absent from the result.
func (c *Client) SimplePrice(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", "usd")

	body, err := c.doGet(ctx, "/simple/price?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("coingecko: simple price: %w", err)
	}

	var raw map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("coingecko: decode simple price: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for id, quotes := range raw {
		if p, ok := quotes["usd"]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// SimpleStats returns the USD price, market cap, 24h volume and 24h change
// (percent) for ids in one call.
func (c *Client) SimpleStats(ctx context.Context, ids []string) (map[string]domain.CoinStats, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_market_cap", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_24hr_change", "true")

	body, err := c.doGet(ctx, "/simple/price?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("coingecko: simple stats: %w", err)
	}

	var raw map[string]map[string]*decimal.Decimal
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("coingecko: decode simple stats: %w", err)
	}

	out := make(map[string]domain.CoinStats, len(raw))
	for id, fields := range raw {
		p := fields["usd"]
		if p == nil {
			continue
		}
		out[id] = domain.CoinStats{
			Price:     *p,
			MarketCap: fields["usd_market_cap"],
			Volume24h: fields["usd_24h_vol"],
			Change24h: fields["usd_24h_change"],
		}
	}
	return out, nil
}

// Markets returns one page of the market listing ordered by market cap.
func (c *Client) Markets(ctx context.Context, page, perPage int) ([]domain.MarketCoin, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("sparkline", "false")

	body, err := c.doGet(ctx, "/coins/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("coingecko: markets: %w", err)
	}

	var coins []domain.MarketCoin
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("coingecko: decode markets: %w", err)
	}
	return coins, nil
}

// Coin returns the upstream detail document for id.
func (c *Client) Coin(ctx context.Context, id string) (domain.CoinDetails, error) {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("community_data", "false")
	params.Set("developer_data", "false")

	body, err := c.doGet(ctx, "/coins/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("coingecko: coin %s: %w", id, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("coingecko: coin %s: invalid JSON", id)
	}
	return domain.CoinDetails(body), nil
}

// Search returns coins matching query.
func (c *Client) Search(ctx context.Context, query string) ([]domain.SearchCoin, error) {
	params := url.Values{}
	params.Set("query", query)

	body, err := c.doGet(ctx, "/search?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("coingecko: search: %w", err)
	}

	var resp struct {
		Coins []domain.SearchCoin `json:"coins"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coingecko: decode search: %w", err)
	}
	return resp.Coins, nil
}

// Trending returns the upstream trending coins.
func (c *Client) Trending(ctx context.Context) ([]domain.SearchCoin, error) {
	body, err := c.doGet(ctx, "/search/trending")
	if err != nil {
		return nil, fmt.Errorf("coingecko: trending: %w", err)
	}

	var resp struct {
		Coins []struct {
			Item domain.SearchCoin `json:"item"`
		} `json:"coins"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coingecko: decode trending: %w", err)
	}
	out := make([]domain.SearchCoin, 0, len(resp.Coins))
	for _, c := range resp.Coins {
		out = append(out, c.Item)
	}
	return out, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	e := &StatusError{Code: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

// parseRetryAfter understands the delta-seconds form only.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
