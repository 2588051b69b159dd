package melisync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxSearchLimit is the provider's documented page-size ceiling for the
// orders search endpoint. Requests above it are capped, not rejected.
const MaxSearchLimit = 51

// Fetcher is the remote order search surface the orchestrator depends on.
type Fetcher interface {
	WhoAmI(ctx context.Context, accessToken string) (int64, error)
	SearchOrders(ctx context.Context, accessToken string, params SearchParams) (SearchResult, error)
}

type SearchParams struct {
	SellerId        int64
	Limit           int
	Offset          int
	Statuses        []string
	DateCreatedFrom string
	DateCreatedTo   string
	LastUpdatedFrom string
	LastUpdatedTo   string
}

type Paging struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type SearchResult struct {
	Orders []RawOrder `json:"results"`
	Paging Paging     `json:"paging"`
}

// Client calls the marketplace REST API. A tick limiter spaces requests so a
// burst of pages doesn't trip the provider's rate limit on our side.
type Client struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time

	mu      sync.Mutex
	sellers map[string]int64 // access token -> seller id, for the operation's lifetime
}

func NewClient() *Client {
	baseURL := strings.TrimSpace(os.Getenv("MELI_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.mercadolibre.com"
	}
	ratePerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("MELI_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ratePerMin = n
		}
	}
	interval := time.Minute / time.Duration(ratePerMin)

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
		sellers: make(map[string]int64),
	}
}

// WhoAmI resolves the seller id behind an access token with one "users/me"
// call, cached for subsequent pages of the same operation.
func (c *Client) WhoAmI(ctx context.Context, accessToken string) (int64, error) {
	c.mu.Lock()
	if id, ok := c.sellers[accessToken]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, err := c.get(ctx, accessToken, "/users/me", nil)
	if err != nil {
		return 0, err
	}

	var parsed struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, err
	}
	if parsed.ID == 0 {
		return 0, fmt.Errorf("users/me sem id na resposta")
	}

	c.mu.Lock()
	c.sellers[accessToken] = parsed.ID
	c.mu.Unlock()
	return parsed.ID, nil
}

// SearchOrders runs one page of the provider's order search. 401/403 and 429
// are reported as distinct error kinds so the orchestrator can decide between
// reauthentication, backoff and abort.
func (c *Client) SearchOrders(ctx context.Context, accessToken string, p SearchParams) (SearchResult, error) {
	params := url.Values{}
	params.Set("seller", strconv.FormatInt(p.SellerId, 10))
	params.Set("sort", "date_desc")

	limit := p.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	params.Set("limit", strconv.Itoa(limit))
	if p.Offset > 0 {
		params.Set("offset", strconv.Itoa(p.Offset))
	}
	for _, status := range p.Statuses {
		params.Add("order.status", status)
	}
	if p.DateCreatedFrom != "" {
		params.Set("order.date_created.from", p.DateCreatedFrom)
	}
	if p.DateCreatedTo != "" {
		params.Set("order.date_created.to", p.DateCreatedTo)
	}
	if p.LastUpdatedFrom != "" {
		params.Set("order.date_last_updated.from", p.LastUpdatedFrom)
	}
	if p.LastUpdatedTo != "" {
		params.Set("order.date_last_updated.to", p.LastUpdatedTo)
	}

	body, err := c.get(ctx, accessToken, "/orders/search", params)
	if err != nil {
		return SearchResult{}, err
	}

	var parsed SearchResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SearchResult{}, err
	}
	return parsed, nil
}

func (c *Client) get(ctx context.Context, accessToken string, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, redactToken(err, accessToken))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("api retornou %d em %s: %w", resp.StatusCode, path, ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("api retornou 429 em %s: %w", path, ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := strings.TrimSpace(string(body))
		msg = strings.ReplaceAll(msg, accessToken, "***")
		return nil, fmt.Errorf("api retornou %d em %s: %s", resp.StatusCode, path, msg)
	}
	return body, nil
}

// redactToken keeps the bearer credential out of transport errors, which echo
// the full request URL.
func redactToken(err error, accessToken string) error {
	if err == nil || accessToken == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), accessToken, "***")
	return fmt.Errorf("%s", msg)
}
