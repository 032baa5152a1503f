// Package prices fetches USD par values per coin from an external feed
// (CoinGecko-compatible) and caches them for the /prices endpoint.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFeedURL is the CoinGecko simple-price endpoint.
const DefaultFeedURL = "https://api.coingecko.com/api/v3/simple/price"

// coinIDs maps exchange coin codes to feed identifiers.
var coinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"LTC":  "litecoin",
	"BCH":  "bitcoin-cash",
	"USDT": "tether",
	"SOL":  "solana",
	"XRP":  "ripple",
	"ADA":  "cardano",
}

// Client caches the latest feed snapshot. Refresh is driven externally (the
// server schedules it); reads never block on the network.
type Client struct {
	feedURL string
	http    *http.Client

	mu     sync.RWMutex
	latest map[string]decimal.Decimal
	asOf   time.Time
}

// NewClient creates a price feed client for the given endpoint.
func NewClient(feedURL string) *Client {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	return &Client{
		feedURL: feedURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		latest:  make(map[string]decimal.Decimal),
	}
}

// Refresh fetches current prices and replaces the cached snapshot.
func (c *Client) Refresh(ctx context.Context) error {
	ids := make([]string, 0, len(coinIDs))
	for _, id := range coinIDs {
		ids = append(ids, id)
	}

	u, err := url.Parse(c.feedURL)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("price feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode price feed response: %w", err)
	}

	snapshot := make(map[string]decimal.Decimal, len(coinIDs))
	for coin, id := range coinIDs {
		if usd, ok := payload[id]["usd"]; ok {
			snapshot[coin] = usd
		}
	}

	c.mu.Lock()
	c.latest = snapshot
	c.asOf = time.Now()
	c.mu.Unlock()
	return nil
}

// Snapshot returns the cached coin to USD price map and its fetch time.
func (c *Client) Snapshot() (map[string]decimal.Decimal, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.latest))
	for coin, price := range c.latest {
		out[coin] = price
	}
	return out, c.asOf
}
