// Package rates serves BTC/fiat exchange rates from an upstream price
// oracle with a TTL cache and single-flight request coalescing.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nutjar/nutjar/apperr"
)

const (
	DefaultOracleURL = "https://mempool.space/api/v1/prices"

	cacheTTL     = 2 * time.Minute
	fetchTimeout = 5 * time.Second
)

// Rate is the price of one fiat unit in sats.
type Rate struct {
	Currency  string  `json:"currency"`
	Rate      float64 `json:"rate"`
	Timestamp int64   `json:"timestamp"`
}

var supportedCurrencies = map[string]struct{}{
	"usd": {},
	"eur": {},
	"cad": {},
	"gbp": {},
}

type Cache struct {
	oracleURL  string
	httpClient *http.Client

	group singleflight.Group

	mu    sync.RWMutex
	rates map[string]Rate
}

func NewCache(oracleURL string) *Cache {
	if oracleURL == "" {
		oracleURL = DefaultOracleURL
	}
	return &Cache{
		oracleURL:  oracleURL,
		httpClient: &http.Client{},
		rates:      make(map[string]Rate),
	}
}

// GetRate returns the sats-per-unit rate for the currency. Within the
// TTL the cached record is returned as-is. On a miss one upstream
// fetch is made no matter how many callers arrive concurrently, and
// every currency the oracle returns is cached with the same timestamp.
// If the upstream fails and a stale entry exists, the stale entry is
// returned.
func (c *Cache) GetRate(ctx context.Context, currency string) (Rate, error) {
	currency = strings.ToLower(currency)
	if _, ok := supportedCurrencies[currency]; !ok {
		return Rate{}, apperr.Newf(http.StatusBadRequest, apperr.Validation,
			"unsupported currency '%s'", currency)
	}

	c.mu.RLock()
	cached, haveCached := c.rates[currency]
	c.mu.RUnlock()
	if haveCached && time.Since(time.UnixMilli(cached.Timestamp)) < cacheTTL {
		return cached, nil
	}

	_, err, _ := c.group.Do("prices", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		if haveCached {
			return cached, nil
		}
		return Rate{}, apperr.ConnectionError("could not fetch exchange rates")
	}

	c.mu.RLock()
	rate, ok := c.rates[currency]
	c.mu.RUnlock()
	if !ok {
		return Rate{}, apperr.ConnectionError("oracle did not return a rate for " + currency)
	}
	return rate, nil
}

func (c *Cache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oracleURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var prices struct {
		USD float64 `json:"USD"`
		EUR float64 `json:"EUR"`
		CAD float64 `json:"CAD"`
		GBP float64 `json:"GBP"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return fmt.Errorf("could not decode oracle response: %v", err)
	}

	timestamp := time.Now().UnixMilli()
	fetched := map[string]float64{
		"usd": prices.USD,
		"eur": prices.EUR,
		"cad": prices.CAD,
		"gbp": prices.GBP,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for currency, price := range fetched {
		if price <= 0 {
			continue
		}
		c.rates[currency] = Rate{
			Currency:  strings.ToUpper(currency),
			Rate:      100_000_000 / price,
			Timestamp: timestamp,
		}
	}
	return nil
}
