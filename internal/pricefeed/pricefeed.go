package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Options parameterise the reference-asset USD price feed.
type Options struct {
	URL             string
	RefreshInterval time.Duration
	Timeout         time.Duration
}

// Feed maintains the last good USD price of the reference asset. A failed
// refresh never overwrites a previously good value; before the first success
// the price is unavailable and value gates stay shut.
type Feed struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	price     decimal.Decimal
	updatedAt time.Time
	good      bool
}

// New constructs a price feed.
func New(opts Options, logger zerolog.Logger) *Feed {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "price_feed").Logger(),
	}
}

// Price returns the last known good value, or ok=false if no fetch has ever
// succeeded.
func (f *Feed) Price() (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price, f.good
}

// UpdatedAt reports when the price was last refreshed successfully.
func (f *Feed) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.updatedAt
}

// Run refreshes immediately and then on every interval until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context) {
	if err := f.Refresh(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("initial price fetch failed")
	}

	ticker := time.NewTicker(f.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Warn().Err(err).Msg("price refresh failed; keeping previous value")
			}
		}
	}
}

// Refresh fetches the price source once and replaces the cached value on
// success.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.opts.URL == "" {
		return errors.New("price feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("price source returned status %d", resp.StatusCode)
	}

	price, err := parsePrice(resp.Body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.price = price
	f.updatedAt = time.Now().UTC()
	f.good = true
	f.mu.Unlock()

	f.logger.Debug().Str("price_usd", price.String()).Msg("price refreshed")
	return nil
}

// parsePrice accepts either a flat {"price": N} body or the CoinGecko shape
// {"<coin>":{"usd": N}}.
func parsePrice(body io.Reader) (decimal.Decimal, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price body: %w", err)
	}

	if raw, ok := payload["price"]; ok {
		return numberToPrice(raw)
	}

	for _, v := range payload {
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if raw, ok := nested["usd"]; ok {
			return numberToPrice(raw)
		}
	}

	return decimal.Decimal{}, errors.New("no price field in response")
}

func numberToPrice(raw any) (decimal.Decimal, error) {
	num, ok := raw.(json.Number)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("price field is %T, not a number", raw)
	}
	price, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", num.String(), err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price %s", price.String())
	}
	return price, nil
}
