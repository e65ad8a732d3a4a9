package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"cycletrader/pkg/exchange"
)

// symbolFilters holds the venue's precision rules for one symbol.
type symbolFilters struct {
	stepSize float64 // LOT_SIZE
	tickSize float64 // PRICE_FILTER
}

// filterCache caches exchangeInfo filters; the rules change rarely, so a
// long TTL avoids re-fetching the (heavy) endpoint every cycle.
type filterCache struct {
	mu        sync.RWMutex
	filters   map[string]symbolFilters
	fetchedAt time.Time
	ttl       time.Duration
}

func newFilterCache() *filterCache {
	return &filterCache{
		filters: make(map[string]symbolFilters),
		ttl:     6 * time.Hour,
	}
}

func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	const op = "binance.symbolFilters"

	c.filters.mu.RLock()
	f, ok := c.filters.filters[symbol]
	fresh := time.Since(c.filters.fetchedAt) < c.filters.ttl
	c.filters.mu.RUnlock()
	if ok && fresh {
		return f, nil
	}

	body, err := c.doPublic(ctx, op, "/fapi/v1/exchangeInfo", url.Values{})
	if err != nil {
		return symbolFilters{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return symbolFilters{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("decode exchange info: %w", err)}
	}

	c.filters.mu.Lock()
	for _, s := range info.Symbols {
		var sf symbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				sf.stepSize = parseFloat(flt.StepSize)
			case "PRICE_FILTER":
				sf.tickSize = parseFloat(flt.TickSize)
			}
		}
		c.filters.filters[s.Symbol] = sf
	}
	c.filters.fetchedAt = time.Now()
	f, ok = c.filters.filters[symbol]
	c.filters.mu.Unlock()

	if !ok {
		return symbolFilters{}, &exchange.RequestError{Op: op, Err: fmt.Errorf("unknown symbol %s", symbol)}
	}
	return f, nil
}

// AmountToPrecision floors amount to the symbol's quantity step.
func (c *Client) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quantize(amount, f.stepSize), nil
}

// PriceToPrecision floors price to the symbol's tick size.
func (c *Client) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quantize(price, f.tickSize), nil
}

// quantize floors v to a multiple of step, rounding away float dust.
// The epsilon keeps an exact multiple from flooring a whole step down
// when the division lands just under an integer.
func quantize(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	q := math.Floor(v/step+1e-9) * step
	// Re-round to the step's decimal places to drop 1e-16 artifacts.
	decimals := 0
	for s := step; s < 1 && decimals < 12; s *= 10 {
		decimals++
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(q*pow) / pow
}
