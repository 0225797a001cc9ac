package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"storefront/internal/models"
	"storefront/internal/util"
)

// FallbackShippingMethod is quoted when the rate source is unreachable.
// Checkout proceeds rather than blocking on a rate outage.
var FallbackShippingMethod = models.ShippingMethod{
	ID:            "standard",
	Name:          "Standard",
	Price:         599,
	EstimatedDays: 4,
}

// RateSource fetches shipping options for a destination. subtotal is in
// minor units; sources may use it for free-shipping thresholds.
type RateSource interface {
	FetchRates(ctx context.Context, country, postalCode string, subtotal int64) ([]models.ShippingMethod, error)
}

// ShippingRateResolver quotes shipping methods for an address. A failing
// source degrades to a single conservative fallback instead of erroring.
type ShippingRateResolver struct {
	source    RateSource
	addresses *AddressValidator
	logger    *zap.Logger
}

func NewShippingRateResolver(source RateSource, addresses *AddressValidator) *ShippingRateResolver {
	return &ShippingRateResolver{
		source:    source,
		addresses: addresses,
		logger:    util.GetLogger(),
	}
}

// Resolve returns the available methods for the address, sorted cheapest
// first (ties broken by fewer estimated days). An address without country
// or postal code quotes nothing. degraded reports that the fallback was
// used because the rate source failed.
func (r *ShippingRateResolver) Resolve(ctx context.Context, addr *models.Address, subtotal int64) (methods []models.ShippingMethod, degraded bool, err error) {
	if !r.addresses.HasRateFields(addr) {
		return nil, false, nil
	}

	start := time.Now()
	methods, err = r.source.FetchRates(ctx, addr.Country, addr.PostalCode, subtotal)
	util.ShippingLookupLatency.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if err != nil {
		r.logger.Warn("shipping rate source failed, using fallback",
			zap.String("country", addr.Country), zap.Error(err))
		util.ShippingFallbacksTotal.Inc()
		return []models.ShippingMethod{FallbackShippingMethod}, true, nil
	}

	sortMethods(methods)
	return methods, false, nil
}

func sortMethods(methods []models.ShippingMethod) {
	for i := 1; i < len(methods); i++ {
		for j := i; j > 0 && lessMethod(methods[j], methods[j-1]); j-- {
			methods[j], methods[j-1] = methods[j-1], methods[j]
		}
	}
}

func lessMethod(a, b models.ShippingMethod) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.EstimatedDays < b.EstimatedDays
}

// AutoSelect picks a method without asking the shopper, when the choice is
// unambiguous:
//   - exactly one method: that one
//   - all free: the fewest estimated days
//   - exactly one free among two: the free one
//
// Any other mix returns nil and the shopper chooses.
func AutoSelect(methods []models.ShippingMethod) *models.ShippingMethod {
	switch {
	case len(methods) == 0:
		return nil
	case len(methods) == 1:
		m := methods[0]
		return &m
	}

	var free []models.ShippingMethod
	for _, m := range methods {
		if m.Price == 0 {
			free = append(free, m)
		}
	}

	if len(free) == len(methods) {
		best := free[0]
		for _, m := range free[1:] {
			if m.EstimatedDays < best.EstimatedDays {
				best = m
			}
		}
		return &best
	}
	if len(free) == 1 && len(methods) == 2 {
		m := free[0]
		return &m
	}
	return nil
}

// HTTPRateSource queries an external rate service over HTTP.
type HTTPRateSource struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRateSource(endpoint string, timeout time.Duration) *HTTPRateSource {
	return &HTTPRateSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPRateSource) FetchRates(ctx context.Context, country, postalCode string, subtotal int64) ([]models.ShippingMethod, error) {
	q := url.Values{}
	q.Set("country", country)
	q.Set("postal_code", postalCode)
	q.Set("subtotal", fmt.Sprintf("%d", subtotal))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate lookup: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Methods []models.ShippingMethod `json:"methods"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("rate lookup: decode: %w", err)
	}
	return payload.Methods, nil
}

// Debouncer collapses rapid successive triggers per key into one call
// after the delay. A non-positive delay runs the function inline, which
// keeps tests deterministic.
type Debouncer struct {
	delay  time.Duration
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

func (d *Debouncer) Trigger(key string, fn func()) {
	if d.delay <= 0 {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}
