package treasury

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelhq/keel"
)

// Rate is an exchange rate in parts per million: 1_080_000 turns 100 into 108.
type Rate struct {
	PPM int64
}

// Apply converts amount, rounding down.
func (r Rate) Apply(amount int64) int64 {
	return amount * r.PPM / 1_000_000
}

// RatePolicy quotes the rate for a currency pair.
type RatePolicy interface {
	Quote(ctx context.Context, from, to string) (Rate, error)
}

// FixedRates quotes from a static table, keyed "FROM/TO". It is safe for
// concurrent use and can be updated while quoting.
type FixedRates struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewFixedRates creates a table from ppm values keyed "FROM/TO".
func NewFixedRates(ppm map[string]int64) *FixedRates {
	f := &FixedRates{rates: make(map[string]Rate, len(ppm))}
	for pair, v := range ppm {
		f.rates[pair] = Rate{PPM: v}
	}
	return f
}

// Set replaces the rate of a pair.
func (f *FixedRates) Set(from, to string, ppm int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[from+"/"+to] = Rate{PPM: ppm}
}

// Quote returns the rate of from/to.
func (f *FixedRates) Quote(_ context.Context, from, to string) (Rate, error) {
	if from == to {
		return Rate{PPM: 1_000_000}, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rates[from+"/"+to]
	if !ok {
		return Rate{}, keel.Permanent(fmt.Errorf("treasury: no rate for %s/%s", from, to))
	}
	return r, nil
}
