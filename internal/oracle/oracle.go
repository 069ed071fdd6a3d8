// Package oracle supplies asset price quotes to the ledger.
//
// The ledger only consumes (price, exponent) tuples; how a feed is updated
// belongs to the feed. StaticSource holds quotes pushed through the admin API
// and MaxAge rejects quotes older than a policy window.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderings/arena-ledger/internal/model"
)

var (
	ErrUnknownAsset = errors.New("oracle: no price for asset")
	ErrStalePrice   = errors.New("oracle: price is older than the allowed age")
)

// Source returns the latest quote for an asset.
type Source interface {
	LatestPrice(ctx context.Context, asset string) (model.PriceQuote, error)
}

// StaticSource is an in-memory price table.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]model.PriceQuote
	now    func() time.Time
}

// NewStaticSource creates an empty price table.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		quotes: make(map[string]model.PriceQuote),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Set stores a quote for asset. A zero PublishTime is stamped with now.
func (s *StaticSource) Set(asset string, q model.PriceQuote) {
	if q.PublishTime.IsZero() {
		q.PublishTime = s.now()
	}
	s.mu.Lock()
	s.quotes[asset] = q
	s.mu.Unlock()
}

// SetDecimal stores a human-readable price, e.g. "50.25", as a quote with
// the decimal's own exponent.
func (s *StaticSource) SetDecimal(asset string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("set %s: negative price %s", asset, price)
	}
	coef := price.Coefficient()
	if !coef.IsInt64() {
		return fmt.Errorf("set %s: price %s out of range", asset, price)
	}
	s.Set(asset, model.PriceQuote{Price: coef.Int64(), Exponent: price.Exponent()})
	return nil
}

func (s *StaticSource) LatestPrice(_ context.Context, asset string) (model.PriceQuote, error) {
	s.mu.RLock()
	q, ok := s.quotes[asset]
	s.mu.RUnlock()
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return q, nil
}

// Snapshot returns every stored quote keyed by asset.
func (s *StaticSource) Snapshot() map[string]model.PriceQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.PriceQuote, len(s.quotes))
	for k, v := range s.quotes {
		out[k] = v
	}
	return out
}

// Assets returns the priced assets in lexical order.
func (s *StaticSource) Assets() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.quotes))
	for k := range s.quotes {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// MaxAge wraps a source and rejects quotes published more than Age ago.
type MaxAge struct {
	Source Source
	Age    time.Duration
	Now    func() time.Time
}

func (m MaxAge) LatestPrice(ctx context.Context, asset string) (model.PriceQuote, error) {
	q, err := m.Source.LatestPrice(ctx, asset)
	if err != nil {
		return q, err
	}
	if m.Age <= 0 {
		return q, nil
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	if age := now.Sub(q.PublishTime); age > m.Age {
		return model.PriceQuote{}, fmt.Errorf("%w: %s published %s ago", ErrStalePrice, asset, age.Truncate(time.Second))
	}
	return q, nil
}
