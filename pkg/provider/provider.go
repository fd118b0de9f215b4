// Package provider defines the capability interface upstream market data
// providers implement, and the closed set of query operations the cache can
// issue against them.
package provider

import (
	"context"
	"errors"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/timerange"
)

var (
	// ErrUnsupportedKind is returned by providers that do not serve a query kind
	ErrUnsupportedKind = errors.New("query kind not supported by provider")
)

// Kind enumerates the query operations a provider may serve. The set is
// closed: the pool dispatches on it explicitly, never by method-name lookup.
type Kind string

const (
	// KindDailyBars requests OHLCV bars for one instrument over a date range
	KindDailyBars Kind = "daily_bars"
	// KindTradeDates requests the exchange trading-day calendar for a range
	KindTradeDates Kind = "trade_dates"
	// KindSecurityList requests all listed instruments as of a day
	KindSecurityList Kind = "security_list"
	// KindSecurityProfile requests static reference data for one instrument
	KindSecurityProfile Kind = "security_profile"
	// KindDividends requests dividend events for one instrument and year
	KindDividends Kind = "dividends"
	// KindAdjustFactors requests price adjustment factors over a date range
	KindAdjustFactors Kind = "adjust_factors"
	// KindIndexMembers requests index constituents as of a day
	KindIndexMembers Kind = "index_members"
)

// RangeCacheable reports whether results for this kind are keyed by a date
// range and therefore eligible for gap-reconciled caching. Other kinds pass
// straight through to a provider.
func (k Kind) RangeCacheable() bool {
	switch k {
	case KindDailyBars, KindAdjustFactors:
		return true
	case KindTradeDates, KindSecurityList, KindSecurityProfile, KindDividends, KindIndexMembers:
		return false
	}
	return false
}

// Query is one request against a provider. Which fields are meaningful
// depends on Kind; unused fields are left zero.
type Query struct {
	Kind   Kind
	Symbol string
	Range  timerange.Range
	Fields []string

	// Frequency is the bar interval for KindDailyBars: d, w or m.
	Frequency string
	// AdjustFlag selects the price adjustment: 1 post-adjusted, 2
	// pre-adjusted, 3 unadjusted.
	AdjustFlag string
	// Date is the as-of day for point-in-time kinds.
	Date string
	// Year scopes KindDividends.
	Year int
}

// Provider is one upstream market data source. Implementations must be safe
// for concurrent use; the pool may have several queries in flight against the
// same provider.
type Provider interface {
	// Name identifies the provider in stats, logs and admin operations.
	Name() string

	// Query executes one operation, returning a tabular result. Kinds the
	// provider does not serve return ErrUnsupportedKind.
	Query(ctx context.Context, q Query) (*frame.Frame, error)

	// HealthCheck probes the provider's lightweight health signal.
	HealthCheck(ctx context.Context) error
}
