// Package models provides domain models for the algorithm engine.
package models

import (
	"fmt"
	"time"
)

// SecurityType represents the asset class of an instrument.
type SecurityType string

const (
	SecurityTypeEquity SecurityType = "EQUITY"
	SecurityTypeOption SecurityType = "OPTION"
	SecurityTypeFuture SecurityType = "FUTURE"
	SecurityTypeCrypto SecurityType = "CRYPTO"
	SecurityTypeBase   SecurityType = "BASE" // custom data
)

// Resolution represents the native period of a data subscription.
type Resolution string

const (
	ResolutionTick   Resolution = "TICK"
	ResolutionSecond Resolution = "SECOND"
	ResolutionMinute Resolution = "MINUTE"
	ResolutionHour   Resolution = "HOUR"
	ResolutionDaily  Resolution = "DAILY"
)

// Duration returns the period of one bar at this resolution. Tick
// resolution has no period and returns zero.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionSecond:
		return time.Second
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// DataNormalizationMode controls how historical corporate actions are
// reflected in the price series.
type DataNormalizationMode string

const (
	// NormalizationRaw leaves prices as traded; splits and dividends must
	// be applied to holdings, cash and open orders when they occur.
	NormalizationRaw DataNormalizationMode = "RAW"
	// NormalizationAdjusted back-adjusts the price series, so corporate
	// actions carry no separate economic effect.
	NormalizationAdjusted DataNormalizationMode = "ADJUSTED"
)

// AlgorithmStatus represents the externally observed state of a run.
type AlgorithmStatus string

const (
	StatusInitializing AlgorithmStatus = "INITIALIZING"
	StatusRunning      AlgorithmStatus = "RUNNING"
	StatusHistory      AlgorithmStatus = "HISTORY" // warming up on historical data
	StatusCompleted    AlgorithmStatus = "COMPLETED"
	StatusStopped      AlgorithmStatus = "STOPPED"
	StatusDeleted      AlgorithmStatus = "DELETED"
	StatusLiquidated   AlgorithmStatus = "LIQUIDATED"
	StatusRuntimeError AlgorithmStatus = "RUNTIME_ERROR"
)

// IsTerminal reports whether no further slices should be processed once
// this status is observed.
func (s AlgorithmStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusDeleted, StatusLiquidated, StatusRuntimeError:
		return true
	}
	return false
}

// Symbol uniquely identifies a tradable instrument. Derivatives carry
// the ticker of their underlying so corporate actions on the underlying
// can be traced to them.
type Symbol struct {
	Ticker     string
	Type       SecurityType
	Underlying string
}

// NewSymbol creates an equity symbol.
func NewSymbol(ticker string) Symbol {
	return Symbol{Ticker: ticker, Type: SecurityTypeEquity}
}

// NewOptionSymbol creates an option symbol on the given underlying.
func NewOptionSymbol(ticker, underlying string) Symbol {
	return Symbol{Ticker: ticker, Type: SecurityTypeOption, Underlying: underlying}
}

// IsDerivative reports whether the symbol references an underlying.
func (s Symbol) IsDerivative() bool {
	return s.Underlying != ""
}

func (s Symbol) String() string {
	if s.IsDerivative() {
		return fmt.Sprintf("%s(%s)", s.Ticker, s.Underlying)
	}
	return s.Ticker
}

// Bar represents OHLCV data for one period.
type Bar struct {
	Symbol Symbol
	Time   time.Time // period start
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	Period time.Duration
}

// EndTime returns the instant the bar closed.
func (b Bar) EndTime() time.Time {
	return b.Time.Add(b.Period)
}

// QuoteBar represents bid/ask data for one period.
type QuoteBar struct {
	Symbol Symbol
	Time   time.Time
	Bid    float64
	Ask    float64
	Period time.Duration
}

// Mid returns the quote midpoint.
func (q QuoteBar) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tick represents a single trade print.
type Tick struct {
	Symbol   Symbol
	Time     time.Time
	Price    float64
	Quantity int64
}

// Dividend represents a cash distribution on its ex-date.
type Dividend struct {
	Symbol         Symbol
	Time           time.Time
	Distribution   float64 // per share
	ReferencePrice float64
}

// SplitType distinguishes an advance warning from the split itself.
type SplitType string

const (
	SplitWarning  SplitType = "WARNING"
	SplitOccurred SplitType = "OCCURRED"
)

// Split represents a stock split event. SplitFactor follows the price
// convention: a 2:1 split has factor 0.5 (price halves, quantity doubles).
type Split struct {
	Symbol         Symbol
	Time           time.Time
	SplitFactor    float64
	ReferencePrice float64
	Type           SplitType
}

// DelistingType distinguishes an advance warning from the delisting itself.
type DelistingType string

const (
	DelistingWarning  DelistingType = "WARNING"
	DelistingOccurred DelistingType = "OCCURRED"
)

// Delisting represents a security leaving the market.
type Delisting struct {
	Symbol Symbol
	Time   time.Time
	Type   DelistingType
}

// SymbolChange represents a ticker rename taking effect at Time.
type SymbolChange struct {
	Old  Symbol
	New  Symbol
	Time time.Time
}

// CustomData represents a user-subscribed data point outside the market
// data taxonomy.
type CustomData struct {
	Symbol Symbol
	Time   time.Time
	Value  float64
	Source string
}

// OptionChain represents the option contracts observed for an underlying
// at one instant.
type OptionChain struct {
	Underlying Symbol
	Time       time.Time
	Contracts  []Symbol
}
