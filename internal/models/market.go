package models

import (
	"github.com/shopspring/decimal"
)

// Bar is one historical OHLCV bar.
type Bar struct {
	Date   string          `json:"date"`
	Open   float64         `json:"open"`
	High   float64         `json:"high"`
	Low    float64         `json:"low"`
	Close  float64         `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	WAP    decimal.Decimal `json:"wap"`
	Count  int             `json:"count"`
}

// HistoricalRequest carries the parameters of a historical-bars request.
type HistoricalRequest struct {
	Contract   Contract `json:"contract"`
	EndTime    string   `json:"end_time"` // "" means now
	Duration   string   `json:"duration"` // e.g. "1 D", "2 W"
	BarSize    string   `json:"bar_size"` // e.g. "1 min", "1 day"
	WhatToShow string   `json:"what_to_show"`
	UseRTH     bool     `json:"use_rth"`
}

// Historical request defaults.
const (
	DefaultHistoricalDuration   = "1 D"
	DefaultHistoricalBarSize    = "1 day"
	DefaultHistoricalWhatToShow = "TRADES"
)

// NewHistoricalRequest returns a request for contract with the default
// duration, bar size and data source over regular trading hours.
func NewHistoricalRequest(contract Contract) HistoricalRequest {
	return HistoricalRequest{
		Contract:   contract,
		Duration:   DefaultHistoricalDuration,
		BarSize:    DefaultHistoricalBarSize,
		WhatToShow: DefaultHistoricalWhatToShow,
		UseRTH:     true,
	}
}

// WithDefaults fills empty duration, bar size and data source fields.
func (r HistoricalRequest) WithDefaults() HistoricalRequest {
	if r.Duration == "" {
		r.Duration = DefaultHistoricalDuration
	}
	if r.BarSize == "" {
		r.BarSize = DefaultHistoricalBarSize
	}
	if r.WhatToShow == "" {
		r.WhatToShow = DefaultHistoricalWhatToShow
	}
	return r
}

// Snapshot key under which the gateway-reported market data type is kept.
const ActualMarketDataTypeKey = "actualMarketDataType"

// Snapshot maps tick names to their last-written value. Values are float64
// for prices and generic ticks, decimal.Decimal for sizes, string for string
// ticks, OptionGreeks for option computations and int for the data type.
type Snapshot map[string]any

// Price returns a price tick, treating the gateway's -1 sentinel as absent.
func (s Snapshot) Price(tick string) (float64, bool) {
	v, ok := s[tick].(float64)
	if !ok || v == -1 || v != v {
		return 0, false
	}
	return v, true
}

// Size returns a size tick.
func (s Snapshot) Size(tick string) (decimal.Decimal, bool) {
	v, ok := s[tick].(decimal.Decimal)
	return v, ok
}

// Greeks returns an option computation tick.
func (s Snapshot) Greeks(tick string) (OptionGreeks, bool) {
	v, ok := s[tick].(OptionGreeks)
	return v, ok
}

// OptionGreeks is a sanitized option computation. Nil fields were not
// provided by the gateway.
type OptionGreeks struct {
	ImpliedVol *float64 `json:"implied_vol,omitempty"`
	Delta      *float64 `json:"delta,omitempty"`
	OptPrice   *float64 `json:"opt_price,omitempty"`
	PVDividend *float64 `json:"pv_dividend,omitempty"`
	Gamma      *float64 `json:"gamma,omitempty"`
	Vega       *float64 `json:"vega,omitempty"`
	Theta      *float64 `json:"theta,omitempty"`
	UndPrice   *float64 `json:"und_price,omitempty"`
	TickAttrib int      `json:"tick_attrib"`
}

// OptionParams is one option-chain parameter set as reported per exchange.
type OptionParams struct {
	Exchange        string    `json:"exchange"`
	UnderlyingConID int64     `json:"underlying_con_id"`
	TradingClass    string    `json:"trading_class"`
	Multiplier      string    `json:"multiplier"`
	Expirations     []string  `json:"expirations"`
	Strikes         []float64 `json:"strikes"`
}

// OptionParamsQuery selects the underlying of an option-chain lookup.
// ConID is resolved from Symbol and SecType when zero.
type OptionParamsQuery struct {
	Symbol         string  `json:"symbol"`
	SecType        SecType `json:"sec_type"`
	ConID          int64   `json:"con_id,omitempty"`
	FutFopExchange string  `json:"fut_fop_exchange,omitempty"`
}
