// Package models provides the instrument, market-data, order and connection
// types exchanged between the gateway bridge and its callers.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// SecType is the gateway security type of a contract
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeIndex  SecType = "IND"
	SecTypeFuture SecType = "FUT"
)

// Right is the option right (call or put)
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Routing and currency defaults used when building contract descriptors.
const (
	ExchangeSmart      = "SMART"
	DefaultCurrency    = "USD"
	DefaultMultiplier  = "100"
	expirationDateSize = 8 // YYYYMMDD
)

// NormalizeRight accepts C, P, CALL or PUT in any case.
func NormalizeRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return RightCall, nil
	case "P", "PUT":
		return RightPut, nil
	default:
		return "", fmt.Errorf("invalid option right %q", s)
	}
}

// Contract describes an instrument as the gateway understands it.
// Zero-valued fields are left for the gateway to resolve.
type Contract struct {
	ConID           int64   `json:"con_id,omitempty"`
	Symbol          string  `json:"symbol"`
	SecType         SecType `json:"sec_type"`
	Expiration      string  `json:"expiration,omitempty"`
	Strike          float64 `json:"strike,omitempty"`
	Right           Right   `json:"right,omitempty"`
	Multiplier      string  `json:"multiplier,omitempty"`
	Exchange        string  `json:"exchange,omitempty"`
	PrimaryExchange string  `json:"primary_exchange,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	LocalSymbol     string  `json:"local_symbol,omitempty"`
	TradingClass    string  `json:"trading_class,omitempty"`
}

// String renders a short human-readable description used in logs and errors.
func (c Contract) String() string {
	switch c.SecType {
	case SecTypeOption:
		return fmt.Sprintf("%s %s %s%s@%s", c.Symbol, c.Expiration,
			strconv.FormatFloat(c.Strike, 'f', -1, 64), c.Right, exchangeOrBlank(c.Exchange))
	default:
		return fmt.Sprintf("%s %s@%s", c.Symbol, c.SecType, exchangeOrBlank(c.Exchange))
	}
}

func exchangeOrBlank(exchange string) string {
	if exchange == "" {
		return "<any>"
	}
	return exchange
}

// Validate rejects descriptors the gateway cannot match: a contract needs
// either a contract id or a symbol and security type.
func (c Contract) Validate() error {
	if c.ConID > 0 {
		return nil
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("contract symbol is required")
	}
	if strings.TrimSpace(string(c.SecType)) == "" {
		return fmt.Errorf("contract sec_type is required")
	}
	return nil
}

// IsStock reports whether the contract is an equity
func (c Contract) IsStock() bool {
	return c.SecType == SecTypeStock
}

// StockContract builds a minimal equity descriptor.
func StockContract(symbol, exchange, currency string) Contract {
	if exchange == "" {
		exchange = ExchangeSmart
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return Contract{
		Symbol:   strings.ToUpper(symbol),
		SecType:  SecTypeStock,
		Exchange: exchange,
		Currency: strings.ToUpper(currency),
	}
}

// ContractDetails is one match returned by a contract-details lookup.
type ContractDetails struct {
	Contract       Contract `json:"contract"`
	MarketName     string   `json:"market_name,omitempty"`
	LongName       string   `json:"long_name,omitempty"`
	MinTick        float64  `json:"min_tick,omitempty"`
	ValidExchanges string   `json:"valid_exchanges,omitempty"`
	UnderConID     int64    `json:"under_con_id,omitempty"`
	TimeZoneID     string   `json:"time_zone_id,omitempty"`
}

// OptionSpec is an under-specified option description that still needs
// qualification against the gateway.
type OptionSpec struct {
	Symbol            string  `json:"symbol"`
	Expiration        string  `json:"expiration"`
	Strike            float64 `json:"strike"`
	Right             string  `json:"right"`
	PreferredExchange string  `json:"exchange,omitempty"`
	Currency          string  `json:"currency,omitempty"`
	TradingClass      string  `json:"trading_class,omitempty"`
	Multiplier        string  `json:"multiplier,omitempty"`
}

// Validate checks the fields every qualification attempt relies on.
func (s OptionSpec) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("option symbol is required")
	}
	if len(s.Expiration) != expirationDateSize && len(s.Expiration) != 6 {
		return fmt.Errorf("option expiration %q must be YYYYMMDD or YYMMDD", s.Expiration)
	}
	if _, err := strconv.Atoi(s.Expiration); err != nil {
		return fmt.Errorf("option expiration %q must be numeric", s.Expiration)
	}
	if s.Strike <= 0 {
		return fmt.Errorf("option strike must be > 0")
	}
	if _, err := NormalizeRight(s.Right); err != nil {
		return err
	}
	return nil
}
