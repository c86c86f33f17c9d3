package mock

import (
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
	"github.com/eddiefleurent/ibkr_bridge/internal/util"
)

// PriceTick is one scripted price tick
type PriceTick struct {
	Type  gateway.TickType
	Value float64
}

// SizeTick is one scripted size tick
type SizeTick struct {
	Type  gateway.TickType
	Value decimal.Decimal
}

// Quote is the tick sequence answered to a market-data request
type Quote struct {
	Prices []PriceTick
	Sizes  []SizeTick
	Greeks *gateway.OptionComputation
}

// Catalogue is the instrument, market and account data a Gateway serves.
// It is safe for concurrent use.
type Catalogue struct {
	mu        sync.RWMutex
	contracts []models.ContractDetails
	quotes    map[string]Quote
	bars      map[string][]models.Bar
	account   map[string]string
	positions []models.Position
	chains    map[string][]models.OptionParams
}

// NewCatalogue creates an empty catalogue
func NewCatalogue() *Catalogue {
	return &Catalogue{
		quotes:  make(map[string]Quote),
		bars:    make(map[string][]models.Bar),
		account: make(map[string]string),
		chains:  make(map[string][]models.OptionParams),
	}
}

func (c *Catalogue) AddContract(details ...models.ContractDetails) {
	c.mu.Lock()
	c.contracts = append(c.contracts, details...)
	c.mu.Unlock()
}

func (c *Catalogue) SetQuote(symbol string, q Quote) {
	c.mu.Lock()
	c.quotes[strings.ToUpper(symbol)] = q
	c.mu.Unlock()
}

func (c *Catalogue) SetBars(symbol string, bars []models.Bar) {
	c.mu.Lock()
	c.bars[strings.ToUpper(symbol)] = bars
	c.mu.Unlock()
}

func (c *Catalogue) SetAccountValue(tag, value string) {
	c.mu.Lock()
	c.account[tag] = value
	c.mu.Unlock()
}

func (c *Catalogue) AddPosition(rows ...models.Position) {
	c.mu.Lock()
	c.positions = append(c.positions, rows...)
	c.mu.Unlock()
}

func (c *Catalogue) SetOptionParams(symbol string, params ...models.OptionParams) {
	c.mu.Lock()
	c.chains[strings.ToUpper(symbol)] = params
	c.mu.Unlock()
}

// Match returns the catalogued contracts matching descriptor d. Options not
// catalogued explicitly are synthesized from the option chain of their
// underlying when the chain lists the expiration and strike.
func (c *Catalogue) Match(d models.Contract) []models.ContractDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.ContractDetails
	for _, details := range c.contracts {
		if matches(d, details) {
			m := details
			if d.Exchange != "" {
				m.Contract.Exchange = d.Exchange
			}
			out = append(out, m)
		}
	}
	if len(out) > 0 || d.SecType != models.SecTypeOption {
		return out
	}
	if details, ok := c.synthesizeOption(d); ok {
		out = append(out, details)
	}
	return out
}

func matches(d models.Contract, details models.ContractDetails) bool {
	c := details.Contract
	if !strings.EqualFold(d.Symbol, c.Symbol) || d.SecType != c.SecType {
		return false
	}
	if d.ConID != 0 && d.ConID != c.ConID {
		return false
	}
	if d.Currency != "" && c.Currency != "" && !strings.EqualFold(d.Currency, c.Currency) {
		return false
	}
	if !exchangeMatches(d.Exchange, c.Exchange, details.ValidExchanges) {
		return false
	}
	if d.PrimaryExchange != "" && c.PrimaryExchange != "" && !strings.EqualFold(d.PrimaryExchange, c.PrimaryExchange) {
		return false
	}
	if d.SecType == models.SecTypeOption {
		if d.Expiration != c.Expiration || d.Right != c.Right || math.Abs(d.Strike-c.Strike) > 1e-6 {
			return false
		}
		if d.TradingClass != "" && c.TradingClass != "" && !strings.EqualFold(d.TradingClass, c.TradingClass) {
			return false
		}
	}
	return true
}

// exchangeMatches treats blank and SMART requests as routable anywhere.
func exchangeMatches(requested, exchange, valid string) bool {
	if requested == "" || strings.EqualFold(requested, models.ExchangeSmart) {
		return true
	}
	if strings.EqualFold(requested, exchange) {
		return true
	}
	for _, v := range strings.Split(valid, ",") {
		if strings.EqualFold(strings.TrimSpace(v), requested) {
			return true
		}
	}
	return false
}

func (c *Catalogue) synthesizeOption(d models.Contract) (models.ContractDetails, bool) {
	chain := c.chains[strings.ToUpper(d.Symbol)]
	var exchanges []string
	for _, p := range chain {
		exchanges = append(exchanges, p.Exchange)
	}
	for _, p := range chain {
		if !exchangeMatches(d.Exchange, p.Exchange, "") {
			continue
		}
		if d.TradingClass != "" && !strings.EqualFold(d.TradingClass, p.TradingClass) {
			continue
		}
		if d.Multiplier != "" && d.Multiplier != p.Multiplier {
			continue
		}
		if !slices.Contains(p.Expirations, d.Expiration) || !slices.Contains(p.Strikes, d.Strike) {
			continue
		}
		local := occSymbol(d.Symbol, d.Expiration, d.Right, d.Strike)
		exchange := d.Exchange
		if exchange == "" {
			exchange = p.Exchange
		}
		return models.ContractDetails{
			Contract: models.Contract{
				ConID:        syntheticConID(local),
				Symbol:       strings.ToUpper(d.Symbol),
				SecType:      models.SecTypeOption,
				Expiration:   d.Expiration,
				Strike:       d.Strike,
				Right:        d.Right,
				Multiplier:   p.Multiplier,
				Exchange:     exchange,
				Currency:     models.DefaultCurrency,
				LocalSymbol:  local,
				TradingClass: p.TradingClass,
			},
			MarketName:     p.TradingClass,
			MinTick:        0.01,
			ValidExchanges: strings.Join(exchanges, ","),
			UnderConID:     p.UnderlyingConID,
			TimeZoneID:     "US/Eastern",
		}, true
	}
	return models.ContractDetails{}, false
}

// occSymbol renders the OCC option symbol, e.g. "AAPL  250117C00172500".
func occSymbol(symbol, expiration string, right models.Right, strike float64) string {
	exp := expiration
	if len(exp) == 8 {
		exp = exp[2:]
	}
	return fmt.Sprintf("%-6s%s%s%08d", strings.ToUpper(symbol), exp, right, int(math.Round(strike*1000)))
}

func syntheticConID(key string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum32()&0x7fffffff) + 1
}

// BarsFor returns the bars of symbol
func (c *Catalogue) BarsFor(symbol string) []models.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.bars[strings.ToUpper(symbol)])
}

// QuoteFor returns the ticks answered for contract. Option quotes are
// derived from the underlying's last price when not scripted.
func (c *Catalogue) QuoteFor(contract models.Contract) Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if contract.SecType == models.SecTypeOption {
		if q, ok := c.quotes[contract.LocalSymbol]; ok && contract.LocalSymbol != "" {
			return q
		}
		return c.optionQuote(contract)
	}
	return c.quotes[strings.ToUpper(contract.Symbol)]
}

func (c *Catalogue) optionQuote(contract models.Contract) Quote {
	under, ok := lastPrice(c.quotes[strings.ToUpper(contract.Symbol)])
	if !ok {
		return Quote{}
	}
	intrinsic := under - contract.Strike
	if contract.Right == models.RightPut {
		intrinsic = contract.Strike - under
	}
	intrinsic = math.Max(0, intrinsic)
	distance := math.Abs(contract.Strike - under)
	mid := util.RoundToTick(intrinsic+math.Max(0.05, 4*math.Exp(-distance*0.05)), 0.01)

	delta := 0.5 * math.Exp(-distance*0.02)
	if intrinsic > 0 {
		delta = 1 - delta
	}
	if contract.Right == models.RightPut {
		delta = -delta
	}
	return Quote{
		Prices: []PriceTick{
			{Type: gateway.TickBid, Value: math.Max(0.01, mid-0.05)},
			{Type: gateway.TickAsk, Value: mid + 0.05},
			{Type: gateway.TickLast, Value: mid},
		},
		Greeks: &gateway.OptionComputation{
			ImpliedVol: 0.22,
			Delta:      delta,
			OptPrice:   mid,
			PVDividend: 0,
			Gamma:      0.02 * math.Exp(-distance*0.02),
			Vega:       0.10,
			Theta:      -0.05,
			UndPrice:   under,
		},
	}
}

func lastPrice(q Quote) (float64, bool) {
	for _, want := range []gateway.TickType{gateway.TickLast, gateway.TickDelayedLast, gateway.TickClose} {
		for _, t := range q.Prices {
			if t.Type == want && util.IsValidPrice(t.Value) {
				return t.Value, true
			}
		}
	}
	return 0, false
}

// LastPrice returns the scripted last (or close) price of symbol
func (c *Catalogue) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lastPrice(c.quotes[strings.ToUpper(symbol)])
}

// AccountValue returns one account summary tag
func (c *Catalogue) AccountValue(tag string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.account[tag]
	return v, ok
}

// PositionRows returns the position stream
func (c *Catalogue) PositionRows() []models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.positions)
}

// OptionParamsFor returns the option-chain parameter sets of symbol
func (c *Catalogue) OptionParamsFor(symbol string) []models.OptionParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.chains[strings.ToUpper(symbol)])
}
