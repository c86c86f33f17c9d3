// Package mock provides an in-process simulated gateway and synthetic
// market data for tests and the sim transport.
package mock

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
	"github.com/eddiefleurent/ibkr_bridge/internal/util"
)

// Option exchanges listed for every synthetic chain.
var syntheticExchanges = []string{models.ExchangeSmart, "CBOE", "AMEX", "ISE", "NASDAQOM"}

var basePrices = map[string]float64{
	"SPY":  450,
	"QQQ":  380,
	"IWM":  190,
	"AAPL": 175,
	"MSFT": 330,
	"NVDA": 120,
	"TSLA": 240,
}

// DataProvider generates synthetic, randomly walking market data.
type DataProvider struct {
	now    func() time.Time
	prices map[string]float64
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	max := big.NewInt(n)
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

func NewDataProvider() *DataProvider {
	return &DataProvider{now: time.Now, prices: make(map[string]float64)}
}

// Price returns the next step of symbol's random walk.
func (p *DataProvider) Price(symbol string) float64 {
	symbol = strings.ToUpper(symbol)
	price, ok := p.prices[symbol]
	if !ok {
		base, known := basePrices[symbol]
		if !known {
			base = 50 + secureFloat64()*150
		}
		price = base + secureFloat64()*10
	}
	// Simulate small price movements
	price = math.Max(1, price+(secureFloat64()-0.5)*2)
	p.prices[symbol] = util.RoundToTick(price, 0.01)
	return p.prices[symbol]
}

// Quote returns stock ticks around the current price of symbol.
func (p *DataProvider) Quote(symbol string) Quote {
	last := p.Price(symbol)
	spread := 0.02 // 2 cent spread
	return Quote{
		Prices: []PriceTick{
			{Type: gateway.TickBid, Value: util.RoundToTick(last-spread/2, 0.01)},
			{Type: gateway.TickAsk, Value: util.RoundToTick(last+spread/2, 0.01)},
			{Type: gateway.TickLast, Value: last},
			{Type: gateway.TickClose, Value: util.RoundToTick(last*(1+(secureFloat64()-0.5)/50), 0.01)},
		},
		Sizes: []SizeTick{
			{Type: gateway.TickBidSize, Value: decimal.NewFromInt(secureInt63n(500) + 1)},
			{Type: gateway.TickAskSize, Value: decimal.NewFromInt(secureInt63n(500) + 1)},
			{Type: gateway.TickVolume, Value: decimal.NewFromInt(secureInt63n(100000000))},
		},
	}
}

// DailyBars returns n daily bars ending today.
func (p *DataProvider) DailyBars(symbol string, n int) []models.Bar {
	bars := make([]models.Bar, 0, n)
	day := p.now().AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		day = day.AddDate(0, 0, 1)
		open := p.Price(symbol)
		closePrice := p.Price(symbol)
		high := math.Max(open, closePrice) + secureFloat64()
		low := math.Min(open, closePrice) - secureFloat64()
		bars = append(bars, models.Bar{
			Date:   day.Format("20060102"),
			Open:   open,
			High:   util.RoundToTick(high, 0.01),
			Low:    util.RoundToTick(low, 0.01),
			Close:  closePrice,
			Volume: decimal.NewFromInt(secureInt63n(50000000) + 1000),
			WAP:    decimal.NewFromFloat(util.RoundToTick((open+closePrice)/2, 0.01)),
			Count:  int(secureInt63n(100000)) + 1,
		})
	}
	return bars
}

// OptionChain returns one parameter set per synthetic exchange, listing the
// next count weekly (Friday) expirations and strikes every 5 points within
// 50 of the current price.
func (p *DataProvider) OptionChain(symbol string, underlyingConID int64, count int) []models.OptionParams {
	spot := p.Price(symbol)
	strikeInterval := 5.0
	start := math.Floor(spot/strikeInterval)*strikeInterval - 50
	var strikes []float64
	for k := math.Max(strikeInterval, start); k <= start+100; k += strikeInterval {
		strikes = append(strikes, k)
	}

	var expirations []string
	day := p.now()
	for len(expirations) < count {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == time.Friday {
			expirations = append(expirations, day.Format("20060102"))
		}
	}

	out := make([]models.OptionParams, 0, len(syntheticExchanges))
	for _, exchange := range syntheticExchanges {
		out = append(out, models.OptionParams{
			Exchange:        exchange,
			UnderlyingConID: underlyingConID,
			TradingClass:    strings.ToUpper(symbol),
			Multiplier:      models.DefaultMultiplier,
			Expirations:     append([]string(nil), expirations...),
			Strikes:         append([]float64(nil), strikes...),
		})
	}
	return out
}

// Catalogue builds a catalogue covering symbols: stock contracts, quotes,
// 20 daily bars, a six-week option chain, a small account and one position
// per symbol.
func (p *DataProvider) Catalogue(symbols ...string) *Catalogue {
	c := NewCatalogue()
	for _, raw := range symbols {
		symbol := strings.ToUpper(raw)
		conID := syntheticConID(symbol + ":STK")
		c.AddContract(models.ContractDetails{
			Contract: models.Contract{
				ConID:           conID,
				Symbol:          symbol,
				SecType:         models.SecTypeStock,
				Exchange:        models.ExchangeSmart,
				PrimaryExchange: primaryExchange(symbol),
				Currency:        models.DefaultCurrency,
				LocalSymbol:     symbol,
				TradingClass:    symbol,
			},
			MarketName:     symbol,
			LongName:       fmt.Sprintf("%s (simulated)", symbol),
			MinTick:        0.01,
			ValidExchanges: "SMART,ARCA,NASDAQ,NYSE,BATS,IEX",
			TimeZoneID:     "US/Eastern",
		})
		c.SetQuote(symbol, p.Quote(symbol))
		c.SetBars(symbol, p.DailyBars(symbol, 20))
		c.SetOptionParams(symbol, p.OptionChain(symbol, conID, 6)...)

		qty := decimal.NewFromInt((secureInt63n(10) + 1) * 10)
		c.AddPosition(models.Position{
			Account: "DU0000001",
			Contract: models.Contract{
				ConID: conID, Symbol: symbol, SecType: models.SecTypeStock, Currency: models.DefaultCurrency,
			},
			Quantity: qty,
			AvgCost:  util.RoundToTick(p.Price(symbol)*0.95, 0.01),
		})
	}
	c.SetAccountValue("NetLiquidation", "100000.00")
	c.SetAccountValue("TotalCashValue", "42000.00")
	c.SetAccountValue("BuyingPower", "168000.00")
	c.SetAccountValue("AvailableFunds", "42000.00")
	return c
}

func primaryExchange(symbol string) string {
	switch symbol {
	case "SPY", "IWM", "DIA":
		return "ARCA"
	case "QQQ", "AAPL", "MSFT", "AMZN", "GOOGL", "GOOG", "TSLA", "NVDA":
		return "NASDAQ"
	default:
		return "NYSE"
	}
}
