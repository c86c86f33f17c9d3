package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

func TestDataProvider_Price_RandomWalk(t *testing.T) {
	provider := NewDataProvider()

	first := provider.Price("SPY")
	assert.InDelta(t, 455, first, 10, "SPY should start near its base price")
	for i := 0; i < 50; i++ {
		next := provider.Price("spy")
		assert.InDelta(t, first, next, 2*float64(i+1)+0.01, "moves at most one point per step")
		assert.Greater(t, next, 0.0)
	}
}

func TestDataProvider_OptionChain(t *testing.T) {
	provider := NewDataProvider()
	provider.now = func() time.Time { return time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC) } // Monday

	chain := provider.OptionChain("AAPL", 265598, 3)
	require.Len(t, chain, len(syntheticExchanges))

	for _, params := range chain {
		assert.Equal(t, []string{"20250110", "20250117", "20250124"}, params.Expirations)
		assert.Equal(t, "AAPL", params.TradingClass)
		assert.Equal(t, "100", params.Multiplier)
		assert.Equal(t, int64(265598), params.UnderlyingConID)
		require.NotEmpty(t, params.Strikes)
		for i := 1; i < len(params.Strikes); i++ {
			assert.Equal(t, 5.0, params.Strikes[i]-params.Strikes[i-1])
		}
	}
}

func TestDataProvider_DailyBars(t *testing.T) {
	provider := NewDataProvider()
	bars := provider.DailyBars("QQQ", 5)
	require.Len(t, bars, 5)
	for _, bar := range bars {
		assert.GreaterOrEqual(t, bar.High, bar.Open)
		assert.GreaterOrEqual(t, bar.High, bar.Close)
		assert.LessOrEqual(t, bar.Low, bar.Open)
		assert.LessOrEqual(t, bar.Low, bar.Close)
		assert.True(t, bar.Volume.IsPositive())
		assert.Len(t, bar.Date, 8)
	}
}

func TestCatalogue_MatchStock(t *testing.T) {
	c := NewDataProvider().Catalogue("AAPL", "SPY")

	matches := c.Match(models.StockContract("aapl", "", ""))
	require.Len(t, matches, 1)
	assert.Equal(t, "AAPL", matches[0].Contract.Symbol)
	assert.Equal(t, "NASDAQ", matches[0].Contract.PrimaryExchange)
	assert.NotZero(t, matches[0].Contract.ConID)

	withPrimary := models.StockContract("SPY", "", "")
	withPrimary.PrimaryExchange = "ARCA"
	assert.Len(t, c.Match(withPrimary), 1)

	withPrimary.PrimaryExchange = "NASDAQ"
	assert.Empty(t, c.Match(withPrimary), "primary exchange hint must agree")

	assert.Empty(t, c.Match(models.StockContract("NOPE", "", "")))
}

func TestCatalogue_MatchSynthesizedOption(t *testing.T) {
	c := NewCatalogue()
	c.SetOptionParams("AAPL",
		models.OptionParams{Exchange: "CBOE", TradingClass: "AAPL", Multiplier: "100",
			Expirations: []string{"20250117"}, Strikes: []float64{170, 172.5, 175}},
	)

	option := models.Contract{
		Symbol: "AAPL", SecType: models.SecTypeOption, Expiration: "20250117",
		Strike: 172.5, Right: models.RightCall, Exchange: "CBOE", Currency: "USD",
	}
	matches := c.Match(option)
	require.Len(t, matches, 1)
	got := matches[0].Contract
	assert.Equal(t, "AAPL  250117C00172500", got.LocalSymbol)
	assert.Equal(t, "CBOE", got.Exchange)
	assert.NotZero(t, got.ConID)

	option.Exchange = "ISE"
	assert.Empty(t, c.Match(option), "ISE is not listed in the chain")

	option.Exchange = ""
	assert.Len(t, c.Match(option), 1, "blank exchange lets the gateway route")

	option.Strike = 171
	assert.Empty(t, c.Match(option))
}

func TestCatalogue_OptionQuoteFromUnderlying(t *testing.T) {
	c := NewCatalogue()
	c.SetQuote("AAPL", Quote{Prices: []PriceTick{{Type: 4, Value: 180}}})

	q := c.QuoteFor(models.Contract{Symbol: "AAPL", SecType: models.SecTypeOption, Strike: 170, Right: models.RightCall})
	require.NotNil(t, q.Greeks)
	assert.Greater(t, q.Greeks.Delta, 0.5, "in the money call")
	assert.Equal(t, 180.0, q.Greeks.UndPrice)

	q = c.QuoteFor(models.Contract{Symbol: "AAPL", SecType: models.SecTypeOption, Strike: 170, Right: models.RightPut})
	require.NotNil(t, q.Greeks)
	assert.Less(t, q.Greeks.Delta, 0.0)

	empty := c.QuoteFor(models.Contract{Symbol: "MSFT", SecType: models.SecTypeOption, Strike: 300, Right: models.RightPut})
	assert.Nil(t, empty.Greeks)
}
