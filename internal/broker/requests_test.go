package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/mock"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

func stockDetails(symbol string, conID int64, primary string) models.ContractDetails {
	return models.ContractDetails{
		Contract: models.Contract{
			ConID:           conID,
			Symbol:          symbol,
			SecType:         models.SecTypeStock,
			Exchange:        models.ExchangeSmart,
			PrimaryExchange: primary,
			Currency:        models.DefaultCurrency,
		},
		ValidExchanges: "SMART,NASDAQ,ARCA",
	}
}

func TestBridge_RequestContractDetails(t *testing.T) {
	c := mock.NewCatalogue()
	c.AddContract(stockDetails("AAPL", 265598, "NASDAQ"))
	g := mock.NewGateway(c, mock.Options{NextValidID: 100})
	b := connectedBridge(t, g, nil)

	details, err := b.RequestContractDetails(context.Background(), models.StockContract("AAPL", "", ""), time.Second)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, int64(265598), details[0].Contract.ConID)

	calls := g.CallsFor(mock.OpContractDetails)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(100), calls[0].ReqID)
	assert.Equal(t, 0, b.Status().Pending, "slot removed after resolution")
}

func TestBridge_RequestContractDetailsNoMatch(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	_, err := b.RequestContractDetails(context.Background(), models.StockContract("NOPE", "", ""), time.Second)
	assert.True(t, IsAPIErrorCode(err, CodeNoSecurityDefinition))
	assert.False(t, IsTransient(err))
}

func TestBridge_NotConnected(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{})
	b := newTestBridge(g, nil)
	ctx := context.Background()

	_, err := b.RequestContractDetails(ctx, models.StockContract("AAPL", "", ""), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = b.GetPositions(ctx, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = b.CurrentStockPrice(ctx, "AAPL", time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = b.PlaceOrder(ctx, models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT",
	}, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, g.Calls(), "nothing is sent while disconnected")
}

func TestBridge_TimeoutThenLateEventDropped(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpContractDetails, silent)
	b := connectedBridge(t, g, nil)

	_, err := b.RequestContractDetails(context.Background(), models.StockContract("AAPL", "", ""), 30*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "reqContractDetails", timeoutErr.Op)
	assert.Equal(t, 0, b.Status().Pending)

	// the late answer is discarded without disturbing the next request
	late := timeoutErr.ReqID
	g.Inject(func(w gateway.Wrapper) {
		w.ContractDetails(late, stockDetails("AAPL", 1, ""))
		w.ContractDetailsEnd(late)
	})
	g.On(mock.OpContractDetails, func(req mock.Request, emit mock.Emit) {
		emit(func(w gateway.Wrapper) { w.ContractDetailsEnd(req.ReqID) })
	})
	details, err := b.RequestContractDetails(context.Background(), models.StockContract("AAPL", "", ""), time.Second)
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestBridge_ObserverMayReadStatus(t *testing.T) {
	var bridge atomic.Pointer[Bridge]
	var reads atomic.Int32
	observer := ObserverFunc(func(e Event) {
		if b := bridge.Load(); b != nil && e.Message == "request timed out" {
			_ = b.Status()
			reads.Add(1)
		}
	})

	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpContractDetails, silent)
	b := connectedBridge(t, g, observer)
	bridge.Store(b)

	done := make(chan error, 1)
	go func() {
		_, err := b.RequestContractDetails(context.Background(), models.StockContract("AAPL", "", ""), 20*time.Millisecond)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked while its timeout was being reported")
	}
	assert.Equal(t, int32(1), reads.Load())
}

func TestBridge_CallerCancellation(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpContractDetails, silent)
	b := connectedBridge(t, g, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.RequestContractDetails(ctx, models.StockContract("AAPL", "", ""), 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestBridge_RequestHistoricalBarsDefaults(t *testing.T) {
	c := mock.NewCatalogue()
	c.SetBars("SPY", []models.Bar{
		{Date: "20250102", Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{Date: "20250103", Open: 1.5, High: 2.5, Low: 1, Close: 2},
	})
	g := mock.NewGateway(c, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	bars, err := b.RequestHistoricalBars(context.Background(),
		models.HistoricalRequest{Contract: models.StockContract("SPY", "", "")}, time.Second)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "20250103", bars[1].Date)

	calls := g.CallsFor(mock.OpHistoricalData)
	require.Len(t, calls, 1)
	assert.Equal(t, models.DefaultHistoricalDuration, calls[0].Historical.Duration)
	assert.Equal(t, models.DefaultHistoricalBarSize, calls[0].Historical.BarSize)
	assert.Equal(t, models.DefaultHistoricalWhatToShow, calls[0].Historical.WhatToShow)
}

func TestBridge_StockGuards(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)
	option := models.Contract{Symbol: "AAPL", SecType: models.SecTypeOption}

	_, err := b.RequestStockHistoricalBars(context.Background(), models.NewHistoricalRequest(option), time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = b.RequestStockSnapshot(context.Background(), option, "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = b.StockContract(context.Background(), "  ", "", "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, g.CallsFor(mock.OpHistoricalData))
	assert.Empty(t, g.CallsFor(mock.OpMktData))
}

func TestBridge_RequestStockSnapshotCancelsSubscription(t *testing.T) {
	c := mock.NewCatalogue()
	c.SetQuote("SPY", mock.Quote{
		Prices: []mock.PriceTick{{Type: gateway.TickBid, Value: 450.1}, {Type: gateway.TickAsk, Value: 450.3}},
		Sizes:  []mock.SizeTick{{Type: gateway.TickBidSize, Value: decimal.NewFromInt(12)}},
	})
	g := mock.NewGateway(c, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	snap, err := b.RequestStockSnapshot(context.Background(), models.StockContract("SPY", "", ""), "", time.Second)
	require.NoError(t, err)
	bid, ok := snap.Price("BID")
	require.True(t, ok)
	assert.Equal(t, 450.1, bid)
	assert.Equal(t, gateway.MarketDataDelayed, snap[models.ActualMarketDataTypeKey])

	reqs := g.CallsFor(mock.OpMktData)
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultStockTickList, reqs[0].TickList)
	assert.True(t, reqs[0].Snapshot)

	cancels := g.CallsFor(mock.OpCancelMktData)
	require.Len(t, cancels, 1)
	assert.Equal(t, reqs[0].ReqID, cancels[0].ReqID)
}

func TestBridge_SnapshotCancelSentOnTimeout(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpMktData, silent)
	b := connectedBridge(t, g, nil)

	_, err := b.RequestMarketDataSnapshot(context.Background(), models.StockContract("SPY", "", ""), "", false, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, g.CallsFor(mock.OpCancelMktData), 1)
}

func TestBridge_RequestSnapshots(t *testing.T) {
	g := mock.NewGateway(mock.NewDataProvider().Catalogue("AAPL", "MSFT", "SPY"), mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	contracts := []models.Contract{
		models.StockContract("AAPL", "", ""),
		models.StockContract("MSFT", "", ""),
		models.StockContract("SPY", "", ""),
	}
	snaps, err := b.RequestSnapshots(context.Background(), contracts, PriceTickList, time.Second)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, snap := range snaps {
		last, ok := snap.Price("LAST")
		require.True(t, ok, contracts[i].Symbol)
		want, _ := g.Catalogue().LastPrice(contracts[i].Symbol)
		assert.Equal(t, want, last, "results are aligned with their contracts")
	}
	assert.Len(t, g.CallsFor(mock.OpCancelMktData), 3)
}

func TestBridge_RequestSnapshotsFailure(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpMktData, func(req mock.Request, emit mock.Emit) {
		if req.Contract.Symbol == "BAD" {
			emit(func(w gateway.Wrapper) { w.Error(req.ReqID, 354, "Requested market data is not subscribed", "") })
			return
		}
		emit(func(w gateway.Wrapper) { w.TickSnapshotEnd(req.ReqID) })
	})
	b := connectedBridge(t, g, nil)

	_, err := b.RequestSnapshots(context.Background(),
		[]models.Contract{models.StockContract("GOOD", "", ""), models.StockContract("BAD", "", "")}, "", time.Second)
	assert.True(t, IsAPIErrorCode(err, 354))
	assert.Contains(t, err.Error(), "BAD")
}

func TestBridge_CurrentStockPrice(t *testing.T) {
	tests := []struct {
		name    string
		prices  []mock.PriceTick
		want    float64
		wantErr error
	}{
		{
			name:   "last preferred",
			prices: []mock.PriceTick{{Type: gateway.TickClose, Value: 99}, {Type: gateway.TickLast, Value: 101}},
			want:   101,
		},
		{
			name:   "delayed last when no last",
			prices: []mock.PriceTick{{Type: gateway.TickLast, Value: -1}, {Type: gateway.TickDelayedLast, Value: 100.5}},
			want:   100.5,
		},
		{
			name:   "close as last resort",
			prices: []mock.PriceTick{{Type: gateway.TickClose, Value: 98}},
			want:   98,
		},
		{
			name:    "no usable price",
			prices:  []mock.PriceTick{{Type: gateway.TickLast, Value: -1}},
			wantErr: ErrNoMarketData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mock.NewCatalogue()
			c.AddContract(stockDetails("AAPL", 265598, "NASDAQ"))
			c.SetQuote("AAPL", mock.Quote{Prices: tt.prices})
			g := mock.NewGateway(c, mock.Options{NextValidID: 1})
			b := connectedBridge(t, g, nil)

			price, err := b.CurrentStockPrice(context.Background(), "aapl", time.Second)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, price)

			reqs := g.CallsFor(mock.OpMktData)
			require.Len(t, reqs, 1)
			assert.Equal(t, PriceTickList, reqs[0].TickList)
			assert.Equal(t, int64(265598), reqs[0].Contract.ConID, "snapshot uses the resolved contract")
		})
	}
}

func TestBridge_StockContractNotFound(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpContractDetails, func(req mock.Request, emit mock.Emit) {
		emit(func(w gateway.Wrapper) { w.ContractDetailsEnd(req.ReqID) })
	})
	b := connectedBridge(t, g, nil)

	_, err := b.StockContract(context.Background(), "ZZZZ", "", "", time.Second)
	assert.ErrorIs(t, err, ErrQualificationFailed)
}

func TestBridge_GetAccountSummary(t *testing.T) {
	c := mock.NewCatalogue()
	c.SetAccountValue("NetLiquidation", "100000.00")
	c.SetAccountValue("BuyingPower", "200000.00")
	g := mock.NewGateway(c, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	summary, err := b.GetAccountSummary(context.Background(), "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NetLiquidation": "100000.00"}, summary)

	summary, err = b.GetAccountSummary(context.Background(), "NetLiquidation,BuyingPower", time.Second)
	require.NoError(t, err)
	assert.Len(t, summary, 2)

	reqs := g.CallsFor(mock.OpAccountSummary)
	require.Len(t, reqs, 2)
	assert.Equal(t, DefaultAccountGroup, reqs[0].Group)
	assert.Equal(t, DefaultAccountTags, reqs[0].Tags)
	assert.Len(t, g.CallsFor(mock.OpCancelAccountSummary), 2)
}

func TestBridge_GetPositions(t *testing.T) {
	c := mock.NewCatalogue()
	stock := func(symbol string) models.Contract {
		return models.Contract{Symbol: symbol, SecType: models.SecTypeStock, Currency: "USD"}
	}
	c.AddPosition(
		models.Position{Account: "DU1", Contract: stock("AAPL"), Quantity: decimal.NewFromInt(100), AvgCost: 150},
		models.Position{Account: "DU2", Contract: stock("AAPL"), Quantity: decimal.NewFromInt(300), AvgCost: 170},
		models.Position{Account: "DU1", Contract: stock("MSFT"), Quantity: decimal.NewFromInt(10), AvgCost: 320.5},
		models.Position{
			Account:  "DU1",
			Contract: models.Contract{Symbol: "AAPL", SecType: models.SecTypeOption, Strike: 170, Right: models.RightCall},
			Quantity: decimal.NewFromInt(2), AvgCost: 350,
		},
	)
	g := mock.NewGateway(c, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	positions, err := b.GetPositions(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, positions, 2, "option rows are skipped")

	aapl := positions["AAPL"]
	assert.True(t, aapl.Quantity.Equal(decimal.NewFromInt(400)))
	assert.InDelta(t, 165.0, aapl.AvgCost, 1e-9, "quantity-weighted average across accounts")

	msft := positions["MSFT"]
	assert.True(t, msft.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 320.5, msft.AvgCost)

	assert.Len(t, g.CallsFor(mock.OpCancelPositions), 1)

	// the slot is released for the next listing
	_, err = b.GetPositions(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestBridge_GetPositionsTimeout(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpPositions, silent)
	b := connectedBridge(t, g, nil)

	_, err := b.GetPositions(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, g.CallsFor(mock.OpCancelPositions), 1, "cancel is sent whatever the outcome")
}

func TestSummarizePositions_FlatAfterOffsettingAccounts(t *testing.T) {
	out := summarizePositions([]models.Position{
		{Account: "DU1", Contract: models.StockContract("SPY", "", ""), Quantity: decimal.NewFromInt(5), AvgCost: 400},
		{Account: "DU2", Contract: models.StockContract("SPY", "", ""), Quantity: decimal.NewFromInt(-5), AvgCost: 410},
	})
	require.Contains(t, out, "SPY")
	assert.True(t, out["SPY"].Quantity.IsZero())
	assert.Equal(t, 410.0, out["SPY"].AvgCost, "zero net quantity keeps the last reported cost")
}

func TestBridge_PlaceOrderFilled(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 500})
	b := connectedBridge(t, g, nil)

	order := models.Order{
		Action:        models.ActionBuy,
		TotalQuantity: decimal.NewFromInt(2),
		OrderType:     "lmt",
		LmtPrice:      1.35,
		TIF:           "DAY",
	}
	contract := models.Contract{
		ConID: 1234, Symbol: "AAPL", SecType: models.SecTypeOption, Expiration: "20250117",
		Strike: 170, Right: models.RightCall, Exchange: "CBOE", Currency: "USD",
	}
	result, err := b.PlaceOrder(context.Background(), contract, order, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.OrderID)
	assert.Equal(t, models.OrderStatusFilled, result.Status)
	assert.True(t, result.Filled.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1.35, result.AvgFillPrice)
	assert.NotEmpty(t, result.OrderRef)

	sent := g.CallsFor(mock.OpPlaceOrder)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(500), sent[0].Order.OrderID)
	assert.Equal(t, "LMT", sent[0].Order.OrderType)
	assert.True(t, sent[0].Order.Transmit)
	assert.Equal(t, result.OrderRef, sent[0].Order.OrderRef)
}

func TestBridge_PlaceOrderResolvesOnSubmitted(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpPlaceOrder, func(req mock.Request, emit mock.Emit) {
		for _, status := range []string{models.OrderStatusPendingSubmit, models.OrderStatusPreSubmitted, models.OrderStatusSubmitted} {
			emit(func(w gateway.Wrapper) {
				w.OrderStatus(gateway.OrderStatus{OrderID: req.ReqID, Status: status, Remaining: req.Order.TotalQuantity})
			})
		}
	})
	b := connectedBridge(t, g, nil)

	result, err := b.PlaceOrder(context.Background(), models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionSell, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT", OrderRef: "close-aapl",
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, result.Status)
	assert.Equal(t, "close-aapl", result.OrderRef)
}

func TestBridge_PlaceOrderRejected(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpPlaceOrder, func(req mock.Request, emit mock.Emit) {
		emit(func(w gateway.Wrapper) {
			w.Error(req.ReqID, 201, "Order rejected - reason: insufficient margin", `{"reason":"margin"}`)
		})
	})
	b := connectedBridge(t, g, nil)

	_, err := b.PlaceOrder(context.Background(), models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT",
	}, time.Second)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 201, apiErr.Code)
	assert.Equal(t, `{"reason":"margin"}`, apiErr.AdvancedOrderRejectJSON)
	assert.NotErrorIs(t, err, ErrOrderOutcomeUnknown)
}

func TestBridge_PlaceOrderTimeoutOutcomeUnknown(t *testing.T) {
	log := &eventLog{}
	g := mock.NewGateway(nil, mock.Options{NextValidID: 77})
	g.On(mock.OpPlaceOrder, silent)
	b := connectedBridge(t, g, log)

	result, err := b.PlaceOrder(context.Background(), models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT",
	}, 30*time.Millisecond)

	var orderErr *OrderTimeoutError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, int64(77), orderErr.OrderID)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrOrderOutcomeUnknown)
	assert.NotEmpty(t, result.OrderRef, "the order reference is returned for reconciliation")
	assert.True(t, log.has(SeverityError, "order confirmation timed out, outcome unknown"))
}

func TestBridge_PlaceOrderCallerCancelOutcomeUnknown(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	g.On(mock.OpPlaceOrder, silent)
	b := connectedBridge(t, g, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.PlaceOrder(ctx, models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT",
	}, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrOrderOutcomeUnknown)
}

func TestBridge_PlaceOrderInvalid(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	_, err := b.PlaceOrder(context.Background(), models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "LMT",
	}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.PlaceOrder(context.Background(), models.StockContract("AAPL", "", ""), models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "FOO",
	}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.PlaceOrder(context.Background(), models.Contract{SecType: models.SecTypeStock}, models.Order{
		Action: models.ActionBuy, TotalQuantity: decimal.NewFromInt(1), OrderType: "MKT",
	}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, g.CallsFor(mock.OpPlaceOrder))
}

func TestBridge_SendFailureAbandonsSlot(t *testing.T) {
	g := mock.NewGateway(nil, mock.Options{NextValidID: 1})
	b := connectedBridge(t, g, nil)

	g.Drop()
	_, err := b.RequestContractDetails(context.Background(), models.StockContract("AAPL", "", ""), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, 0, b.Status().Pending)
}

func TestTimeouts_WithDefaults(t *testing.T) {
	got := Timeouts{Order: 5 * time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, got.Order)
	assert.Equal(t, DefaultTimeouts.ContractDetails, got.ContractDetails)
	assert.Equal(t, DefaultTimeouts.QualifyAttempt, got.QualifyAttempt)
	assert.Equal(t, 7*time.Second, DefaultTimeouts.QualifyAttempt)
	assert.Equal(t, 15*time.Second, DefaultTimeouts.UnderlyingLookup)
}
