// Package gateway defines the contract between the bridge and the trading
// gateway's socket client: the request calls the bridge issues and the named
// callbacks the client delivers from its receive loop.
package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// Market data types accepted by ReqMarketDataType.
const (
	MarketDataLive          = 1
	MarketDataFrozen        = 2
	MarketDataDelayed       = 3
	MarketDataDelayedFrozen = 4
)

// NoRequestID is the id the gateway uses for messages not tied to a request.
const NoRequestID int64 = -1

// Client is the blocking socket client of the gateway.
//
// Connect opens the socket and starts the API handshake, binding w as the
// callback receiver; it returns once the socket is accepted, before the
// handshake completes. Run executes the receive loop, invoking w for each
// inbound message, and returns when the socket closes. Request methods only
// write to the socket; results and errors arrive through Wrapper callbacks.
type Client interface {
	Connect(host string, port int, clientID int64, w Wrapper) error
	Run() error
	Disconnect()
	IsConnected() bool

	ReqMarketDataType(marketDataType int) error
	ReqContractDetails(reqID int64, contract models.Contract) error
	ReqHistoricalData(reqID int64, req models.HistoricalRequest) error
	ReqMktData(reqID int64, contract models.Contract, genericTickList string, snapshot, regulatorySnapshot bool) error
	CancelMktData(reqID int64) error
	ReqAccountSummary(reqID int64, group, tags string) error
	CancelAccountSummary(reqID int64) error
	ReqPositions() error
	CancelPositions() error
	PlaceOrder(orderID int64, contract models.Contract, order models.Order) error
	ReqSecDefOptParams(reqID int64, underlyingSymbol, futFopExchange string, underlyingSecType models.SecType, underlyingConID int64) error
}

// Wrapper receives callbacks from the Client's receive loop. All methods are
// invoked on the receiver goroutine, in arrival order.
type Wrapper interface {
	ConnectAck()
	NextValidID(orderID int64)
	Error(reqID int64, code int, message, advancedOrderRejectJSON string)
	ConnectionClosed()

	ContractDetails(reqID int64, details models.ContractDetails)
	ContractDetailsEnd(reqID int64)

	HistoricalData(reqID int64, bar models.Bar)
	HistoricalDataEnd(reqID int64, start, end string)

	TickPrice(reqID int64, tickType TickType, price float64, attrib TickAttrib)
	TickSize(reqID int64, tickType TickType, size decimal.Decimal)
	TickString(reqID int64, tickType TickType, value string)
	TickGeneric(reqID int64, tickType TickType, value float64)
	TickOptionComputation(reqID int64, tickType TickType, comp OptionComputation)
	TickSnapshotEnd(reqID int64)
	MarketDataType(reqID int64, marketDataType int)

	SecurityDefinitionOptionParameter(reqID int64, params models.OptionParams)
	SecurityDefinitionOptionParameterEnd(reqID int64)

	AccountSummary(reqID int64, account, tag, value, currency string)
	AccountSummaryEnd(reqID int64)

	Position(account string, contract models.Contract, position decimal.Decimal, avgCost float64)
	PositionEnd()

	OrderStatus(status OrderStatus)
	OpenOrder(orderID int64, contract models.Contract, order models.Order, state string)
}

// TickAttrib carries the attribute flags of a price tick.
type TickAttrib struct {
	CanAutoExecute bool
	PastLimit      bool
	PreOpen        bool
}

// OptionComputation is the raw payload of an option computation tick. The
// gateway encodes unavailable values as -1 (prices) or +/-Inf, NaN (greeks).
type OptionComputation struct {
	TickAttrib int
	ImpliedVol float64
	Delta      float64
	OptPrice   float64
	PVDividend float64
	Gamma      float64
	Vega       float64
	Theta      float64
	UndPrice   float64
}

// OrderStatus is the raw orderStatus callback payload.
type OrderStatus struct {
	OrderID       int64
	Status        string
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	AvgFillPrice  float64
	PermID        int64
	ParentID      int64
	LastFillPrice float64
	ClientID      int64
	WhyHeld       string
}
