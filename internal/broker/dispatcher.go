package broker

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
	"github.com/eddiefleurent/ibkr_bridge/internal/util"
)

// session receives connection lifecycle callbacks from the Dispatcher.
type session interface {
	onConnectAck()
	onNextValidID(id int64)
	// onConnectError reports whether an error not tied to any request was
	// consumed as a failure of an in-progress handshake.
	onConnectError(code int, message string) bool
	onConnectionClosed()
}

// Dispatcher receives every gateway callback on the receiver goroutine,
// classifies it and routes it into the Correlator.
type Dispatcher struct {
	corr    *Correlator
	session session
	log     emitter
	metrics *bridgeMetrics
}

var _ gateway.Wrapper = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher routing into corr. The session may be
// nil when no connection lifecycle is attached.
func NewDispatcher(corr *Correlator, observer Observer) *Dispatcher {
	return &Dispatcher{
		corr:    corr,
		log:     newEmitter(observer, "dispatcher"),
		metrics: newMetrics(nil),
	}
}

func (d *Dispatcher) dropped(event string, reqID int64) {
	d.metrics.recordDropped(event)
	d.log.debug("dropping event for request with no pending slot", "event", event, "req_id", reqID)
}

// ConnectAck is delivered once the gateway accepts the API connection
func (d *Dispatcher) ConnectAck() {
	d.log.info("gateway acknowledged connection")
	if d.session != nil {
		d.session.onConnectAck()
	}
}

// NextValidID completes the handshake
func (d *Dispatcher) NextValidID(orderID int64) {
	d.log.info("next valid id received", "next_valid_id", orderID)
	if d.session != nil {
		d.session.onNextValidID(orderID)
	}
}

// Error classifies a gateway error: informational codes are logged only,
// errors for a pending id fail that slot, anything else is orphaned.
func (d *Dispatcher) Error(reqID int64, code int, message, advancedOrderRejectJSON string) {
	if IsIgnorableCode(code) {
		d.log.warn("gateway notice", "req_id", reqID, "code", code, "message", message)
		return
	}

	if reqID != gateway.NoRequestID {
		apiErr := &APIError{
			ReqID:                   reqID,
			Code:                    code,
			Message:                 message,
			AdvancedOrderRejectJSON: advancedOrderRejectJSON,
		}
		if d.corr.Fail(reqID, apiErr) {
			d.log.debug("request failed by gateway", "req_id", reqID, "code", code, "message", message)
			return
		}
	}

	if d.session != nil && d.session.onConnectError(code, message) {
		return
	}
	d.log.error("orphaned gateway error", "req_id", reqID, "code", code, "message", message)
}

// ConnectionClosed is delivered when the gateway drops the socket
func (d *Dispatcher) ConnectionClosed() {
	d.log.info("gateway closed the connection")
	if d.session != nil {
		d.session.onConnectionClosed()
	}
}

func (d *Dispatcher) ContractDetails(reqID int64, details models.ContractDetails) {
	if !appendItem(d.corr, reqID, details) {
		d.dropped("contractDetails", reqID)
	}
}

func (d *Dispatcher) ContractDetailsEnd(reqID int64) {
	if !d.corr.Complete(reqID) {
		d.dropped("contractDetailsEnd", reqID)
	}
}

func (d *Dispatcher) HistoricalData(reqID int64, bar models.Bar) {
	if !appendItem(d.corr, reqID, bar) {
		d.dropped("historicalData", reqID)
	}
}

func (d *Dispatcher) HistoricalDataEnd(reqID int64, start, end string) {
	if !d.corr.Complete(reqID) {
		d.dropped("historicalDataEnd", reqID)
	}
}

func (d *Dispatcher) setTick(event string, reqID int64, key string, value any) {
	if !setEntry(d.corr, reqID, key, value) {
		d.dropped(event, reqID)
	}
}

func (d *Dispatcher) TickPrice(reqID int64, tickType gateway.TickType, price float64, attrib gateway.TickAttrib) {
	d.setTick("tickPrice", reqID, tickType.String(), price)
}

func (d *Dispatcher) TickSize(reqID int64, tickType gateway.TickType, size decimal.Decimal) {
	d.setTick("tickSize", reqID, tickType.String(), size)
}

func (d *Dispatcher) TickString(reqID int64, tickType gateway.TickType, value string) {
	d.setTick("tickString", reqID, tickType.String(), value)
}

func (d *Dispatcher) TickGeneric(reqID int64, tickType gateway.TickType, value float64) {
	d.setTick("tickGeneric", reqID, tickType.String(), value)
}

// TickOptionComputation stores sanitized greeks under the tick name
func (d *Dispatcher) TickOptionComputation(reqID int64, tickType gateway.TickType, comp gateway.OptionComputation) {
	d.setTick("tickOptionComputation", reqID, tickType.String(), sanitizeGreeks(comp))
}

func sanitizeGreeks(comp gateway.OptionComputation) models.OptionGreeks {
	g := models.OptionGreeks{
		Delta:      util.GreekOrNil(comp.Delta),
		Gamma:      util.GreekOrNil(comp.Gamma),
		Vega:       util.GreekOrNil(comp.Vega),
		Theta:      util.GreekOrNil(comp.Theta),
		OptPrice:   util.PriceOrNil(comp.OptPrice),
		PVDividend: util.PriceOrNil(comp.PVDividend),
		UndPrice:   util.PriceOrNil(comp.UndPrice),
		TickAttrib: comp.TickAttrib,
	}
	// implied volatility cannot be negative
	if util.IsValidGreek(comp.ImpliedVol) && comp.ImpliedVol >= 0 {
		iv := comp.ImpliedVol
		g.ImpliedVol = &iv
	}
	return g
}

func (d *Dispatcher) TickSnapshotEnd(reqID int64) {
	if !d.corr.Complete(reqID) {
		d.dropped("tickSnapshotEnd", reqID)
	}
}

// MarketDataType records the data type the gateway actually serves
func (d *Dispatcher) MarketDataType(reqID int64, marketDataType int) {
	d.log.info("market data type", "req_id", reqID, "market_data_type", marketDataType)
	if kind, ok := d.corr.KindOf(reqID); ok && kind == KindMarketSnapshot {
		setEntry[any](d.corr, reqID, models.ActualMarketDataTypeKey, marketDataType)
	}
}

func (d *Dispatcher) SecurityDefinitionOptionParameter(reqID int64, params models.OptionParams) {
	if !appendItem(d.corr, reqID, params) {
		d.dropped("securityDefinitionOptionParameter", reqID)
	}
}

func (d *Dispatcher) SecurityDefinitionOptionParameterEnd(reqID int64) {
	if !d.corr.Complete(reqID) {
		d.dropped("securityDefinitionOptionParameterEnd", reqID)
	}
}

func (d *Dispatcher) AccountSummary(reqID int64, account, tag, value, currency string) {
	if !setEntry(d.corr, reqID, tag, value) {
		d.dropped("accountSummary", reqID)
	}
}

func (d *Dispatcher) AccountSummaryEnd(reqID int64) {
	if !d.corr.Complete(reqID) {
		d.dropped("accountSummaryEnd", reqID)
	}
}

func (d *Dispatcher) Position(account string, contract models.Contract, position decimal.Decimal, avgCost float64) {
	row := models.Position{Account: account, Contract: contract, Quantity: position, AvgCost: avgCost}
	if !d.corr.AppendPosition(row) {
		d.dropped("position", 0)
	}
}

func (d *Dispatcher) PositionEnd() {
	if !d.corr.CompletePositions() {
		d.dropped("positionEnd", 0)
	}
}

// OrderStatus resolves an order submission on its first terminal or
// Submitted status. Earlier statuses are ignored.
func (d *Dispatcher) OrderStatus(status gateway.OrderStatus) {
	kind, ok := d.corr.KindOf(status.OrderID)
	if !ok || kind != KindOrderSubmission {
		d.log.debug("order status for untracked order",
			"order_id", status.OrderID, "status", status.Status, "filled", status.Filled.String())
		return
	}
	if !models.IsOrderResolvingStatus(status.Status) {
		d.log.debug("order status not yet resolving", "order_id", status.OrderID, "status", status.Status)
		return
	}
	d.corr.Resolve(status.OrderID, models.OrderResult{
		OrderID:      status.OrderID,
		Status:       status.Status,
		Filled:       status.Filled,
		Remaining:    status.Remaining,
		AvgFillPrice: status.AvgFillPrice,
		PermID:       status.PermID,
	})
}

func (d *Dispatcher) OpenOrder(orderID int64, contract models.Contract, order models.Order, state string) {
	d.log.debug("open order", "order_id", orderID, "contract", contract.String(), "state", state)
}
