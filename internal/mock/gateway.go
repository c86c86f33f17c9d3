package mock

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// Operation names recorded for every client call.
const (
	OpConnect              = "connect"
	OpDisconnect           = "disconnect"
	OpMarketDataType       = "reqMarketDataType"
	OpContractDetails      = "reqContractDetails"
	OpHistoricalData       = "reqHistoricalData"
	OpMktData              = "reqMktData"
	OpCancelMktData        = "cancelMktData"
	OpAccountSummary       = "reqAccountSummary"
	OpCancelAccountSummary = "cancelAccountSummary"
	OpPositions            = "reqPositions"
	OpCancelPositions      = "cancelPositions"
	OpPlaceOrder           = "placeOrder"
	OpSecDefOptParams      = "reqSecDefOptParams"
)

// ErrNotConnected is returned by request methods while the socket is closed.
var ErrNotConnected = errors.New("mock gateway: not connected")

// HandshakeMode selects how the gateway answers a connect.
type HandshakeMode int

const (
	// HandshakeComplete sends connectAck then nextValidId.
	HandshakeComplete HandshakeMode = iota
	// HandshakeSilent sends connectAck and nothing else.
	HandshakeSilent
	// HandshakeReject sends an error not tied to a request id.
	HandshakeReject
)

// Options controls the connection behaviour of a Gateway.
type Options struct {
	NextValidID    int64
	Handshake      HandshakeMode
	ConnectErr     error // returned by Connect when set
	MarketDataType int   // reported on every snapshot, 0 reports the requested type
	Account        string
}

// Request is one recorded client call.
type Request struct {
	Op             string
	ReqID          int64
	ClientID       int64
	Contract       models.Contract
	Historical     models.HistoricalRequest
	Order          models.Order
	TickList       string
	Snapshot       bool
	Group          string
	Tags           string
	Symbol         string
	FutFopExchange string
	SecType        models.SecType
	ConID          int64
	MarketDataType int
}

// Emit queues a callback for delivery on the receive loop.
type Emit func(event func(w gateway.Wrapper))

// Responder answers one request by emitting callbacks.
type Responder func(req Request, emit Emit)

// Gateway is an in-process gateway implementing gateway.Client. Requests
// are answered from a Catalogue unless a Responder is registered for the
// operation; callbacks are delivered in order on the goroutine running Run.
type Gateway struct {
	mu         sync.Mutex
	opts       Options
	catalogue  *Catalogue
	responders map[string]Responder
	calls      []Request

	connected bool
	wrapper   gateway.Wrapper
	queue     []func(gateway.Wrapper)
	notify    chan struct{}
	closed    chan struct{}
	dataType  int
}

var _ gateway.Client = (*Gateway)(nil)

// NewGateway creates a disconnected gateway answering from catalogue.
func NewGateway(catalogue *Catalogue, opts Options) *Gateway {
	if catalogue == nil {
		catalogue = NewCatalogue()
	}
	if opts.Account == "" {
		opts.Account = "DU0000001"
	}
	return &Gateway{
		opts:       opts,
		catalogue:  catalogue,
		responders: make(map[string]Responder),
	}
}

// Catalogue returns the data the gateway answers from
func (g *Gateway) Catalogue() *Catalogue { return g.catalogue }

// On registers a responder overriding the catalogue for op.
func (g *Gateway) On(op string, r Responder) {
	g.mu.Lock()
	g.responders[op] = r
	g.mu.Unlock()
}

// SetOptions replaces the connection options used by the next Connect.
func (g *Gateway) SetOptions(opts Options) {
	g.mu.Lock()
	if opts.Account == "" {
		opts.Account = g.opts.Account
	}
	g.opts = opts
	g.mu.Unlock()
}

// Calls returns the recorded calls, oldest first.
func (g *Gateway) Calls() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsFor returns the recorded calls of op.
func (g *Gateway) CallsFor(op string) []Request {
	var out []Request
	for _, c := range g.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Inject queues an arbitrary callback, as if received from the socket.
func (g *Gateway) Inject(event func(w gateway.Wrapper)) {
	g.enqueue(event)
}

// Drop closes the socket from the gateway side.
func (g *Gateway) Drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
}

func (g *Gateway) closeLocked() {
	if !g.connected {
		return
	}
	g.connected = false
	close(g.closed)
}

func (g *Gateway) enqueue(event func(w gateway.Wrapper)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notify == nil {
		return
	}
	g.queue = append(g.queue, event)
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *Gateway) record(req Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if !g.connected {
		return ErrNotConnected
	}
	return nil
}

func (g *Gateway) respond(req Request, fallback Responder) error {
	if err := g.record(req); err != nil {
		return err
	}
	g.mu.Lock()
	r, ok := g.responders[req.Op]
	g.mu.Unlock()
	if !ok {
		r = fallback
	}
	if r != nil {
		r(req, g.enqueue)
	}
	return nil
}

// Connect accepts the socket and queues the handshake.
func (g *Gateway) Connect(host string, port int, clientID int64, w gateway.Wrapper) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Request{Op: OpConnect, ClientID: clientID})
	if g.opts.ConnectErr != nil {
		return g.opts.ConnectErr
	}
	if g.connected {
		return fmt.Errorf("mock gateway: already connected")
	}
	g.connected = true
	g.wrapper = w
	g.queue = nil
	g.notify = make(chan struct{}, 1)
	g.closed = make(chan struct{})

	g.queue = append(g.queue, func(w gateway.Wrapper) { w.ConnectAck() })
	switch g.opts.Handshake {
	case HandshakeComplete:
		id := g.opts.NextValidID
		g.queue = append(g.queue, func(w gateway.Wrapper) { w.NextValidID(id) })
	case HandshakeReject:
		g.queue = append(g.queue, func(w gateway.Wrapper) {
			w.Error(gateway.NoRequestID, 502, "Couldn't connect to TWS", "")
		})
	}
	g.notify <- struct{}{}
	return nil
}

// Run delivers queued callbacks until the socket closes.
func (g *Gateway) Run() error {
	g.mu.Lock()
	w, notify, closed := g.wrapper, g.notify, g.closed
	g.mu.Unlock()
	if w == nil || closed == nil {
		return fmt.Errorf("mock gateway: run before connect")
	}

	for {
		select {
		case <-closed:
			w.ConnectionClosed()
			return nil
		case <-notify:
		}
		for {
			select {
			case <-closed:
				w.ConnectionClosed()
				return nil
			default:
			}

			g.mu.Lock()
			if len(g.queue) == 0 {
				g.mu.Unlock()
				break
			}
			event := g.queue[0]
			g.queue = g.queue[1:]
			g.mu.Unlock()
			event(w)
		}
	}
}

// Disconnect closes the socket; Run delivers connectionClosed and returns.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Request{Op: OpDisconnect})
	g.closeLocked()
}

// IsConnected reports whether the socket is open
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) ReqMarketDataType(marketDataType int) error {
	if err := g.record(Request{Op: OpMarketDataType, MarketDataType: marketDataType}); err != nil {
		return err
	}
	g.mu.Lock()
	g.dataType = marketDataType
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ReqContractDetails(reqID int64, contract models.Contract) error {
	return g.respond(Request{Op: OpContractDetails, ReqID: reqID, Contract: contract}, g.contractDetails)
}

func (g *Gateway) contractDetails(req Request, emit Emit) {
	matches := g.catalogue.Match(req.Contract)
	if len(matches) == 0 {
		emit(func(w gateway.Wrapper) {
			w.Error(req.ReqID, 200, "No security definition has been found for the request", "")
		})
		return
	}
	for _, d := range matches {
		emit(func(w gateway.Wrapper) { w.ContractDetails(req.ReqID, d) })
	}
	emit(func(w gateway.Wrapper) { w.ContractDetailsEnd(req.ReqID) })
}

func (g *Gateway) ReqHistoricalData(reqID int64, hr models.HistoricalRequest) error {
	return g.respond(Request{Op: OpHistoricalData, ReqID: reqID, Historical: hr, Contract: hr.Contract}, g.historicalData)
}

func (g *Gateway) historicalData(req Request, emit Emit) {
	bars := g.catalogue.BarsFor(req.Contract.Symbol)
	for _, bar := range bars {
		emit(func(w gateway.Wrapper) { w.HistoricalData(req.ReqID, bar) })
	}
	start, end := "", ""
	if len(bars) > 0 {
		start, end = bars[0].Date, bars[len(bars)-1].Date
	}
	emit(func(w gateway.Wrapper) { w.HistoricalDataEnd(req.ReqID, start, end) })
}

func (g *Gateway) ReqMktData(reqID int64, contract models.Contract, genericTickList string, snapshot, regulatorySnapshot bool) error {
	return g.respond(Request{
		Op: OpMktData, ReqID: reqID, Contract: contract, TickList: genericTickList, Snapshot: snapshot,
	}, g.marketData)
}

func (g *Gateway) marketData(req Request, emit Emit) {
	g.mu.Lock()
	dataType := g.opts.MarketDataType
	if dataType == 0 {
		dataType = g.dataType
	}
	g.mu.Unlock()
	if dataType > 0 {
		emit(func(w gateway.Wrapper) { w.MarketDataType(req.ReqID, dataType) })
	}

	quote := g.catalogue.QuoteFor(req.Contract)
	for _, tick := range quote.Prices {
		emit(func(w gateway.Wrapper) { w.TickPrice(req.ReqID, tick.Type, tick.Value, gateway.TickAttrib{}) })
	}
	for _, tick := range quote.Sizes {
		emit(func(w gateway.Wrapper) { w.TickSize(req.ReqID, tick.Type, tick.Value) })
	}
	if quote.Greeks != nil {
		comp := *quote.Greeks
		emit(func(w gateway.Wrapper) { w.TickOptionComputation(req.ReqID, gateway.TickModelOption, comp) })
	}
	if req.Snapshot {
		emit(func(w gateway.Wrapper) { w.TickSnapshotEnd(req.ReqID) })
	}
}

func (g *Gateway) CancelMktData(reqID int64) error {
	return g.record(Request{Op: OpCancelMktData, ReqID: reqID})
}

func (g *Gateway) ReqAccountSummary(reqID int64, group, tags string) error {
	return g.respond(Request{Op: OpAccountSummary, ReqID: reqID, Group: group, Tags: tags}, g.accountSummary)
}

func (g *Gateway) accountSummary(req Request, emit Emit) {
	g.mu.Lock()
	account := g.opts.Account
	g.mu.Unlock()
	for _, tag := range strings.Split(req.Tags, ",") {
		tag = strings.TrimSpace(tag)
		value, ok := g.catalogue.AccountValue(tag)
		if !ok {
			continue
		}
		emit(func(w gateway.Wrapper) { w.AccountSummary(req.ReqID, account, tag, value, models.DefaultCurrency) })
	}
	emit(func(w gateway.Wrapper) { w.AccountSummaryEnd(req.ReqID) })
}

func (g *Gateway) CancelAccountSummary(reqID int64) error {
	return g.record(Request{Op: OpCancelAccountSummary, ReqID: reqID})
}

func (g *Gateway) ReqPositions() error {
	return g.respond(Request{Op: OpPositions}, g.positions)
}

func (g *Gateway) positions(req Request, emit Emit) {
	for _, p := range g.catalogue.PositionRows() {
		emit(func(w gateway.Wrapper) { w.Position(p.Account, p.Contract, p.Quantity, p.AvgCost) })
	}
	emit(func(w gateway.Wrapper) { w.PositionEnd() })
}

func (g *Gateway) CancelPositions() error {
	return g.record(Request{Op: OpCancelPositions})
}

func (g *Gateway) PlaceOrder(orderID int64, contract models.Contract, order models.Order) error {
	return g.respond(Request{Op: OpPlaceOrder, ReqID: orderID, Contract: contract, Order: order}, g.placeOrder)
}

// placeOrder acknowledges the order and fills it in full at the limit price,
// or at the catalogued last price for market orders.
func (g *Gateway) placeOrder(req Request, emit Emit) {
	id := req.ReqID
	permID := int64(uuid.New().ID())
	price := req.Order.LmtPrice
	if price <= 0 {
		if last, ok := g.catalogue.LastPrice(req.Contract.Symbol); ok {
			price = last
		}
	}
	qty := req.Order.TotalQuantity

	emit(func(w gateway.Wrapper) {
		w.OpenOrder(id, req.Contract, req.Order, models.OrderStatusPreSubmitted)
	})
	emit(func(w gateway.Wrapper) {
		w.OrderStatus(gateway.OrderStatus{
			OrderID: id, Status: models.OrderStatusPreSubmitted,
			Filled: decimal.Zero, Remaining: qty, PermID: permID,
		})
	})
	emit(func(w gateway.Wrapper) {
		w.OrderStatus(gateway.OrderStatus{
			OrderID: id, Status: models.OrderStatusFilled,
			Filled: qty, Remaining: decimal.Zero, AvgFillPrice: price, LastFillPrice: price, PermID: permID,
		})
	})
}

func (g *Gateway) ReqSecDefOptParams(reqID int64, underlyingSymbol, futFopExchange string, underlyingSecType models.SecType, underlyingConID int64) error {
	return g.respond(Request{
		Op: OpSecDefOptParams, ReqID: reqID, Symbol: underlyingSymbol, FutFopExchange: futFopExchange,
		SecType: underlyingSecType, ConID: underlyingConID,
	}, g.optionParams)
}

func (g *Gateway) optionParams(req Request, emit Emit) {
	for _, p := range g.catalogue.OptionParamsFor(req.Symbol) {
		emit(func(w gateway.Wrapper) { w.SecurityDefinitionOptionParameter(req.ReqID, p) })
	}
	emit(func(w gateway.Wrapper) { w.SecurityDefinitionOptionParameterEnd(req.ReqID) })
}
