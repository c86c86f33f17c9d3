package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// Timeouts are the per-operation deadlines used when a caller passes 0.
type Timeouts struct {
	ContractDetails  time.Duration
	Historical       time.Duration
	Snapshot         time.Duration
	AccountSummary   time.Duration
	Positions        time.Duration
	Order            time.Duration
	OptionParams     time.Duration
	QualifyAttempt   time.Duration
	UnderlyingLookup time.Duration
}

// DefaultTimeouts are the gateway request deadlines used in production.
var DefaultTimeouts = Timeouts{
	ContractDetails:  45 * time.Second,
	Historical:       45 * time.Second,
	Snapshot:         45 * time.Second,
	AccountSummary:   45 * time.Second,
	Positions:        45 * time.Second,
	Order:            45 * time.Second,
	OptionParams:     45 * time.Second,
	QualifyAttempt:   7 * time.Second,
	UnderlyingLookup: 15 * time.Second,
}

// Snapshot tick lists and account summary defaults.
const (
	DefaultStockTickList = "100,101,104,105,106,107,165,221,225,233,236,258,456"
	PriceTickList        = "4,9,68"
	DefaultAccountTags   = "NetLiquidation"
	DefaultAccountGroup  = "All"
)

const (
	defaultSnapshotWorkers = 4
	positionsRequestOp     = "reqPositions"
	positionsCancelOp      = "cancelPositions"
	placeOrderOp           = "placeOrder"
)

// Config configures a Bridge
type Config struct {
	Connection          ConnectionConfig
	Timeouts            Timeouts
	SnapshotConcurrency int
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() Config {
	return Config{
		Connection:          DefaultConnectionConfig,
		Timeouts:            DefaultTimeouts,
		SnapshotConcurrency: defaultSnapshotWorkers,
	}
}

// Bridge exposes the gateway's callback API as blocking, typed operations.
// It is safe for concurrent use by many goroutines.
type Bridge struct {
	conn     *Connection
	corr     *Correlator
	resolver *Resolver
	log      emitter
	metrics  *bridgeMetrics
	timeouts Timeouts
	workers  int

	positionsMu sync.Mutex // one position listing at a time
}

var _ Broker = (*Bridge)(nil)

// New creates a disconnected Bridge over client.
func New(client gateway.Client, observer Observer, config ...Config) *Bridge {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	if cfg.SnapshotConcurrency <= 0 {
		cfg.SnapshotConcurrency = defaultSnapshotWorkers
	}

	conn := NewConnection(client, observer, cfg.Connection)
	b := &Bridge{
		conn:     conn,
		corr:     conn.Correlator(),
		log:      newEmitter(observer, "facade"),
		metrics:  conn.metrics,
		timeouts: cfg.Timeouts,
		workers:  cfg.SnapshotConcurrency,
	}
	b.resolver = NewResolver(b, observer, cfg.Timeouts.QualifyAttempt, cfg.Timeouts.UnderlyingLookup)
	b.resolver.metrics = conn.metrics
	return b
}

func (t Timeouts) withDefaults() Timeouts {
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.ContractDetails, DefaultTimeouts.ContractDetails)
	fill(&t.Historical, DefaultTimeouts.Historical)
	fill(&t.Snapshot, DefaultTimeouts.Snapshot)
	fill(&t.AccountSummary, DefaultTimeouts.AccountSummary)
	fill(&t.Positions, DefaultTimeouts.Positions)
	fill(&t.Order, DefaultTimeouts.Order)
	fill(&t.OptionParams, DefaultTimeouts.OptionParams)
	fill(&t.QualifyAttempt, DefaultTimeouts.QualifyAttempt)
	fill(&t.UnderlyingLookup, DefaultTimeouts.UnderlyingLookup)
	return t
}

func orDefault(timeout, def time.Duration) time.Duration {
	if timeout <= 0 {
		return def
	}
	return timeout
}

// WithIDStore attaches a persisted request-id high-water mark
func (b *Bridge) WithIDStore(store IDStore) *Bridge {
	b.conn.WithIDStore(store)
	return b
}

// Connection returns the underlying connection manager
func (b *Bridge) Connection() *Connection { return b.conn }

// Resolver returns the contract resolver bound to this bridge
func (b *Bridge) Resolver() *Resolver { return b.resolver }

// Connect opens the gateway connection. See Connection.Connect.
func (b *Bridge) Connect(ctx context.Context, host string, port int, clientID int64, timeout time.Duration) error {
	return b.conn.Connect(ctx, host, port, clientID, timeout)
}

// Disconnect closes the gateway connection and fails pending requests.
func (b *Bridge) Disconnect(ctx context.Context) error {
	return b.conn.Disconnect(ctx)
}

// IsConnected reports whether requests can currently be issued
func (b *Bridge) IsConnected() bool { return b.conn.IsConnected() }

// Status returns a snapshot of the connection
func (b *Bridge) Status() ConnectionStatus { return b.conn.Status() }

// call describes one id-correlated request.
type call struct {
	op      string
	kind    RequestKind
	timeout time.Duration
	issue   func(id int64) error
	// cancel, when set, is always sent once the request ends.
	cancel func(id int64) error
	// sideEffect marks requests whose expiry leaves the gateway-side outcome unknown.
	sideEffect bool
}

// roundTrip issues c under a fresh id and waits for its slot. The slot is
// always unregistered, and the cancel message sent, before it returns.
func roundTrip[T any](ctx context.Context, b *Bridge, c call) (result T, err error) {
	started := time.Now()
	defer func() { b.metrics.recordRequest(ctx, c.kind, started, err) }()

	if !b.conn.IsConnected() {
		return result, ErrNotConnected
	}
	id := b.corr.NextID()
	slot, err := b.corr.Register(id, c.kind)
	if err != nil {
		return result, fmt.Errorf("%s: %w", c.op, err)
	}
	defer b.cleanup(ctx, c, id)

	if err := b.conn.send(ctx, c.op, func() error { return c.issue(id) }); err != nil {
		b.corr.Abandon(slot, err)
		b.log.warn("request could not be sent", "op", c.op, "req_id", id, "error", err.Error())
		return result, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	value, err := b.corr.Await(waitCtx, slot, func(cause error) error {
		return b.expired(ctx, c, id)
	})
	if err != nil {
		return result, err
	}
	if value == nil {
		return result, nil
	}
	result, ok := value.(T)
	if !ok {
		return result, fmt.Errorf("%s: unexpected result type %T", c.op, value)
	}
	return result, nil
}

// expired builds the error for a slot whose wait ended before resolution.
func (b *Bridge) expired(ctx context.Context, c call, id int64) error {
	if cerr := ctx.Err(); cerr != nil {
		if c.sideEffect {
			return fmt.Errorf("%s (request %d): %w", c.op, id, errors.Join(cerr, ErrOrderOutcomeUnknown))
		}
		return fmt.Errorf("%s (request %d): %w", c.op, id, cerr)
	}
	if c.sideEffect {
		b.log.error("order confirmation timed out, outcome unknown", "order_id", id, "after", c.timeout.String())
		return &OrderTimeoutError{OrderID: id, After: c.timeout}
	}
	b.log.warn("request timed out", "op", c.op, "req_id", id, "after", c.timeout.String())
	return &TimeoutError{Op: c.op, ReqID: id, After: c.timeout}
}

func (b *Bridge) cleanup(ctx context.Context, c call, id int64) {
	b.corr.Unregister(id)
	if c.cancel == nil {
		return
	}
	err := b.conn.send(context.WithoutCancel(ctx), "cancel "+c.op, func() error { return c.cancel(id) })
	if err != nil && !errors.Is(err, ErrNotConnected) {
		b.log.warn("cancel failed", "op", c.op, "req_id", id, "error", err.Error())
	}
}

// RequestContractDetails returns every contract matching the descriptor.
func (b *Bridge) RequestContractDetails(ctx context.Context, contract models.Contract, timeout time.Duration) ([]models.ContractDetails, error) {
	client := b.conn.client
	return roundTrip[[]models.ContractDetails](ctx, b, call{
		op:      "reqContractDetails",
		kind:    KindContractDetails,
		timeout: orDefault(timeout, b.timeouts.ContractDetails),
		issue:   func(id int64) error { return client.ReqContractDetails(id, contract) },
	})
}

// RequestHistoricalBars returns the bars of req. Empty duration, bar size
// and data source fields take their defaults.
func (b *Bridge) RequestHistoricalBars(ctx context.Context, req models.HistoricalRequest, timeout time.Duration) ([]models.Bar, error) {
	req = req.WithDefaults()
	client := b.conn.client
	bars, err := roundTrip[[]models.Bar](ctx, b, call{
		op:      "reqHistoricalData",
		kind:    KindHistoricalBars,
		timeout: orDefault(timeout, b.timeouts.Historical),
		issue:   func(id int64) error { return client.ReqHistoricalData(id, req) },
	})
	if err != nil {
		return nil, err
	}
	b.log.info("historical bars received", "contract", req.Contract.String(), "bars", len(bars),
		"duration", req.Duration, "bar_size", req.BarSize)
	return bars, nil
}

// RequestMarketDataSnapshot takes a one-shot snapshot of contract. The
// subscription is cancelled whatever the outcome.
func (b *Bridge) RequestMarketDataSnapshot(ctx context.Context, contract models.Contract, tickList string, regulatory bool, timeout time.Duration) (models.Snapshot, error) {
	client := b.conn.client
	ticks, err := roundTrip[map[string]any](ctx, b, call{
		op:      "reqMktData",
		kind:    KindMarketSnapshot,
		timeout: orDefault(timeout, b.timeouts.Snapshot),
		issue: func(id int64) error {
			return client.ReqMktData(id, contract, tickList, true, regulatory)
		},
		cancel: client.CancelMktData,
	})
	if err != nil {
		return nil, err
	}
	return models.Snapshot(ticks), nil
}

// RequestSnapshots takes snapshots of contracts concurrently, bounded by
// the configured worker count. Results are index-aligned with contracts; the
// first failure cancels the remaining requests.
func (b *Bridge) RequestSnapshots(ctx context.Context, contracts []models.Contract, tickList string, timeout time.Duration) ([]models.Snapshot, error) {
	out := make([]models.Snapshot, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, contract := range contracts {
		g.Go(func() error {
			snap, err := b.RequestMarketDataSnapshot(gctx, contract, tickList, false, timeout)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", contract.String(), err)
			}
			out[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccountSummary returns tag to value for the "All" account group.
// tags defaults to NetLiquidation.
func (b *Bridge) GetAccountSummary(ctx context.Context, tags string, timeout time.Duration) (map[string]string, error) {
	if strings.TrimSpace(tags) == "" {
		tags = DefaultAccountTags
	}
	client := b.conn.client
	return roundTrip[map[string]string](ctx, b, call{
		op:      "reqAccountSummary",
		kind:    KindAccountSummary,
		timeout: orDefault(timeout, b.timeouts.AccountSummary),
		issue: func(id int64) error {
			return client.ReqAccountSummary(id, DefaultAccountGroup, tags)
		},
		cancel: client.CancelAccountSummary,
	})
}

// GetPositions returns equity positions by symbol. Rows of other security
// types are skipped; a symbol held in several accounts is summed with a
// quantity-weighted average cost.
func (b *Bridge) GetPositions(ctx context.Context, timeout time.Duration) (positions map[string]models.PositionSummary, err error) {
	b.positionsMu.Lock()
	defer b.positionsMu.Unlock()

	started := time.Now()
	defer func() { b.metrics.recordRequest(ctx, KindPositions, started, err) }()

	if !b.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	slot, err := b.corr.BeginPositions()
	if err != nil {
		return nil, err
	}
	client := b.conn.client
	defer func() {
		b.corr.EndPositions(slot)
		cerr := b.conn.send(context.WithoutCancel(ctx), positionsCancelOp, client.CancelPositions)
		if cerr != nil && !errors.Is(cerr, ErrNotConnected) {
			b.log.warn("cancel failed", "op", positionsCancelOp, "error", cerr.Error())
		}
	}()

	if err := b.conn.send(ctx, positionsRequestOp, client.ReqPositions); err != nil {
		b.corr.Abandon(slot, err)
		return nil, err
	}

	timeout = orDefault(timeout, b.timeouts.Positions)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	value, err := b.corr.Await(waitCtx, slot, func(error) error {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s: %w", positionsRequestOp, cerr)
		}
		return &TimeoutError{Op: positionsRequestOp, After: timeout}
	})
	if err != nil {
		return nil, err
	}
	rows, _ := value.([]models.Position)
	return summarizePositions(rows), nil
}

func summarizePositions(rows []models.Position) map[string]models.PositionSummary {
	type agg struct {
		qty   decimal.Decimal
		cost  decimal.Decimal
		last  float64
		count int
	}
	bySymbol := make(map[string]*agg)
	for _, row := range rows {
		if !row.Contract.IsStock() {
			continue
		}
		a, ok := bySymbol[row.Contract.Symbol]
		if !ok {
			a = &agg{}
			bySymbol[row.Contract.Symbol] = a
		}
		a.qty = a.qty.Add(row.Quantity)
		a.cost = a.cost.Add(row.Quantity.Mul(decimal.NewFromFloat(row.AvgCost)))
		a.last = row.AvgCost
		a.count++
	}

	out := make(map[string]models.PositionSummary, len(bySymbol))
	for symbol, a := range bySymbol {
		avg := a.last
		if a.count > 1 && !a.qty.IsZero() {
			avg = a.cost.Div(a.qty).InexactFloat64()
		}
		out[symbol] = models.PositionSummary{Quantity: a.qty, AvgCost: avg}
	}
	return out
}

// PlaceOrder submits order for contract under a fresh order id and waits
// for the first resolving status. If no such status arrives in time the
// error is an *OrderTimeoutError: the order may be live at the gateway.
func (b *Bridge) PlaceOrder(ctx context.Context, contract models.Contract, order models.Order, timeout time.Duration) (models.OrderResult, error) {
	if err := contract.Validate(); err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := order.Validate(); err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if order.OrderRef == "" {
		order.OrderRef = uuid.NewString()
	}
	order.OrderType = strings.ToUpper(order.OrderType)
	order.Transmit = true

	client := b.conn.client
	b.log.info("placing order", "contract", contract.String(), "action", string(order.Action),
		"quantity", order.TotalQuantity.String(), "order_type", order.OrderType, "order_ref", order.OrderRef)
	result, err := roundTrip[models.OrderResult](ctx, b, call{
		op:      placeOrderOp,
		kind:    KindOrderSubmission,
		timeout: orDefault(timeout, b.timeouts.Order),
		issue: func(id int64) error {
			o := order
			o.OrderID = id
			return client.PlaceOrder(id, contract, o)
		},
		sideEffect: true,
	})
	if err != nil {
		return models.OrderResult{OrderRef: order.OrderRef}, err
	}
	result.OrderRef = order.OrderRef
	b.log.info("order resolved", "order_id", result.OrderID, "status", result.Status,
		"filled", result.Filled.String(), "avg_fill_price", result.AvgFillPrice)
	return result, nil
}

// StockContract returns the first contract-details match for an equity.
func (b *Bridge) StockContract(ctx context.Context, symbol, exchange, currency string, timeout time.Duration) (models.Contract, error) {
	if strings.TrimSpace(symbol) == "" {
		return models.Contract{}, invalidArgument("stock symbol is required")
	}
	descriptor := models.StockContract(symbol, exchange, currency)
	details, err := b.RequestContractDetails(ctx, descriptor, timeout)
	if err != nil {
		b.log.error("stock contract lookup failed", "symbol", descriptor.Symbol, "error", err.Error())
		return models.Contract{}, err
	}
	if len(details) == 0 {
		b.log.warn("no contract details found", "symbol", descriptor.Symbol)
		return models.Contract{}, fmt.Errorf("%w: no stock contract for %s", ErrQualificationFailed, descriptor.Symbol)
	}
	return details[0].Contract, nil
}

// CurrentStockPrice returns the last traded price of symbol, falling back to
// the delayed last and then the close.
func (b *Bridge) CurrentStockPrice(ctx context.Context, symbol string, timeout time.Duration) (float64, error) {
	if !b.conn.IsConnected() {
		return 0, ErrNotConnected
	}
	contract, err := b.StockContract(ctx, symbol, "", "", 0)
	if err != nil {
		return 0, err
	}
	snap, err := b.RequestMarketDataSnapshot(ctx, contract, PriceTickList, false, timeout)
	if err != nil {
		return 0, err
	}
	for _, tick := range []gateway.TickType{gateway.TickLast, gateway.TickDelayedLast, gateway.TickClose} {
		if price, ok := snap.Price(tick.String()); ok {
			b.log.info("current stock price", "symbol", contract.Symbol, "price", price, "source", tick.String())
			return price, nil
		}
	}
	b.log.warn("no valid price in snapshot", "symbol", contract.Symbol, "ticks", len(snap))
	return 0, fmt.Errorf("%w: %s", ErrNoMarketData, contract.Symbol)
}

func requireStock(contract models.Contract) error {
	if !contract.IsStock() {
		return invalidArgument("contract %s is not a stock", contract.String())
	}
	return nil
}

// RequestStockHistoricalBars is RequestHistoricalBars restricted to equities.
func (b *Bridge) RequestStockHistoricalBars(ctx context.Context, req models.HistoricalRequest, timeout time.Duration) ([]models.Bar, error) {
	if err := requireStock(req.Contract); err != nil {
		return nil, err
	}
	return b.RequestHistoricalBars(ctx, req, timeout)
}

// RequestStockSnapshot is RequestMarketDataSnapshot restricted to equities.
// An empty tickList uses DefaultStockTickList.
func (b *Bridge) RequestStockSnapshot(ctx context.Context, contract models.Contract, tickList string, timeout time.Duration) (models.Snapshot, error) {
	if err := requireStock(contract); err != nil {
		return nil, err
	}
	if tickList == "" {
		tickList = DefaultStockTickList
	}
	return b.RequestMarketDataSnapshot(ctx, contract, tickList, false, timeout)
}
