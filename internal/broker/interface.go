package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// Broker is the request surface of the gateway bridge
type Broker interface {
	// Connection
	IsConnected() bool
	Status() ConnectionStatus

	// Contracts
	RequestContractDetails(ctx context.Context, contract models.Contract, timeout time.Duration) ([]models.ContractDetails, error)
	StockContract(ctx context.Context, symbol, exchange, currency string, timeout time.Duration) (models.Contract, error)
	QualifyOption(ctx context.Context, spec models.OptionSpec) (models.Contract, error)

	// Market data
	RequestHistoricalBars(ctx context.Context, req models.HistoricalRequest, timeout time.Duration) ([]models.Bar, error)
	RequestMarketDataSnapshot(ctx context.Context, contract models.Contract, tickList string, regulatory bool,
		timeout time.Duration) (models.Snapshot, error)
	CurrentStockPrice(ctx context.Context, symbol string, timeout time.Duration) (float64, error)

	// Option chains
	RequestOptionParams(ctx context.Context, query models.OptionParamsQuery, timeout time.Duration) ([]models.OptionParams, error)
	ListOptionExpirations(ctx context.Context, query models.OptionParamsQuery, timeout time.Duration) ([]string, error)
	ListOptionStrikes(ctx context.Context, query models.OptionParamsQuery, expiration, exchange string,
		timeout time.Duration) ([]float64, error)

	// Account
	GetAccountSummary(ctx context.Context, tags string, timeout time.Duration) (map[string]string, error)
	GetPositions(ctx context.Context, timeout time.Duration) (map[string]models.PositionSummary, error)

	// Orders. A timeout does not mean the order was rejected.
	PlaceOrder(ctx context.Context, contract models.Contract, order models.Order, timeout time.Duration) (models.OrderResult, error)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		// a failed call may still carry a partial result, such as an order ref
		if v, ok := res.(T); ok {
			return v, err
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% of at least 5 requests fail
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,                // Allow 3 requests when half-open
	Interval:     60 * time.Second, // Reset counts every minute
	Timeout:      30 * time.Second, // Open circuit for 30 seconds
	MinRequests:  5,                // Minimum requests before tripping
	FailureRatio: 0.6,              // Trip if 60% failure rate
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, observer Observer) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, observer, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, observer Observer, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	log := newEmitter(observer, "circuit_breaker")
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: countsAsSuccess,
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// countsAsSuccess keeps caller mistakes and definitive gateway answers from
// tripping the breaker; only transport-level failures count.
func countsAsSuccess(err error) bool {
	return err == nil || !IsTransient(err)
}

// State returns the breaker state
func (c *CircuitBreakerBroker) State() gobreaker.State { return c.breaker.State() }

// IsConnected passes through without the breaker
func (c *CircuitBreakerBroker) IsConnected() bool { return c.broker.IsConnected() }

// Status passes through without the breaker
func (c *CircuitBreakerBroker) Status() ConnectionStatus { return c.broker.Status() }

// RequestContractDetails wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) RequestContractDetails(ctx context.Context, contract models.Contract,
	timeout time.Duration) ([]models.ContractDetails, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.ContractDetails, error) {
		return b.RequestContractDetails(ctx, contract, timeout)
	})
}

// StockContract wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) StockContract(ctx context.Context, symbol, exchange, currency string,
	timeout time.Duration) (models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Contract, error) {
		return b.StockContract(ctx, symbol, exchange, currency, timeout)
	})
}

// QualifyOption wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) QualifyOption(ctx context.Context, spec models.OptionSpec) (models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Contract, error) {
		return b.QualifyOption(ctx, spec)
	})
}

// RequestHistoricalBars wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) RequestHistoricalBars(ctx context.Context, req models.HistoricalRequest,
	timeout time.Duration) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.RequestHistoricalBars(ctx, req, timeout)
	})
}

// RequestMarketDataSnapshot wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) RequestMarketDataSnapshot(ctx context.Context, contract models.Contract, tickList string,
	regulatory bool, timeout time.Duration) (models.Snapshot, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Snapshot, error) {
		return b.RequestMarketDataSnapshot(ctx, contract, tickList, regulatory, timeout)
	})
}

// CurrentStockPrice wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CurrentStockPrice(ctx context.Context, symbol string, timeout time.Duration) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.CurrentStockPrice(ctx, symbol, timeout)
	})
}

// RequestOptionParams wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) RequestOptionParams(ctx context.Context, query models.OptionParamsQuery,
	timeout time.Duration) ([]models.OptionParams, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OptionParams, error) {
		return b.RequestOptionParams(ctx, query, timeout)
	})
}

// ListOptionExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ListOptionExpirations(ctx context.Context, query models.OptionParamsQuery,
	timeout time.Duration) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.ListOptionExpirations(ctx, query, timeout)
	})
}

// ListOptionStrikes wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ListOptionStrikes(ctx context.Context, query models.OptionParamsQuery, expiration,
	exchange string, timeout time.Duration) ([]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]float64, error) {
		return b.ListOptionStrikes(ctx, query, expiration, exchange, timeout)
	})
}

// GetAccountSummary wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountSummary(ctx context.Context, tags string,
	timeout time.Duration) (map[string]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]string, error) {
		return b.GetAccountSummary(ctx, tags, timeout)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context,
	timeout time.Duration) (map[string]models.PositionSummary, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.PositionSummary, error) {
		return b.GetPositions(ctx, timeout)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker. An open
// breaker rejects the order before anything is sent.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, contract models.Contract, order models.Order,
	timeout time.Duration) (models.OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.OrderResult, error) {
		return b.PlaceOrder(ctx, contract, order, timeout)
	})
}
