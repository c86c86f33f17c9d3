package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// Exchange hypotheses tried when qualifying an option, in order.
var (
	// SmartPrimaryExchanges are tried as primary-exchange hints under SMART routing.
	SmartPrimaryExchanges = []string{"CBOE", "NASDAQOM", "ARCA", "AMEX", "ISE", "BOX"}
	// DirectOptionExchanges are tried as direct routing destinations.
	DirectOptionExchanges = []string{
		"CBOE", "AMEX", "PHLX", "ISE", "NASDAQOM", "BOX",
		"ARCA", "GEMINI", "MIAX", "PEARL", "EMERALD", "NASDAQBX",
	}
)

// Default primary-exchange hints for well-known underlyings.
var (
	etfPrimaryExchanges = map[string]string{
		"SPY": "ARCA", "QQQ": "NASDAQ", "IWM": "ARCA", "DIA": "ARCA",
	}
	stockPrimaryExchanges = map[string]string{
		"AAPL": "NASDAQ", "MSFT": "NASDAQ", "AMZN": "NASDAQ", "GOOGL": "NASDAQ",
		"GOOG": "NASDAQ", "TSLA": "NASDAQ", "NVDA": "NASDAQ",
	}
	cboeIndices = map[string]bool{"SPX": true, "VIX": true, "NDX": true, "RUT": true}
)

// QualificationAttempt is one exchange/routing hypothesis for an option
type QualificationAttempt struct {
	Exchange        string
	PrimaryExchange string
	TradingClass    string
	Multiplier      string
	Description     string
}

// BuildQualificationAttempts returns the ordered attempt list for spec:
// the preferred exchange, SMART with primary-exchange hints (when there is
// no preference or it is SMART), each direct exchange except the preferred
// one, and finally a blank exchange when a preference was given.
func BuildQualificationAttempts(spec models.OptionSpec) []QualificationAttempt {
	pref := strings.ToUpper(strings.TrimSpace(spec.PreferredExchange))
	tradingClass := spec.TradingClass
	if tradingClass == "" {
		tradingClass = strings.ToUpper(spec.Symbol)
	}
	multiplier := spec.Multiplier
	if multiplier == "" {
		multiplier = models.DefaultMultiplier
	}
	attempt := func(exchange, primary, desc string) QualificationAttempt {
		return QualificationAttempt{
			Exchange:        exchange,
			PrimaryExchange: primary,
			TradingClass:    tradingClass,
			Multiplier:      multiplier,
			Description:     desc,
		}
	}

	var attempts []QualificationAttempt
	if pref != "" {
		attempts = append(attempts, attempt(pref, "", "preferred exchange "+pref))
	}
	if pref == "" || pref == models.ExchangeSmart {
		for _, primary := range SmartPrimaryExchanges {
			attempts = append(attempts, attempt(models.ExchangeSmart, primary, "SMART with primary "+primary))
		}
	}
	for _, exchange := range DirectOptionExchanges {
		if exchange == pref {
			continue
		}
		attempts = append(attempts, attempt(exchange, "", "direct "+exchange))
	}
	if pref != "" {
		attempts = append(attempts, attempt("", "", "blank exchange"))
	}
	return attempts
}

// UnderlyingDescriptor builds the minimal contract used to resolve the
// numeric id of an option underlying.
func UnderlyingDescriptor(symbol string, secType models.SecType) models.Contract {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	st := models.SecType(strings.ToUpper(string(secType)))
	if st == "" {
		st = models.SecTypeStock
	}
	c := models.Contract{Symbol: sym, SecType: st, Currency: models.DefaultCurrency}
	switch st {
	case models.SecTypeStock:
		c.Exchange = models.ExchangeSmart
		if primary, ok := etfPrimaryExchanges[sym]; ok {
			c.PrimaryExchange = primary
		} else if primary, ok := stockPrimaryExchanges[sym]; ok {
			c.PrimaryExchange = primary
		}
	case models.SecTypeIndex:
		if cboeIndices[sym] {
			c.Exchange = "CBOE"
		}
	}
	return c
}

type detailsRequester interface {
	RequestContractDetails(ctx context.Context, contract models.Contract, timeout time.Duration) ([]models.ContractDetails, error)
}

// Resolver turns under-specified instrument descriptions into gateway
// contracts.
type Resolver struct {
	details        detailsRequester
	log            emitter
	metrics        *bridgeMetrics
	attemptTimeout time.Duration
	lookupTimeout  time.Duration
	lookups        singleflight.Group
}

// NewResolver creates a resolver issuing lookups through details.
func NewResolver(details detailsRequester, observer Observer, attemptTimeout, lookupTimeout time.Duration) *Resolver {
	if details == nil {
		panic("broker: contract details requester cannot be nil")
	}
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultTimeouts.QualifyAttempt
	}
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultTimeouts.UnderlyingLookup
	}
	return &Resolver{
		details:        details,
		log:            newEmitter(observer, "resolver"),
		metrics:        newMetrics(nil),
		attemptTimeout: attemptTimeout,
		lookupTimeout:  lookupTimeout,
	}
}

// ResolveUnderlyingID returns the numeric id of symbol's first contract
// match. Concurrent lookups for the same underlying share one request.
func (r *Resolver) ResolveUnderlyingID(ctx context.Context, symbol string, secType models.SecType) (int64, error) {
	if strings.TrimSpace(symbol) == "" {
		return 0, invalidArgument("underlying symbol is required")
	}
	descriptor := UnderlyingDescriptor(symbol, secType)
	key := string(descriptor.SecType) + ":" + descriptor.Symbol

	// the shared lookup is bounded by lookupTimeout, not by whichever caller started it
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.lookups.DoChan(key, func() (interface{}, error) {
		r.log.info("resolving underlying id", "symbol", descriptor.Symbol, "sec_type", string(descriptor.SecType),
			"primary_exchange", descriptor.PrimaryExchange)
		details, err := r.details.RequestContractDetails(lookupCtx, descriptor, r.lookupTimeout)
		if err != nil {
			return int64(0), fmt.Errorf("resolving %s %s: %w", descriptor.Symbol, descriptor.SecType, err)
		}
		if len(details) == 0 || details[0].Contract.ConID == 0 {
			return int64(0), fmt.Errorf("%w: %s %s", ErrUnderlyingNotFound, descriptor.Symbol, descriptor.SecType)
		}
		return details[0].Contract.ConID, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, fmt.Errorf("resolving %s %s: %w", descriptor.Symbol, descriptor.SecType, ctx.Err())
	}
	if res.Err != nil {
		r.log.error("underlying id lookup failed", "symbol", descriptor.Symbol, "error", res.Err.Error())
		return 0, res.Err
	}
	conID := res.Val.(int64)
	r.log.info("resolved underlying id", "symbol", descriptor.Symbol, "con_id", conID, "shared", res.Shared)
	return conID, nil
}

// QualifyOption tries each qualification attempt in order and returns the
// first match of the first attempt that yields one.
func (r *Resolver) QualifyOption(ctx context.Context, spec models.OptionSpec) (models.Contract, error) {
	if err := spec.Validate(); err != nil {
		return models.Contract{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	right, _ := models.NormalizeRight(spec.Right)
	currency := strings.ToUpper(spec.Currency)
	if currency == "" {
		currency = models.DefaultCurrency
	}

	attempts := BuildQualificationAttempts(spec)
	r.log.info("qualifying option", "symbol", spec.Symbol, "expiration", spec.Expiration,
		"strike", spec.Strike, "right", string(right), "attempts", len(attempts))

	for i, attempt := range attempts {
		candidate := models.Contract{
			Symbol:          strings.ToUpper(spec.Symbol),
			SecType:         models.SecTypeOption,
			Expiration:      spec.Expiration,
			Strike:          spec.Strike,
			Right:           right,
			Currency:        currency,
			Exchange:        attempt.Exchange,
			PrimaryExchange: attempt.PrimaryExchange,
			TradingClass:    attempt.TradingClass,
			Multiplier:      attempt.Multiplier,
		}

		details, err := r.details.RequestContractDetails(ctx, candidate, r.attemptTimeout)
		switch {
		case err == nil && len(details) > 0:
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "match")
			qualified := details[0].Contract
			r.log.info("option qualified", "attempt", i+1, "description", attempt.Description,
				"con_id", qualified.ConID, "exchange", qualified.Exchange, "local_symbol", qualified.LocalSymbol)
			return qualified, nil
		case err == nil:
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "no_match")
			r.log.debug("qualification attempt found no match", "attempt", i+1, "description", attempt.Description)
		case IsAPIErrorCode(err, CodeNoSecurityDefinition):
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "no_match")
			r.log.debug("qualification attempt found no security definition", "attempt", i+1,
				"description", attempt.Description, "error", err.Error())
		case errors.Is(err, ErrTimeout):
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "timeout")
			r.log.debug("qualification attempt timed out", "attempt", i+1, "description", attempt.Description)
		case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionClosed), ctx.Err() != nil:
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "aborted")
			return models.Contract{}, fmt.Errorf("qualifying %s: %w", spec.Symbol, err)
		default:
			r.metrics.recordQualifyAttempt(ctx, attempt.Exchange, "error")
			r.log.warn("qualification attempt failed", "attempt", i+1, "description", attempt.Description,
				"error", err.Error())
		}
	}

	qerr := &QualificationError{
		Symbol:     strings.ToUpper(spec.Symbol),
		Expiration: spec.Expiration,
		Strike:     spec.Strike,
		Right:      string(right),
		Exchange:   spec.PreferredExchange,
		Attempts:   len(attempts),
	}
	r.log.warn("option qualification exhausted", "error", qerr.Error())
	return models.Contract{}, qerr
}
