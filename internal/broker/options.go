package broker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// ResolveUnderlyingID returns the numeric contract id of an underlying
func (b *Bridge) ResolveUnderlyingID(ctx context.Context, symbol string, secType models.SecType) (int64, error) {
	return b.resolver.ResolveUnderlyingID(ctx, symbol, secType)
}

// QualifyOption resolves spec to a gateway-recognized option contract
func (b *Bridge) QualifyOption(ctx context.Context, spec models.OptionSpec) (models.Contract, error) {
	return b.resolver.QualifyOption(ctx, spec)
}

// RequestOptionParams returns every option-chain parameter set of the
// query's underlying. A zero ConID is resolved from the symbol first.
func (b *Bridge) RequestOptionParams(ctx context.Context, query models.OptionParamsQuery, timeout time.Duration) ([]models.OptionParams, error) {
	if strings.TrimSpace(query.Symbol) == "" {
		return nil, invalidArgument("underlying symbol is required")
	}
	query.Symbol = strings.ToUpper(strings.TrimSpace(query.Symbol))
	query.SecType = models.SecType(strings.ToUpper(string(query.SecType)))
	if query.SecType == "" {
		query.SecType = models.SecTypeStock
	}
	query.FutFopExchange = strings.ToUpper(query.FutFopExchange)

	if query.ConID == 0 {
		conID, err := b.resolver.ResolveUnderlyingID(ctx, query.Symbol, query.SecType)
		if err != nil {
			return nil, err
		}
		query.ConID = conID
	}

	client := b.conn.client
	params, err := roundTrip[[]models.OptionParams](ctx, b, call{
		op:      "reqSecDefOptParams",
		kind:    KindOptionParams,
		timeout: orDefault(timeout, b.timeouts.OptionParams),
		issue: func(id int64) error {
			return client.ReqSecDefOptParams(id, query.Symbol, query.FutFopExchange, query.SecType, query.ConID)
		},
	})
	if err != nil {
		return nil, err
	}
	b.log.info("option parameters received", "symbol", query.Symbol, "con_id", query.ConID, "sets", len(params))
	return params, nil
}

// ListOptionExpirations returns the sorted union of expirations across every
// parameter set of the underlying.
func (b *Bridge) ListOptionExpirations(ctx context.Context, query models.OptionParamsQuery, timeout time.Duration) ([]string, error) {
	params, err := b.RequestOptionParams(ctx, query, timeout)
	if err != nil {
		return nil, err
	}
	expirations := UnionExpirations(params)
	if len(expirations) == 0 {
		b.log.warn("no option expirations found", "symbol", query.Symbol)
	}
	return expirations, nil
}

// ListOptionStrikes returns the sorted strikes offered for expiration,
// optionally restricted to one exchange.
func (b *Bridge) ListOptionStrikes(ctx context.Context, query models.OptionParamsQuery, expiration, exchange string, timeout time.Duration) ([]float64, error) {
	if strings.TrimSpace(expiration) == "" {
		return nil, invalidArgument("expiration is required")
	}
	params, err := b.RequestOptionParams(ctx, query, timeout)
	if err != nil {
		return nil, err
	}
	strikes, found := StrikesFor(params, expiration, exchange)
	switch {
	case !found:
		b.log.warn("expiration not offered", "symbol", query.Symbol, "expiration", expiration, "exchange", exchange)
	case len(strikes) == 0:
		b.log.warn("no strikes found for expiration", "symbol", query.Symbol, "expiration", expiration, "exchange", exchange)
	}
	return strikes, nil
}

// UnionExpirations merges the expiration sets of params into one sorted list
func UnionExpirations(params []models.OptionParams) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range params {
		for _, exp := range p.Expirations {
			if _, ok := seen[exp]; ok {
				continue
			}
			seen[exp] = struct{}{}
			out = append(out, exp)
		}
	}
	slices.Sort(out)
	return out
}

// StrikesFor merges the strike sets of every parameter set that lists
// expiration, after filtering by exchange when one is given. found reports
// whether any such set exists.
func StrikesFor(params []models.OptionParams, expiration, exchange string) (strikes []float64, found bool) {
	seen := make(map[float64]struct{})
	for _, p := range params {
		if exchange != "" && !strings.EqualFold(p.Exchange, exchange) {
			continue
		}
		if !slices.Contains(p.Expirations, expiration) {
			continue
		}
		found = true
		for _, k := range p.Strikes {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			strikes = append(strikes, k)
		}
	}
	slices.Sort(strikes)
	return strikes, found
}

// RequestOptionSnapshot qualifies spec and takes a market-data snapshot of
// the resulting contract.
func (b *Bridge) RequestOptionSnapshot(ctx context.Context, spec models.OptionSpec, tickList string, timeout time.Duration) (models.Contract, models.Snapshot, error) {
	contract, err := b.resolver.QualifyOption(ctx, spec)
	if err != nil {
		return models.Contract{}, nil, fmt.Errorf("option snapshot: %w", err)
	}
	snap, err := b.RequestMarketDataSnapshot(ctx, contract, tickList, false, timeout)
	if err != nil {
		return contract, nil, err
	}
	return contract, snap, nil
}

// RequestOptionHistoricalBars qualifies spec and requests bars for the
// resulting contract. The contract field of req is replaced.
func (b *Bridge) RequestOptionHistoricalBars(ctx context.Context, spec models.OptionSpec, req models.HistoricalRequest, timeout time.Duration) ([]models.Bar, error) {
	contract, err := b.resolver.QualifyOption(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("option historical bars: %w", err)
	}
	req.Contract = contract
	return b.RequestHistoricalBars(ctx, req, timeout)
}
