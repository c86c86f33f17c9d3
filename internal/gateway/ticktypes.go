package gateway

import "strconv"

// TickType identifies a market data field in tick callbacks.
type TickType int

// Tick types referenced by the bridge.
const (
	TickBidSize               TickType = 0
	TickBid                   TickType = 1
	TickAsk                   TickType = 2
	TickAskSize               TickType = 3
	TickLast                  TickType = 4
	TickLastSize              TickType = 5
	TickHigh                  TickType = 6
	TickLow                   TickType = 7
	TickVolume                TickType = 8
	TickClose                 TickType = 9
	TickBidOptionComputation  TickType = 10
	TickAskOptionComputation  TickType = 11
	TickLastOptionComputation TickType = 12
	TickModelOption           TickType = 13
	TickOpen                  TickType = 14
	TickOptionImpliedVol      TickType = 24
	TickDelayedBid            TickType = 66
	TickDelayedAsk            TickType = 67
	TickDelayedLast           TickType = 68
	TickDelayedClose          TickType = 75
	TickDelayedModelOption    TickType = 83
)

var tickTypeNames = [...]string{
	"BID_SIZE", "BID", "ASK", "ASK_SIZE", "LAST", "LAST_SIZE", "HIGH", "LOW", "VOLUME", "CLOSE",
	"BID_OPTION_COMPUTATION", "ASK_OPTION_COMPUTATION", "LAST_OPTION_COMPUTATION", "MODEL_OPTION", "OPEN",
	"LOW_13_WEEK", "HIGH_13_WEEK", "LOW_26_WEEK", "HIGH_26_WEEK", "LOW_52_WEEK", "HIGH_52_WEEK",
	"AVG_VOLUME", "OPEN_INTEREST", "OPTION_HISTORICAL_VOL", "OPTION_IMPLIED_VOL", "OPTION_BID_EXCH",
	"OPTION_ASK_EXCH", "OPTION_CALL_OPEN_INTEREST", "OPTION_PUT_OPEN_INTEREST", "OPTION_CALL_VOLUME",
	"OPTION_PUT_VOLUME", "INDEX_FUTURE_PREMIUM", "BID_EXCH", "ASK_EXCH", "AUCTION_VOLUME", "AUCTION_PRICE",
	"AUCTION_IMBALANCE", "MARK_PRICE", "BID_EFP_COMPUTATION", "ASK_EFP_COMPUTATION", "LAST_EFP_COMPUTATION",
	"OPEN_EFP_COMPUTATION", "HIGH_EFP_COMPUTATION", "LOW_EFP_COMPUTATION", "CLOSE_EFP_COMPUTATION",
	"LAST_TIMESTAMP", "SHORTABLE", "FUNDAMENTAL_RATIOS", "RT_VOLUME", "HALTED", "BID_YIELD", "ASK_YIELD",
	"LAST_YIELD", "CUST_OPTION_COMPUTATION", "TRADE_COUNT", "TRADE_RATE", "VOLUME_RATE", "LAST_RTH_TRADE",
	"RT_HISTORICAL_VOL", "IB_DIVIDENDS", "BOND_FACTOR_MULTIPLIER", "REGULATORY_IMBALANCE", "NEWS_TICK",
	"SHORT_TERM_VOLUME_3_MIN", "SHORT_TERM_VOLUME_5_MIN", "SHORT_TERM_VOLUME_10_MIN", "DELAYED_BID",
	"DELAYED_ASK", "DELAYED_LAST", "DELAYED_BID_SIZE", "DELAYED_ASK_SIZE", "DELAYED_LAST_SIZE",
	"DELAYED_HIGH", "DELAYED_LOW", "DELAYED_VOLUME", "DELAYED_CLOSE", "DELAYED_OPEN", "RT_TRD_VOLUME",
	"CREDITMAN_MARK_PRICE", "CREDITMAN_SLOW_MARK_PRICE", "DELAYED_BID_OPTION", "DELAYED_ASK_OPTION",
	"DELAYED_LAST_OPTION", "DELAYED_MODEL_OPTION", "LAST_EXCH", "LAST_REG_TIME", "FUTURES_OPEN_INTEREST",
	"AVG_OPT_VOLUME", "DELAYED_LAST_TIMESTAMP", "SHORTABLE_SHARES",
}

// String returns the gateway's name for the tick type, or its number when
// the type is not known.
func (t TickType) String() string {
	if t >= 0 && int(t) < len(tickTypeNames) {
		return tickTypeNames[t]
	}
	return strconv.Itoa(int(t))
}
