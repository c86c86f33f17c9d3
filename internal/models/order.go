package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderAction is the side of an order
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// Order is the subset of gateway order fields the bridge submits.
type Order struct {
	OrderID       int64           `json:"order_id,omitempty"`
	Action        OrderAction     `json:"action"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	OrderType     string          `json:"order_type"` // MKT, LMT, STP or STP LMT
	LmtPrice      float64         `json:"lmt_price,omitempty"`
	AuxPrice      float64         `json:"aux_price,omitempty"`
	TIF           string          `json:"tif,omitempty"`
	Account       string          `json:"account,omitempty"`
	OrderRef      string          `json:"order_ref,omitempty"`
	Transmit      bool            `json:"transmit"`
}

// Validate rejects orders the gateway would refuse outright.
func (o Order) Validate() error {
	if o.Action != ActionBuy && o.Action != ActionSell {
		return fmt.Errorf("order action must be BUY or SELL")
	}
	if !o.TotalQuantity.IsPositive() {
		return fmt.Errorf("order total_quantity must be > 0")
	}
	switch strings.ToUpper(o.OrderType) {
	case "MKT":
	case "LMT":
		if o.LmtPrice <= 0 {
			return fmt.Errorf("limit order requires lmt_price > 0")
		}
	case "STP":
		if o.AuxPrice <= 0 {
			return fmt.Errorf("stop order requires aux_price > 0")
		}
	case "STP LMT":
		if o.AuxPrice <= 0 || o.LmtPrice <= 0 {
			return fmt.Errorf("stop limit order requires aux_price and lmt_price > 0")
		}
	case "":
		return fmt.Errorf("order type is required")
	default:
		return fmt.Errorf("unsupported order type %q", o.OrderType)
	}
	return nil
}

// Order status values reported by the gateway.
const (
	OrderStatusPendingSubmit = "PendingSubmit"
	OrderStatusPreSubmitted  = "PreSubmitted"
	OrderStatusSubmitted     = "Submitted"
	OrderStatusFilled        = "Filled"
	OrderStatusCancelled     = "Cancelled"
	OrderStatusAPICancelled  = "ApiCancelled"
	OrderStatusInactive      = "Inactive"
)

// IsOrderResolvingStatus reports whether a status completes an order
// submission: any terminal status, or Submitted.
func IsOrderResolvingStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusAPICancelled,
		OrderStatusInactive, OrderStatusSubmitted:
		return true
	}
	return false
}

// OrderResult is the first resolving status seen for a submitted order.
type OrderResult struct {
	OrderID      int64           `json:"order_id"`
	Status       string          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice float64         `json:"avg_fill_price"`
	PermID       int64           `json:"perm_id,omitempty"`
	OrderRef     string          `json:"order_ref,omitempty"`
}

// Position is one row of the gateway position stream.
type Position struct {
	Account  string          `json:"account"`
	Contract Contract        `json:"contract"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  float64         `json:"avg_cost"`
}

// PositionSummary is the per-symbol view returned to callers.
type PositionSummary struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  float64         `json:"avg_cost"`
}
