// Package risk implements the matching engine's pre-trade validation
// gate: a pure function of an order and a set of configured limits, run
// before an order is ever assigned an id or logged.
package risk

import (
	"github.com/orbitcex/matching-engine/internal/trading/model"
)

// Checker validates orders against a set of Limits. It holds no
// per-order state; the same Checker can be shared across symbols and
// goroutines.
type Checker struct {
	limits *Limits
}

// NewChecker builds a Checker over the given limits.
func NewChecker(limits *Limits) *Checker {
	return &Checker{limits: limits}
}

// Check runs the risk gate against order, returning ErrNone on success
// or the first failing ErrorCode otherwise. Checks run in the fixed
// order specified by the engine's risk contract: quantity, price,
// symbol, order size, then notional.
func (c *Checker) Check(order *model.Order) model.ErrorCode {
	if order.Quantity <= 0 {
		return model.ErrInvalidQuantity
	}

	if order.Type == model.OrderTypeLimit && order.Price <= 0 {
		return model.ErrInvalidPrice
	}

	if !c.limits.IsAllowedSymbol(order.Symbol) {
		return model.ErrInvalidSymbol
	}

	if order.Quantity > c.limits.MaxOrderSize() {
		return model.ErrMaxOrderSizeExceeded
	}

	if order.Type == model.OrderTypeLimit {
		notional, err := model.Notional(order.Price, order.Quantity)
		if err != nil {
			return model.ErrMaxNotionalExceeded
		}
		if notional > c.limits.MaxNotional() {
			return model.ErrMaxNotionalExceeded
		}
	}

	return model.ErrNone
}
