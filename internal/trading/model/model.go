// Package model defines the fixed-point domain types shared by the order
// book, risk checker, event log, snapshot manager and matching engine.
//
// Prices and quantities are int64 values scaled by PriceScale (10^8); no
// floating point is used anywhere in this package or its callers.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// PriceScale is the fixed-point scale for all prices and quantities:
// one unit of price/quantity equals 1/PriceScale of a symbol's quote or
// base currency.
const PriceScale int64 = 100_000_000

// NowNs returns the current wall-clock time as nanoseconds since the
// Unix epoch, the timestamp resolution used throughout the engine.
func NowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// Side is the direction of an order.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "BUY":
		*s = SideBuy
	case "SELL":
		*s = SideSell
	default:
		return fmt.Errorf("model: invalid side %q", str)
	}
	return nil
}

// OrderType distinguishes resting limit orders from immediate-fill
// market orders. No other order types are supported by this engine.
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
)

func (t OrderType) String() string {
	if t == OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

func (t OrderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *OrderType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "LIMIT":
		*t = OrderTypeLimit
	case "MARKET":
		*t = OrderTypeMarket
	default:
		return fmt.Errorf("model: invalid order type %q", str)
	}
	return nil
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint8

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusPartial
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

var orderStatusNames = [...]string{"NEW", "PARTIAL", "FILLED", "CANCELLED", "REJECTED"}

func (s OrderStatus) String() string {
	if int(s) < len(orderStatusNames) {
		return orderStatusNames[s]
	}
	return "UNKNOWN"
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for i, name := range orderStatusNames {
		if name == str {
			*s = OrderStatus(i)
			return nil
		}
	}
	return fmt.Errorf("model: invalid order status %q", str)
}

// IsActive reports whether an order can still receive fills or be
// cancelled (i.e. it may rest on a book).
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusNew || s == OrderStatusPartial
}

// Order is a single order accepted by the matching engine.
type Order struct {
	ID             uint64      `json:"id"`
	AccountID      string      `json:"account_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Price          int64       `json:"price"`
	Quantity       int64       `json:"quantity"`
	RemainingQty   int64       `json:"remaining_qty"`
	TimestampNs    uint64      `json:"timestamp_ns"`
	Status         OrderStatus `json:"status"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
}

// FilledQty returns the quantity of the order that has been matched.
func (o *Order) FilledQty() int64 {
	return o.Quantity - o.RemainingQty
}

// IsActive reports whether the order may still rest on a book.
func (o *Order) IsActive() bool {
	return o.Status.IsActive()
}

// Clone returns a shallow copy of the order, safe for handing to a
// caller that must not observe subsequent engine mutations.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade is a single match between two orders.
type Trade struct {
	ID              uint64 `json:"id"`
	BuyOrderID      uint64 `json:"buy_order_id"`
	SellOrderID     uint64 `json:"sell_order_id"`
	Symbol          string `json:"symbol"`
	Price           int64  `json:"price"`
	Quantity        int64  `json:"quantity"`
	TimestampNs     uint64 `json:"timestamp_ns"`
	BuyerAccountID  string `json:"buyer_account_id"`
	SellerAccountID string `json:"seller_account_id"`
}

// BookLevel is an aggregated view of resting orders at a single price.
type BookLevel struct {
	Price      int64 `json:"price"`
	Quantity   int64 `json:"quantity"`
	OrderCount int   `json:"order_count"`
}

// EventType enumerates the durable event kinds appended to the event log.
type EventType uint8

const (
	EventOrderPlaced EventType = iota
	EventOrderCancelled
	EventOrderRejected
	EventTradeExecuted
	EventSnapshotMarker
)

var eventTypeNames = [...]string{
	"ORDER_PLACED", "ORDER_CANCELLED", "ORDER_REJECTED", "TRADE_EXECUTED", "SNAPSHOT_MARKER",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "UNKNOWN"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for i, name := range eventTypeNames {
		if name == str {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("model: invalid event type %q", str)
}

// Event is one line of the durable, append-only event log.
type Event struct {
	Sequence    uint64          `json:"sequence"`
	TimestampNs uint64          `json:"timestamp_ns"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// Snapshot is a point-in-time capture of engine state sufficient, with
// the event tail, to reconstruct full state.
type Snapshot struct {
	Sequence    uint64  `json:"sequence"`
	TimestampNs uint64  `json:"timestamp_ns"`
	NextOrderID uint64  `json:"next_order_id"`
	NextTradeID uint64  `json:"next_trade_id"`
	Orders      []Order `json:"orders"`
}

// EngineStats are the counters exposed by get_stats.
type EngineStats struct {
	TotalOrders   uint64 `json:"total_orders"`
	TotalTrades   uint64 `json:"total_trades"`
	TotalCancels  uint64 `json:"total_cancels"`
	TotalRejects  uint64 `json:"total_rejects"`
	EventSequence uint64 `json:"event_sequence"`
}

// ErrorCode is the closed taxonomy of engine-level failures.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrInvalidQuantity
	ErrInvalidPrice
	ErrInvalidSymbol
	ErrInvalidSide
	ErrInvalidOrderType
	ErrOrderNotFound
	ErrInsufficientBalance
	ErrMaxOrderSizeExceeded
	ErrMaxNotionalExceeded
	ErrSelfTradePrevented
	ErrNoLiquidity
	ErrDuplicateIdempotencyKey
	ErrInternal
)

var errorCodeNames = [...]string{
	"NONE",
	"INVALID_QUANTITY",
	"INVALID_PRICE",
	"INVALID_SYMBOL",
	"INVALID_SIDE",
	"INVALID_ORDER_TYPE",
	"ORDER_NOT_FOUND",
	"INSUFFICIENT_BALANCE",
	"MAX_ORDER_SIZE_EXCEEDED",
	"MAX_NOTIONAL_EXCEEDED",
	"SELF_TRADE_PREVENTED",
	"NO_LIQUIDITY",
	"DUPLICATE_IDEMPOTENCY_KEY",
	"INTERNAL_ERROR",
}

var errorCodeMessages = [...]string{
	"Success",
	"Quantity must be positive",
	"Price must be positive for limit orders",
	"Unknown or invalid symbol",
	"Side must be BUY or SELL",
	"Order type must be LIMIT or MARKET",
	"Order not found",
	"Insufficient account balance",
	"Order size exceeds maximum allowed",
	"Order notional value exceeds maximum allowed",
	"Order would result in self-trade",
	"No liquidity available for market order",
	"Duplicate idempotency key",
	"Internal engine error",
}

func (e ErrorCode) String() string {
	if int(e) < len(errorCodeNames) {
		return errorCodeNames[e]
	}
	return "UNKNOWN"
}

func (e ErrorCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *ErrorCode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for i, name := range errorCodeNames {
		if name == str {
			*e = ErrorCode(i)
			return nil
		}
	}
	return fmt.Errorf("model: invalid error code %q", str)
}

// Message returns the fixed human-readable message for an error code.
func (e ErrorCode) Message() string {
	if int(e) < len(errorCodeMessages) {
		return errorCodeMessages[e]
	}
	return "Unknown error"
}

// Error lets ErrorCode satisfy the error interface, so engine methods
// can return it directly alongside a bool/result struct where useful.
func (e ErrorCode) Error() string {
	return e.Message()
}

// Notional computes price*quantity/PriceScale using a 256-bit widened
// multiply so that large prices and quantities never silently overflow
// signed 64-bit arithmetic before the scale is divided back out. Both
// price and quantity must be non-negative.
func Notional(price, quantity int64) (int64, error) {
	if price < 0 || quantity < 0 {
		return 0, fmt.Errorf("model: notional requires non-negative price and quantity")
	}
	p := uint256.NewInt(uint64(price))
	q := uint256.NewInt(uint64(quantity))
	scale := uint256.NewInt(uint64(PriceScale))

	product := new(uint256.Int).Mul(p, q)
	result := new(uint256.Int).Div(product, scale)
	if !result.IsUint64() {
		return 0, fmt.Errorf("model: notional overflows int64")
	}
	v := result.Uint64()
	if v > uint64(1<<63-1) {
		return 0, fmt.Errorf("model: notional overflows int64")
	}
	return int64(v), nil
}
