// Package engine implements the matching engine: a single mutex-guarded
// gate that accepts orders and cancellations, matches them against
// resting liquidity in strict price-time priority, durably journals
// every state transition, and can recover exact equivalent state from
// a snapshot plus the event log's tail after a restart.
//
// All engine operations are processed one at a time under a single
// lock. This trades away intra-engine parallelism for the strictly
// ordered event stream that crash recovery depends on: replaying the
// journal must reproduce exactly what happened, in exactly the order
// it happened.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitcex/matching-engine/internal/trading/eventjournal"
	"github.com/orbitcex/matching-engine/internal/trading/model"
	"github.com/orbitcex/matching-engine/internal/trading/orderbook"
	"github.com/orbitcex/matching-engine/internal/trading/risk"
	"github.com/orbitcex/matching-engine/internal/trading/snapshot"
)

// PlaceOrderResult is the outcome of a PlaceOrder call.
type PlaceOrderResult struct {
	Success   bool
	ErrorCode model.ErrorCode
	Order     *model.Order
	Trades    []model.Trade
}

// CancelOrderResult is the outcome of a CancelOrder call.
type CancelOrderResult struct {
	Success   bool
	ErrorCode model.ErrorCode
	Order     *model.Order
}

// BookSnapshot is a depth-limited view of one symbol's book.
type BookSnapshot struct {
	Symbol string
	Bids   []model.BookLevel
	Asks   []model.BookLevel
}

type orderPlacedPayload struct {
	Order model.Order `json:"order"`
}

type orderCancelledPayload struct {
	OrderID uint64 `json:"order_id"`
}

type orderRejectedPayload struct {
	OrderID   uint64          `json:"order_id"`
	ErrorCode model.ErrorCode `json:"error_code"`
}

type tradeExecutedPayload struct {
	Trade model.Trade `json:"trade"`
}

// Engine is the matching engine for a fixed set of symbols. It is safe
// for concurrent use; every exported method serializes on a single
// mutex.
type Engine struct {
	logger *zap.Logger

	mu      sync.Mutex
	books   map[string]*orderbook.OrderBook
	orders  map[uint64]*model.Order
	trades  []model.Trade
	idemKey map[string]uint64

	nextOrderID uint64
	nextTradeID uint64

	stats model.EngineStats

	journal   *eventjournal.EventJournal
	snapshots *snapshot.Manager
	checker   *risk.Checker

	// Clock returns the current time in nanoseconds. Overridable so
	// tests can pin timestamps.
	Clock func() uint64
}

// New builds an Engine over the given journal, snapshot manager and
// risk checker. Symbols are created lazily on first use.
func New(logger *zap.Logger, journal *eventjournal.EventJournal, snapshots *snapshot.Manager, checker *risk.Checker) *Engine {
	return &Engine{
		logger:      logger,
		books:       make(map[string]*orderbook.OrderBook),
		orders:      make(map[uint64]*model.Order),
		idemKey:     make(map[string]uint64),
		nextOrderID: 1,
		nextTradeID: 1,
		journal:     journal,
		snapshots:   snapshots,
		checker:     checker,
		Clock:       model.NowNs,
	}
}

func (e *Engine) bookFor(symbol string) *orderbook.OrderBook {
	book, ok := e.books[symbol]
	if !ok {
		book = orderbook.New(symbol)
		e.books[symbol] = book
	}
	return book
}

func (e *Engine) logEvent(evtType model.EventType, payload interface{}) {
	if e.journal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal event payload", zap.Error(err))
		return
	}
	event := model.Event{
		Sequence:    e.journal.NextSequence(),
		TimestampNs: e.Clock(),
		Type:        evtType,
		Payload:     data,
	}
	if err := e.journal.WriteEvent(event); err != nil {
		e.logger.Error("failed to write journal event", zap.Error(err))
	}
}

// PlaceOrder validates, assigns an id to, and attempts to match order.
// order.ID, order.TimestampNs, order.RemainingQty and order.Status are
// populated by PlaceOrder and must be zero-valued by the caller.
func (e *Engine) PlaceOrder(order model.Order) PlaceOrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if order.IdempotencyKey != "" {
		if _, dup := e.idemKey[order.IdempotencyKey]; dup {
			return PlaceOrderResult{ErrorCode: model.ErrDuplicateIdempotencyKey}
		}
	}

	if code := e.checker.Check(&order); code != model.ErrNone {
		return PlaceOrderResult{ErrorCode: code}
	}

	order.ID = e.nextOrderID
	e.nextOrderID++
	order.TimestampNs = e.Clock()
	order.RemainingQty = order.Quantity
	order.Status = model.OrderStatusNew

	if order.IdempotencyKey != "" {
		e.idemKey[order.IdempotencyKey] = order.ID
	}
	e.orders[order.ID] = &order

	e.stats.TotalOrders++
	e.logEvent(model.EventOrderPlaced, orderPlacedPayload{Order: order})

	trades := e.match(&order)

	book := e.bookFor(order.Symbol)
	switch {
	case order.RemainingQty == 0:
		order.Status = model.OrderStatusFilled

	case order.Type == model.OrderTypeMarket:
		if order.FilledQty() == 0 {
			order.Status = model.OrderStatusRejected
			e.stats.TotalRejects++
			e.logEvent(model.EventOrderRejected, orderRejectedPayload{OrderID: order.ID, ErrorCode: model.ErrNoLiquidity})
			return PlaceOrderResult{ErrorCode: model.ErrNoLiquidity, Order: order.Clone(), Trades: trades}
		}
		order.Status = model.OrderStatusPartial

	default: // LIMIT with remaining > 0
		if e.wouldCross(book, &order) {
			order.Status = model.OrderStatusRejected
			e.stats.TotalRejects++
			e.logEvent(model.EventOrderRejected, orderRejectedPayload{OrderID: order.ID, ErrorCode: model.ErrSelfTradePrevented})
			return PlaceOrderResult{ErrorCode: model.ErrSelfTradePrevented, Order: order.Clone(), Trades: trades}
		}
		if order.FilledQty() > 0 {
			order.Status = model.OrderStatusPartial
		} else {
			order.Status = model.OrderStatusNew
		}
		book.Add(&order)
	}

	e.maybeSnapshot()
	return PlaceOrderResult{Success: true, Order: order.Clone(), Trades: trades}
}

// wouldCross reports whether a resting LIMIT order would immediately
// cross the book at its own price, used to reject orders whose
// remaining quantity could only be filled by self-trading.
func (e *Engine) wouldCross(book *orderbook.OrderBook, order *model.Order) bool {
	if order.Side == model.SideBuy {
		ask, ok := book.BestAsk()
		return ok && order.Price >= ask
	}
	bid, ok := book.BestBid()
	return ok && order.Price <= bid
}

// match repeatedly crosses incoming against the best resting order on
// the opposite side of its book until incoming is filled, the book is
// exhausted, incoming (if LIMIT) no longer crosses the best price, or
// the best resting order belongs to incoming's own account — in which
// case matching stops entirely rather than skipping over it, so an
// order can never trade with itself by walking past its own resting
// liquidity.
func (e *Engine) match(incoming *model.Order) []model.Trade {
	book := e.bookFor(incoming.Symbol)
	oppositeSide := model.SideSell
	if incoming.Side == model.SideSell {
		oppositeSide = model.SideBuy
	}

	var trades []model.Trade
	for incoming.RemainingQty > 0 {
		resting := book.OrdersAtBest(oppositeSide)
		if len(resting) == 0 {
			break
		}
		best := resting[0]

		if incoming.Type == model.OrderTypeLimit {
			if incoming.Side == model.SideBuy && incoming.Price < best.Price {
				break
			}
			if incoming.Side == model.SideSell && incoming.Price > best.Price {
				break
			}
		}

		if incoming.AccountID == best.AccountID {
			break
		}

		qty := min(incoming.RemainingQty, best.RemainingQty)

		trade := model.Trade{
			ID:          e.nextTradeID,
			Symbol:      incoming.Symbol,
			Price:       best.Price, // maker price: the resting order sets the trade price
			Quantity:    qty,
			TimestampNs: e.Clock(),
		}
		if incoming.Side == model.SideBuy {
			trade.BuyOrderID, trade.SellOrderID = incoming.ID, best.ID
			trade.BuyerAccountID, trade.SellerAccountID = incoming.AccountID, best.AccountID
		} else {
			trade.BuyOrderID, trade.SellOrderID = best.ID, incoming.ID
			trade.BuyerAccountID, trade.SellerAccountID = best.AccountID, incoming.AccountID
		}
		e.nextTradeID++

		e.trades = append(e.trades, trade)
		trades = append(trades, trade)
		e.stats.TotalTrades++
		e.logEvent(model.EventTradeExecuted, tradeExecutedPayload{Trade: trade})

		incoming.RemainingQty -= qty
		book.UpdateRemaining(best, best.RemainingQty-qty)
	}
	return trades
}

// CancelOrder cancels a resting order. Orders that are unknown or have
// already left an active state (filled, cancelled, rejected) return
// ORDER_NOT_FOUND.
func (e *Engine) CancelOrder(orderID uint64) CancelOrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok || !order.IsActive() {
		return CancelOrderResult{ErrorCode: model.ErrOrderNotFound}
	}

	book := e.bookFor(order.Symbol)
	book.Remove(order.ID)
	order.Status = model.OrderStatusCancelled

	e.stats.TotalCancels++
	e.logEvent(model.EventOrderCancelled, orderCancelledPayload{OrderID: order.ID})

	return CancelOrderResult{Success: true, Order: order.Clone()}
}

// GetOrder returns a copy of the order with the given id, if known.
func (e *Engine) GetOrder(orderID uint64) (model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *order, true
}

// GetBook returns up to depth aggregated levels per side for symbol.
func (e *Engine) GetBook(symbol string, depth int) BookSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	book := e.bookFor(symbol)
	return BookSnapshot{
		Symbol: symbol,
		Bids:   book.Levels(model.SideBuy, depth),
		Asks:   book.Levels(model.SideSell, depth),
	}
}

// GetTrades returns up to limit of the most recently executed trades
// for symbol, in chronological order (oldest of the selected window
// first).
func (e *Engine) GetTrades(symbol string, limit int) []model.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Trade, 0, limit)
	for i := len(e.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if e.trades[i].Symbol == symbol {
			out = append(out, e.trades[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// GetStats returns a copy of the engine's running counters.
func (e *Engine) GetStats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	if e.journal != nil {
		stats.EventSequence = e.journal.CurrentSequence()
	}
	return stats
}

// maybeSnapshot takes a snapshot if the configured interval has
// elapsed since the last one. Called with the engine lock already
// held.
func (e *Engine) maybeSnapshot() {
	if e.snapshots == nil || e.journal == nil {
		return
	}
	seq := e.journal.CurrentSequence()
	if !e.snapshots.ShouldSnapshot(seq) {
		return
	}
	if err := e.snapshots.Save(e.buildSnapshot(seq)); err != nil {
		e.logger.Error("failed to save snapshot", zap.Error(err))
	}
}

func (e *Engine) buildSnapshot(seq uint64) model.Snapshot {
	orders := make([]model.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.IsActive() {
			orders = append(orders, *o)
		}
	}
	return model.Snapshot{
		Sequence:    seq,
		TimestampNs: e.Clock(),
		NextOrderID: e.nextOrderID,
		NextTradeID: e.nextTradeID,
		Orders:      orders,
	}
}

// CreateSnapshot forces an immediate snapshot regardless of the
// configured interval.
func (e *Engine) CreateSnapshot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshots == nil {
		return fmt.Errorf("engine: no snapshot manager configured")
	}
	if e.journal == nil {
		return fmt.Errorf("engine: no event journal configured")
	}
	return e.snapshots.Save(e.buildSnapshot(e.journal.CurrentSequence()))
}

// Recover reconstructs engine state from the latest snapshot (if any)
// followed by every journal event after it, or the entire journal if
// no snapshot exists. It reports whether any recovery occurred.
func (e *Engine) Recover() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var afterSeq uint64
	recovered := false

	if e.snapshots != nil {
		snap, ok, err := e.snapshots.LoadLatest()
		if err != nil {
			return false, fmt.Errorf("engine: load snapshot: %w", err)
		}
		if ok {
			e.installSnapshot(snap)
			afterSeq = snap.Sequence
			recovered = true
		}
	}

	replayed := 0
	if e.journal != nil {
		err := e.journal.ReplayFrom(afterSeq, func(event model.Event) error {
			replayed++
			return e.applyEvent(event)
		})
		if err != nil {
			return false, fmt.Errorf("engine: replay journal: %w", err)
		}
	}
	if replayed > 0 {
		recovered = true
	}

	return recovered, nil
}

func (e *Engine) installSnapshot(snap model.Snapshot) {
	e.books = make(map[string]*orderbook.OrderBook)
	e.orders = make(map[uint64]*model.Order)
	e.idemKey = make(map[string]uint64)
	e.trades = nil

	for i := range snap.Orders {
		order := snap.Orders[i]
		e.orders[order.ID] = &order
		if order.IdempotencyKey != "" {
			e.idemKey[order.IdempotencyKey] = order.ID
		}
		if order.IsActive() && order.Type == model.OrderTypeLimit && order.RemainingQty > 0 {
			e.bookFor(order.Symbol).Add(&order)
		}
	}

	e.nextOrderID = snap.NextOrderID
	e.nextTradeID = snap.NextTradeID
	if e.journal != nil {
		e.journal.SetSequence(snap.Sequence)
	}
}

// applyEvent replays a single journal event against engine state. It
// deliberately treats ORDER_REJECTED as more than a bookkeeping no-op:
// an order that was rejected after partially matching (self-trade
// prevention can trigger after some fills already occurred) must be
// pulled back off the book during replay exactly as it was pulled
// during live processing, or recovered state would show a crossed or
// resting order that was never actually live.
func (e *Engine) applyEvent(event model.Event) error {
	switch event.Type {
	case model.EventOrderPlaced:
		var payload orderPlacedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode ORDER_PLACED payload: %w", err)
		}
		order := payload.Order
		if _, exists := e.orders[order.ID]; !exists {
			e.orders[order.ID] = &order
			if order.IdempotencyKey != "" {
				e.idemKey[order.IdempotencyKey] = order.ID
			}
			if order.IsActive() && order.Type == model.OrderTypeLimit && order.RemainingQty > 0 {
				e.bookFor(order.Symbol).Add(&order)
			}
			e.stats.TotalOrders++
		}
		if order.ID >= e.nextOrderID {
			e.nextOrderID = order.ID + 1
		}

	case model.EventOrderCancelled:
		var payload orderCancelledPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode ORDER_CANCELLED payload: %w", err)
		}
		if order, ok := e.orders[payload.OrderID]; ok {
			e.bookFor(order.Symbol).Remove(order.ID)
			order.Status = model.OrderStatusCancelled
			e.stats.TotalCancels++
		}

	case model.EventOrderRejected:
		var payload orderRejectedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode ORDER_REJECTED payload: %w", err)
		}
		if order, ok := e.orders[payload.OrderID]; ok {
			e.bookFor(order.Symbol).Remove(order.ID)
			order.Status = model.OrderStatusRejected
			e.stats.TotalRejects++
		}

	case model.EventTradeExecuted:
		var payload tradeExecutedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode TRADE_EXECUTED payload: %w", err)
		}
		trade := payload.Trade
		e.trades = append(e.trades, trade)
		if trade.ID >= e.nextTradeID {
			e.nextTradeID = trade.ID + 1
		}
		e.applyFillDuringReplay(trade.BuyOrderID, trade.Quantity)
		e.applyFillDuringReplay(trade.SellOrderID, trade.Quantity)
		e.stats.TotalTrades++

	case model.EventSnapshotMarker:
		// Reserved for future use; carries no state to apply.
	}
	return nil
}

func (e *Engine) applyFillDuringReplay(orderID uint64, qty int64) {
	order, ok := e.orders[orderID]
	if !ok {
		return
	}
	newQty := order.RemainingQty - qty
	if newQty < 0 {
		newQty = 0
	}
	if order.Type == model.OrderTypeLimit && order.IsActive() {
		if _, onBook := e.bookFor(order.Symbol).GetOrder(orderID); onBook {
			e.bookFor(order.Symbol).UpdateRemaining(order, newQty)
			return
		}
	}
	order.RemainingQty = newQty
	if newQty == 0 {
		order.Status = model.OrderStatusFilled
	} else {
		order.Status = model.OrderStatusPartial
	}
}
