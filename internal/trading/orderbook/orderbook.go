// Package orderbook implements the per-symbol price-level container:
// two price-indexed B-trees (bids descending, asks ascending) each
// holding a FIFO queue of resting orders, plus an id index of each
// order's (side, price) that lets Remove and GetOrder fetch the
// target level directly with tree.Get instead of scanning the side,
// so both cost O(level-size) rather than O(book depth x level size).
package orderbook

import (
	"github.com/tidwall/btree"

	"github.com/orbitcex/matching-engine/internal/trading/model"
)

// maxLevelsDepth bounds how many price levels Levels() will ever
// return, protecting callers from unbounded allocation on a
// pathologically deep book.
const maxLevelsDepth = 1000

// degree is the B-tree branching factor used for both sides of the
// book, matching the degree the teacher's order book uses for its
// price-level trees.
const degree = 32

// priceLevel is the FIFO queue of orders resting at a single price.
type priceLevel struct {
	price  int64
	orders []*model.Order
}

func (l *priceLevel) totalQty() int64 {
	var sum int64
	for _, o := range l.orders {
		sum += o.RemainingQty
	}
	return sum
}

func (l *priceLevel) removeID(orderID uint64) bool {
	for i, o := range l.orders {
		if o.ID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// OrderBook holds the resting bids and asks for a single symbol.
type OrderBook struct {
	symbol string

	bids *btree.Map[int64, *priceLevel]
	asks *btree.Map[int64, *priceLevel]

	// index maps an order id to the side and price it rests at, so
	// Remove and GetOrder can fetch the target level directly instead
	// of scanning every level on that side.
	index map[uint64]orderLocation
}

// orderLocation records where a resting order can be found on the book.
type orderLocation struct {
	side  model.Side
	price int64
}

// New creates an empty order book for symbol.
func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   btree.NewMap[int64, *priceLevel](degree),
		asks:   btree.NewMap[int64, *priceLevel](degree),
		index:  make(map[uint64]orderLocation),
	}
}

// Symbol returns the symbol this book was created for.
func (b *OrderBook) Symbol() string { return b.symbol }

func (b *OrderBook) treeFor(side model.Side) *btree.Map[int64, *priceLevel] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests order on the book. The caller must ensure order.RemainingQty
// > 0 and order.Type == model.OrderTypeLimit.
func (b *OrderBook) Add(order *model.Order) {
	tree := b.treeFor(order.Side)
	level, ok := tree.Get(order.Price)
	if !ok {
		level = &priceLevel{price: order.Price}
		tree.Set(order.Price, level)
	}
	level.orders = append(level.orders, order)
	b.index[order.ID] = orderLocation{side: order.Side, price: order.Price}
}

// Remove deletes orderID from whichever side it rests on, deleting the
// price level entirely if it becomes empty. Reports whether the order
// was found.
func (b *OrderBook) Remove(orderID uint64) bool {
	loc, ok := b.index[orderID]
	if !ok {
		return false
	}
	tree := b.treeFor(loc.side)
	level, ok := tree.Get(loc.price)
	if !ok || !level.removeID(orderID) {
		return false
	}
	if len(level.orders) == 0 {
		tree.Delete(loc.price)
	}
	delete(b.index, orderID)
	return true
}

// UpdateRemaining sets order's remaining quantity. If newQty is zero the
// order is removed from the book and transitioned to FILLED; otherwise
// its remaining quantity is updated and it transitions to PARTIAL.
// order must currently be resting on this book.
func (b *OrderBook) UpdateRemaining(order *model.Order, newQty int64) {
	order.RemainingQty = newQty
	if newQty == 0 {
		order.Status = model.OrderStatusFilled
		b.Remove(order.ID)
		return
	}
	order.Status = model.OrderStatusPartial
}

// BestBid returns the highest resting bid price, if any.
func (b *OrderBook) BestBid() (int64, bool) {
	var price int64
	var ok bool
	b.bids.Reverse(func(p int64, _ *priceLevel) bool {
		price, ok = p, true
		return false
	})
	return price, ok
}

// BestAsk returns the lowest resting ask price, if any.
func (b *OrderBook) BestAsk() (int64, bool) {
	var price int64
	var ok bool
	b.asks.Scan(func(p int64, _ *priceLevel) bool {
		price, ok = p, true
		return false
	})
	return price, ok
}

// OrdersAtBest returns the FIFO list resting at the current best price
// for side, or nil if that side is empty. The returned slice must not
// be mutated by the caller.
func (b *OrderBook) OrdersAtBest(side model.Side) []*model.Order {
	tree := b.treeFor(side)
	var out []*model.Order
	iter := tree.Scan
	if side == model.SideBuy {
		iter = tree.Reverse
	}
	iter(func(_ int64, level *priceLevel) bool {
		out = level.orders
		return false
	})
	return out
}

// Levels returns up to depth aggregated BookLevels for side, from best
// price outward.
func (b *OrderBook) Levels(side model.Side, depth int) []model.BookLevel {
	if depth <= 0 {
		return nil
	}
	if depth > maxLevelsDepth {
		depth = maxLevelsDepth
	}
	tree := b.treeFor(side)
	iter := tree.Scan
	if side == model.SideBuy {
		iter = tree.Reverse
	}
	levels := make([]model.BookLevel, 0, depth)
	iter(func(price int64, level *priceLevel) bool {
		levels = append(levels, model.BookLevel{
			Price:      price,
			Quantity:   level.totalQty(),
			OrderCount: len(level.orders),
		})
		return len(levels) < depth
	})
	return levels
}

// IsCrossed reports whether the best bid is at or above the best ask.
func (b *OrderBook) IsCrossed() bool {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if !hasBid || !hasAsk {
		return false
	}
	return bid >= ask
}

// GetOrder returns the resting order with id, if present on this book.
func (b *OrderBook) GetOrder(orderID uint64) (*model.Order, bool) {
	loc, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	level, ok := b.treeFor(loc.side).Get(loc.price)
	if !ok {
		return nil, false
	}
	for _, o := range level.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return nil, false
}
