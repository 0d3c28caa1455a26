package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/matching-engine/internal/trading/eventjournal"
	"github.com/orbitcex/matching-engine/internal/trading/model"
	"github.com/orbitcex/matching-engine/internal/trading/risk"
	"github.com/orbitcex/matching-engine/internal/trading/snapshot"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	journal, err := eventjournal.NewEventJournal(zap.NewNop().Sugar(), filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	snaps, err := snapshot.NewManager(filepath.Join(dir, "snapshots"), 1_000_000)
	require.NoError(t, err)

	checker := risk.NewChecker(risk.NewDefaultLimits())
	e := New(zap.NewNop(), journal, snaps, checker)

	var clock uint64
	e.Clock = func() uint64 {
		clock++
		return clock
	}
	return e
}

func limitOrder(account string, side model.Side, price, qty int64) model.Order {
	return model.Order{
		AccountID: account,
		Symbol:    "BTC-USD",
		Side:      side,
		Type:      model.OrderTypeLimit,
		Price:     price,
		Quantity:  qty,
	}
}

func marketOrder(account string, side model.Side, qty int64) model.Order {
	return model.Order{
		AccountID: account,
		Symbol:    "BTC-USD",
		Side:      side,
		Type:      model.OrderTypeMarket,
		Quantity:  qty,
	}
}

func TestEngine_RestingLimitOrderNoMatch(t *testing.T) {
	e := newTestEngine(t)
	res := e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale))
	require.True(t, res.Success)
	assert.Equal(t, model.OrderStatusNew, res.Order.Status)
	assert.Empty(t, res.Trades)

	book := e.GetBook("BTC-USD", 10)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, 100*model.PriceScale, book.Bids[0].Price)
}

func TestEngine_CrossingLimitOrdersMatchAtMakerPrice(t *testing.T) {
	e := newTestEngine(t)
	sell := e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	require.True(t, sell.Success)

	buy := e.PlaceOrder(limitOrder("alice", model.SideBuy, 105*model.PriceScale, model.PriceScale))
	require.True(t, buy.Success)
	require.Len(t, buy.Trades, 1)

	trade := buy.Trades[0]
	assert.Equal(t, 100*model.PriceScale, trade.Price, "trade executes at the resting (maker) order's price")
	assert.Equal(t, model.OrderStatusFilled, buy.Order.Status)

	filledSell, ok := e.GetOrder(sell.Order.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusFilled, filledSell.Status)
}

func TestEngine_PartialFillRestsRemainder(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))

	buy := e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, 2*model.PriceScale))
	require.True(t, buy.Success)
	assert.Equal(t, model.OrderStatusPartial, buy.Order.Status)
	assert.Equal(t, model.PriceScale, buy.Order.RemainingQty)

	book := e.GetBook("BTC-USD", 10)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, model.PriceScale, book.Bids[0].Quantity)
}

func TestEngine_MarketOrderRejectedOnNoLiquidity(t *testing.T) {
	e := newTestEngine(t)
	res := e.PlaceOrder(marketOrder("alice", model.SideBuy, model.PriceScale))
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrNoLiquidity, res.ErrorCode)
	assert.Equal(t, model.OrderStatusRejected, res.Order.Status)
}

func TestEngine_MarketOrderPartialFillNeverRests(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))

	res := e.PlaceOrder(marketOrder("alice", model.SideBuy, 3*model.PriceScale))
	assert.True(t, res.Success)
	assert.Equal(t, model.OrderStatusPartial, res.Order.Status)

	book := e.GetBook("BTC-USD", 10)
	assert.Empty(t, book.Bids, "market orders never rest, even partially filled")
}

func TestEngine_SelfTradePreventionStopsTheWholeLoop(t *testing.T) {
	e := newTestEngine(t)
	// alice's resting sell sits at the best price; a worse-priced sell
	// from bob sits behind it. alice's own crossing buy must not skip
	// past her own order to reach bob's liquidity.
	e.PlaceOrder(limitOrder("alice", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("bob", model.SideSell, 101*model.PriceScale, model.PriceScale))

	res := e.PlaceOrder(limitOrder("alice", model.SideBuy, 102*model.PriceScale, model.PriceScale))
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrSelfTradePrevented, res.ErrorCode)
	assert.Equal(t, model.OrderStatusRejected, res.Order.Status)
	assert.Empty(t, res.Trades)

	book := e.GetBook("BTC-USD", 10)
	assert.Empty(t, book.Bids, "rejected order must never rest")
}

func TestEngine_SelfTradePreventionAfterPartialFill(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("alice", model.SideSell, 101*model.PriceScale, model.PriceScale))

	res := e.PlaceOrder(limitOrder("alice", model.SideBuy, 102*model.PriceScale, 2*model.PriceScale))
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrSelfTradePrevented, res.ErrorCode)
	require.Len(t, res.Trades, 1, "the fill against bob before hitting alice's own order still counts")
	assert.Equal(t, model.PriceScale, res.Order.RemainingQty)
}

func TestEngine_CancelOrder(t *testing.T) {
	e := newTestEngine(t)
	placed := e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale))
	require.True(t, placed.Success)

	res := e.CancelOrder(placed.Order.ID)
	assert.True(t, res.Success)
	assert.Equal(t, model.OrderStatusCancelled, res.Order.Status)

	book := e.GetBook("BTC-USD", 10)
	assert.Empty(t, book.Bids)
}

func TestEngine_CancelUnknownOrderNotFound(t *testing.T) {
	e := newTestEngine(t)
	res := e.CancelOrder(999)
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrOrderNotFound, res.ErrorCode)
}

func TestEngine_CancelAlreadyFilledNotFound(t *testing.T) {
	e := newTestEngine(t)
	sell := e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale))

	res := e.CancelOrder(sell.Order.ID)
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrOrderNotFound, res.ErrorCode)
}

func TestEngine_DuplicateIdempotencyKeyRejected(t *testing.T) {
	e := newTestEngine(t)
	order := limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale)
	order.IdempotencyKey = "req-1"

	first := e.PlaceOrder(order)
	require.True(t, first.Success)

	second := e.PlaceOrder(order)
	assert.False(t, second.Success)
	assert.Equal(t, model.ErrDuplicateIdempotencyKey, second.ErrorCode)
	assert.Nil(t, second.Order, "a duplicate never gets assigned an id")
}

func TestEngine_RiskChecksRunBeforeIDAssignment(t *testing.T) {
	e := newTestEngine(t)
	res := e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, 0))
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidQuantity, res.ErrorCode)
	assert.Nil(t, res.Order)

	res = e.PlaceOrder(model.Order{
		AccountID: "alice",
		Symbol:    "DOGE-USD",
		Side:      model.SideBuy,
		Type:      model.OrderTypeLimit,
		Price:     model.PriceScale,
		Quantity:  model.PriceScale,
	})
	assert.Equal(t, model.ErrInvalidSymbol, res.ErrorCode)
}

func TestEngine_BookNeverCrosses(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("carol", model.SideBuy, 99*model.PriceScale, model.PriceScale))

	book := e.GetBook("BTC-USD", 10)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
	assert.Less(t, book.Bids[0].Price, book.Asks[0].Price)
}

func TestEngine_SnapshotAndRecoverReproducesBook(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, 2*model.PriceScale))
	resting := e.PlaceOrder(limitOrder("carol", model.SideBuy, 90*model.PriceScale, model.PriceScale))
	require.True(t, resting.Success)

	require.NoError(t, e.CreateSnapshot())

	statsBefore := e.GetStats()
	bookBefore := e.GetBook("BTC-USD", 10)

	restored := New(zap.NewNop(), e.journal, e.snapshots, risk.NewChecker(risk.NewDefaultLimits()))
	recovered, err := restored.Recover()
	require.NoError(t, err)
	assert.True(t, recovered)

	bookAfter := restored.GetBook("BTC-USD", 10)
	assert.Equal(t, bookBefore, bookAfter)

	statsAfter := restored.GetStats()
	assert.Equal(t, statsBefore.EventSequence, statsAfter.EventSequence)

	order, ok := restored.GetOrder(resting.Order.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusNew, order.Status)
}

func TestEngine_RecoverWithoutSnapshotReplaysWholeJournal(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale))

	restored := New(zap.NewNop(), e.journal, e.snapshots, risk.NewChecker(risk.NewDefaultLimits()))
	recovered, err := restored.Recover()
	require.NoError(t, err)
	assert.True(t, recovered)

	stats := restored.GetStats()
	assert.Equal(t, uint64(1), stats.TotalTrades)
}

func TestEngine_RecoverAppliesRejectionsCorrectly(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("alice", model.SideSell, 100*model.PriceScale, model.PriceScale))
	rejected := e.PlaceOrder(limitOrder("alice", model.SideBuy, 101*model.PriceScale, model.PriceScale))
	require.Equal(t, model.ErrSelfTradePrevented, rejected.ErrorCode)

	restored := New(zap.NewNop(), e.journal, e.snapshots, risk.NewChecker(risk.NewDefaultLimits()))
	_, err := restored.Recover()
	require.NoError(t, err)

	order, ok := restored.GetOrder(rejected.Order.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusRejected, order.Status)

	book := restored.GetBook("BTC-USD", 10)
	assert.Empty(t, book.Bids, "a rejected order must not resurface as resting after replay")
}

func TestEngine_GetTradesChronologicalOrder(t *testing.T) {
	e := newTestEngine(t)
	e.PlaceOrder(limitOrder("seller1", model.SideSell, 100*model.PriceScale, model.PriceScale))
	first := e.PlaceOrder(limitOrder("buyer1", model.SideBuy, 100*model.PriceScale, model.PriceScale))
	require.Len(t, first.Trades, 1)

	e.PlaceOrder(limitOrder("seller2", model.SideSell, 100*model.PriceScale, model.PriceScale))
	second := e.PlaceOrder(limitOrder("buyer2", model.SideBuy, 100*model.PriceScale, model.PriceScale))
	require.Len(t, second.Trades, 1)

	trades := e.GetTrades("BTC-USD", 10)
	require.Len(t, trades, 2)
	assert.Equal(t, first.Trades[0].ID, trades[0].ID, "oldest trade of the window must come first")
	assert.Equal(t, second.Trades[0].ID, trades[1].ID, "most recent trade must come last")
}

func TestEngine_RunsWithoutJournalOrSnapshots(t *testing.T) {
	e := New(zap.NewNop(), nil, nil, risk.NewChecker(risk.NewDefaultLimits()))

	sell := e.PlaceOrder(limitOrder("bob", model.SideSell, 100*model.PriceScale, model.PriceScale))
	require.True(t, sell.Success)
	buy := e.PlaceOrder(limitOrder("alice", model.SideBuy, 100*model.PriceScale, model.PriceScale))
	require.True(t, buy.Success)
	require.Len(t, buy.Trades, 1)

	stats := e.GetStats()
	assert.Equal(t, uint64(0), stats.EventSequence, "no journal means no sequence tracking")

	assert.Error(t, e.CreateSnapshot(), "no snapshot manager configured")

	recovered, err := e.Recover()
	require.NoError(t, err)
	assert.False(t, recovered, "nothing to recover without a journal")
}

func TestEngine_GetTradesLimitKeepsMostRecentWindowInOrder(t *testing.T) {
	e := newTestEngine(t)
	var ids []uint64
	for i := 0; i < 3; i++ {
		e.PlaceOrder(limitOrder(fmt.Sprintf("seller%d", i), model.SideSell, 100*model.PriceScale, model.PriceScale))
		result := e.PlaceOrder(limitOrder(fmt.Sprintf("buyer%d", i), model.SideBuy, 100*model.PriceScale, model.PriceScale))
		require.Len(t, result.Trades, 1)
		ids = append(ids, result.Trades[0].ID)
	}

	trades := e.GetTrades("BTC-USD", 2)
	require.Len(t, trades, 2)
	assert.Equal(t, ids[1], trades[0].ID, "window keeps the two most recent trades, oldest first")
	assert.Equal(t, ids[2], trades[1].ID)
}
