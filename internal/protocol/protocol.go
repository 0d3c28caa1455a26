// Package protocol implements the engine's line-delimited JSON command
// protocol: each line read from the transport is a Command, and each
// line written back is exactly one Response.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitcex/matching-engine/internal/trading/engine"
	"github.com/orbitcex/matching-engine/internal/trading/model"
)

const (
	defaultBookDepth   = 10
	defaultTradesLimit = 100
)

// Command is the union of every field any supported command accepts.
// Unused fields are simply left at their zero value.
type Command struct {
	Cmd   string `json:"cmd"`
	ReqID string `json:"req_id,omitempty"`

	AccountID      string `json:"account_id,omitempty"`
	Symbol         string `json:"symbol,omitempty"`
	Side           string `json:"side,omitempty"`
	Type           string `json:"type,omitempty"`
	Price          int64  `json:"price,omitempty"`
	Quantity       int64  `json:"quantity,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ClientOrderID  string `json:"client_order_id,omitempty"`

	OrderID uint64 `json:"order_id,omitempty"`
	Depth   int    `json:"depth,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Wire-level error codes that exist only at the protocol layer, for
// failures that occur before an engine ErrorCode ever applies: a
// command line that isn't valid JSON, or a cmd value the dispatcher
// doesn't recognize.
const (
	codeParseError     = "PARSE_ERROR"
	codeUnknownCommand = "UNKNOWN_COMMAND"
)

// ErrorBody is the "error" field of a failed Response. Code is a plain
// string rather than model.ErrorCode because the protocol layer must
// also emit codes (PARSE_ERROR, UNKNOWN_COMMAND) that fall outside the
// engine's closed error taxonomy.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the single line written back for every Command.
type Response struct {
	Cmd     string      `json:"cmd"`
	ReqID   string      `json:"req_id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ShutdownRequested is returned by Handle when the command was
// "shutdown", "exit" or "quit", so the caller's read loop knows to
// stop after writing the response.
type ShutdownRequested struct{}

func (ShutdownRequested) Error() string { return "shutdown requested" }

// Handler dispatches line-delimited JSON commands against an Engine.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
	clock  func() uint64
}

// NewHandler builds a Handler over engine.
func NewHandler(eng *engine.Engine, logger *zap.Logger, clock func() uint64) *Handler {
	return &Handler{engine: eng, logger: logger, clock: clock}
}

// Handle parses one line of input, dispatches it, and returns the
// Response to write back. It returns ShutdownRequested (alongside a
// valid Response to still write) when the command is a shutdown
// request.
func (h *Handler) Handle(line []byte) (Response, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return errorResponse("", "", codeParseError, fmt.Sprintf("JSON parse error: %v", err)), nil
	}

	switch cmd.Cmd {
	case "place_order":
		return h.placeOrder(cmd), nil
	case "cancel_order":
		return h.cancelOrder(cmd), nil
	case "get_order":
		return h.getOrder(cmd), nil
	case "get_book":
		return h.getBook(cmd), nil
	case "get_trades":
		return h.getTrades(cmd), nil
	case "get_stats":
		return h.getStats(cmd), nil
	case "health":
		return Response{
			Cmd:     cmd.Cmd,
			ReqID:   cmd.ReqID,
			Success: true,
			Data:    map[string]interface{}{"status": "healthy", "timestamp_ns": h.clock()},
		}, nil
	case "shutdown", "exit", "quit":
		resp := Response{
			Cmd:     cmd.Cmd,
			ReqID:   cmd.ReqID,
			Success: true,
			Data:    map[string]interface{}{"status": "shutting_down"},
		}
		return resp, ShutdownRequested{}
	default:
		return errorResponse(cmd.Cmd, cmd.ReqID, codeUnknownCommand, fmt.Sprintf("Unknown command: %s", cmd.Cmd)), nil
	}
}

func errorResponse(cmd, reqID, code, message string) Response {
	return Response{
		Cmd:     cmd,
		ReqID:   reqID,
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
	}
}

// errorCodeResponse builds an error Response from an engine ErrorCode,
// serializing its closed-taxonomy name as the wire-level code string.
func errorCodeResponse(cmd, reqID string, code model.ErrorCode) Response {
	return errorResponse(cmd, reqID, code.String(), code.Message())
}

func (h *Handler) placeOrder(cmd Command) Response {
	var side model.Side
	switch cmd.Side {
	case "BUY":
		side = model.SideBuy
	case "SELL":
		side = model.SideSell
	default:
		return errorCodeResponse(cmd.Cmd, cmd.ReqID, model.ErrInvalidSide)
	}

	var orderType model.OrderType
	switch cmd.Type {
	case "LIMIT":
		orderType = model.OrderTypeLimit
	case "MARKET":
		orderType = model.OrderTypeMarket
	default:
		return errorCodeResponse(cmd.Cmd, cmd.ReqID, model.ErrInvalidOrderType)
	}

	clientOrderID := cmd.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	order := model.Order{
		AccountID:      cmd.AccountID,
		Symbol:         cmd.Symbol,
		Side:           side,
		Type:           orderType,
		Price:          cmd.Price,
		Quantity:       cmd.Quantity,
		IdempotencyKey: cmd.IdempotencyKey,
		ClientOrderID:  clientOrderID,
	}

	result := h.engine.PlaceOrder(order)
	if !result.Success {
		return errorCodeResponse(cmd.Cmd, cmd.ReqID, result.ErrorCode)
	}
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data: map[string]interface{}{
			"order":  result.Order,
			"trades": nonNilTrades(result.Trades),
		},
	}
}

func nonNilTrades(trades []model.Trade) []model.Trade {
	if trades == nil {
		return []model.Trade{}
	}
	return trades
}

func (h *Handler) cancelOrder(cmd Command) Response {
	result := h.engine.CancelOrder(cmd.OrderID)
	if !result.Success {
		return errorCodeResponse(cmd.Cmd, cmd.ReqID, result.ErrorCode)
	}
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data:    map[string]interface{}{"order": result.Order},
	}
}

func (h *Handler) getOrder(cmd Command) Response {
	order, ok := h.engine.GetOrder(cmd.OrderID)
	if !ok {
		return errorCodeResponse(cmd.Cmd, cmd.ReqID, model.ErrOrderNotFound)
	}
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data:    map[string]interface{}{"order": order},
	}
}

func (h *Handler) getBook(cmd Command) Response {
	depth := cmd.Depth
	if depth <= 0 {
		depth = defaultBookDepth
	}
	book := h.engine.GetBook(cmd.Symbol, depth)
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data: map[string]interface{}{
			"symbol": book.Symbol,
			"bids":   nonNilLevels(book.Bids),
			"asks":   nonNilLevels(book.Asks),
		},
	}
}

func nonNilLevels(levels []model.BookLevel) []model.BookLevel {
	if levels == nil {
		return []model.BookLevel{}
	}
	return levels
}

func (h *Handler) getTrades(cmd Command) Response {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultTradesLimit
	}
	trades := h.engine.GetTrades(cmd.Symbol, limit)
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data: map[string]interface{}{
			"symbol": cmd.Symbol,
			"trades": nonNilTrades(trades),
		},
	}
}

func (h *Handler) getStats(cmd Command) Response {
	return Response{
		Cmd:     cmd.Cmd,
		ReqID:   cmd.ReqID,
		Success: true,
		Data:    h.engine.GetStats(),
	}
}
