// Package binance provides Binance USDⓈ-M futures connectivity
package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execution_core/internal/config"
	"execution_core/internal/core"
	"execution_core/internal/exchange/base"
	apperrors "execution_core/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	testnetFuturesURL = "https://testnet.binancefuture.com"
	tradeHistoryLimit = 1000
)

// BinanceExchange implements core.IExchangeAdapter on the futures REST API
type BinanceExchange struct {
	*base.BaseAdapter
	client *futures.Client
}

// NewBinanceExchange creates a new Binance exchange instance
func NewBinanceExchange(cfg *config.ExchangeConfig, logger core.ILogger) *BinanceExchange {
	b := base.NewBaseAdapter("binance", cfg, logger)
	client := futures.NewClient(b.Config.APIKey.Reveal(), b.Config.SecretKey.Reveal())
	switch {
	case b.Config.BaseURL != "":
		client.BaseURL = b.Config.BaseURL
	case b.Config.Testnet:
		client.BaseURL = testnetFuturesURL
	}

	e := &BinanceExchange{
		BaseAdapter: b,
		client:      client,
	}
	b.SetMapError(mapAPIError)
	return e
}

// SupportsClientOrderIDDedup is false: Binance only rejects duplicate ids while the
// first order is still open, so a filled order can be submitted twice.
func (e *BinanceExchange) SupportsClientOrderIDDedup() bool {
	return false
}

// mapAPIError maps Binance error codes onto exchange error kinds
func mapAPIError(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}

	exErr := &apperrors.ExchangeError{Op: op, Code: apiErr.Code, Message: apiErr.Message}
	switch apiErr.Code {
	case -1003, -1015, -1008:
		exErr.Kind = apperrors.KindThrottled
	case -1000, -1006, -1007:
		// Send status unknown
		exErr.Kind = apperrors.KindTimeout
	case -1001:
		exErr.Kind = apperrors.KindConnectivityLost
		exErr.Err = apperrors.ErrNetwork
	case -1022, -2014, -2015:
		exErr.Kind = apperrors.KindConnectivityLost
		exErr.Err = apperrors.ErrAuthenticationFailed
	case -2011, -2013:
		exErr.Kind = apperrors.KindRejected
		exErr.Err = apperrors.ErrOrderNotFound
	case -4015, -4116:
		exErr.Kind = apperrors.KindRejected
		exErr.Err = apperrors.ErrDuplicateOrder
	case -2018, -2019:
		exErr.Kind = apperrors.KindRejected
		exErr.Err = apperrors.ErrInsufficientFunds
	default:
		exErr.Kind = apperrors.KindRejected
	}
	return exErr
}

func mapOrderStatus(raw futures.OrderStatusType) core.OrderStatus {
	switch raw {
	case futures.OrderStatusTypeNew:
		return core.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return core.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return core.OrderStatusCanceled
	case futures.OrderStatusTypeExpired:
		return core.OrderStatusExpired
	case futures.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	default:
		return core.OrderStatus(raw)
	}
}

func sideOf(side core.OrderSide) futures.SideType {
	if side == core.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func opposite(side core.OrderSide) futures.SideType {
	if side == core.SideShort {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// PlaceOrder submits req and, when it executed, fetches its trades as fills
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideOf(req.Side)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Kind {
	case core.KindMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case core.KindLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.String())
	case core.KindStop:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.Price.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, apperrors.NewValidationError("kind", fmt.Sprintf("unsupported order kind %q", req.Kind))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, e.WrapError("place_order", err)
	}

	executed, err := e.ParseDecimal("executedQty", resp.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	result := &core.OrderResult{
		OrderID:       base.FormatID(resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        mapOrderStatus(resp.Status),
		ExecutedQty:   executed,
	}

	if executed.IsPositive() {
		fills, err := e.orderFills(ctx, req.Symbol, resp.OrderID, req.ClientOrderID)
		if err != nil {
			// The order is live; fills arrive through ResolveOrder or reconciliation.
			e.Logger.Warn("Order executed but trades unavailable", "client_order_id", req.ClientOrderID, "error", err)
		} else {
			result.Fills = fills
		}
		if e.Config.ProtectiveOrders {
			e.placeProtection(ctx, req, executed)
		}
	}

	e.Logger.Info("Order placed",
		"client_order_id", req.ClientOrderID,
		"order_id", result.OrderID,
		"status", result.Status,
		"executed_qty", executed.String())
	return result, nil
}

// placeProtection attaches reduce-only stop-loss and take-profit legs to an entry
func (e *BinanceExchange) placeProtection(ctx context.Context, req core.OrderRequest, qty decimal.Decimal) {
	legs := []struct {
		suffix    string
		orderType futures.OrderType
		trigger   decimal.NullDecimal
	}{
		{"sl", futures.OrderTypeStopMarket, req.StopLoss},
		{"tp", futures.OrderTypeTakeProfitMarket, req.TakeProfit},
	}
	for _, leg := range legs {
		if !leg.trigger.Valid {
			continue
		}
		_, err := e.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(opposite(req.Side)).
			Type(leg.orderType).
			StopPrice(leg.trigger.Decimal.String()).
			WorkingType(futures.WorkingTypeMarkPrice).
			Quantity(qty.String()).
			ReduceOnly(true).
			NewClientOrderID(protectiveID(req.ClientOrderID, leg.suffix)).
			Do(ctx)
		if err != nil {
			e.Logger.Error("Protective order failed",
				"client_order_id", req.ClientOrderID,
				"leg", leg.suffix,
				"trigger", leg.trigger.Decimal.String(),
				"error", e.WrapError("place_protection", err))
			continue
		}
		e.Logger.Info("Protective order placed", "client_order_id", req.ClientOrderID, "leg", leg.suffix)
	}
}

func protectiveID(clientOrderID, suffix string) string {
	const maxLen = 36
	id := clientOrderID
	if len(id)+len(suffix)+1 > maxLen {
		id = id[:maxLen-len(suffix)-1]
	}
	return id + "-" + suffix
}

// QueryOrder looks an order up by client id
func (e *BinanceExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	order, err := e.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, e.WrapError("query_order", err)
	}

	executed, err := e.ParseDecimal("executedQty", order.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	result := &core.OrderResult{
		OrderID:       base.FormatID(order.OrderID),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        mapOrderStatus(order.Status),
		ExecutedQty:   executed,
	}
	if executed.IsPositive() {
		fills, err := e.orderFills(ctx, symbol, order.OrderID, clientOrderID)
		if err != nil {
			return nil, err
		}
		result.Fills = fills
	}
	return result, nil
}

// CancelOrder cancels by client id. An order that already finished is returned as is.
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	resp, err := e.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		wrapped := e.WrapError("cancel_order", err)
		if !errors.Is(wrapped, apperrors.ErrOrderNotFound) {
			return nil, wrapped
		}
		// -2011 also covers orders that filled before the cancel landed
		existing, qErr := e.QueryOrder(ctx, symbol, clientOrderID)
		if qErr != nil {
			return nil, qErr
		}
		if existing.Status.IsFinal() {
			e.Logger.Info("Order already final, cancel skipped", "client_order_id", clientOrderID, "status", existing.Status)
			return existing, nil
		}
		return nil, wrapped
	}

	executed, err := e.ParseDecimal("executedQty", resp.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	result := &core.OrderResult{
		OrderID:       base.FormatID(resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        mapOrderStatus(resp.Status),
		ExecutedQty:   executed,
	}
	if executed.IsPositive() {
		fills, err := e.orderFills(ctx, symbol, resp.OrderID, clientOrderID)
		if err != nil {
			return nil, err
		}
		result.Fills = fills
	}
	e.Logger.Info("Order cancelled", "client_order_id", clientOrderID, "executed_qty", executed.String())
	return result, nil
}

// QueryPosition nets the position risk entries for symbol
func (e *BinanceExchange) QueryPosition(ctx context.Context, symbol string) (*core.ExchangePosition, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, e.WrapError("query_position", err)
	}

	pos := &core.ExchangePosition{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := e.ParseDecimal("positionAmt", r.PositionAmt)
		if err != nil {
			return nil, err
		}
		if amt.IsZero() {
			continue
		}
		entry, err := e.ParseDecimal("entryPrice", r.EntryPrice)
		if err != nil {
			return nil, err
		}
		mark, err := e.ParseDecimal("markPrice", r.MarkPrice)
		if err != nil {
			return nil, err
		}
		pos.Quantity = pos.Quantity.Add(amt)
		pos.EntryPrice = entry
		pos.MarkPrice = mark
	}
	return pos, nil
}

// QueryFills returns account trades for symbol since the given time
func (e *BinanceExchange) QueryFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	trades, err := e.client.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(since.UnixMilli()).
		Limit(tradeHistoryLimit).
		Do(ctx)
	if err != nil {
		return nil, e.WrapError("query_fills", err)
	}
	return e.toFills(trades, "")
}

func (e *BinanceExchange) orderFills(ctx context.Context, symbol string, orderID int64, clientOrderID string) ([]core.Fill, error) {
	trades, err := e.client.NewListAccountTradeService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, e.WrapError("order_trades", err)
	}
	return e.toFills(trades, clientOrderID)
}

// toFills converts trades; the trade id is the fill sequence so every path yields the same dedup key
func (e *BinanceExchange) toFills(trades []*futures.AccountTrade, clientOrderID string) ([]core.Fill, error) {
	fills := make([]core.Fill, 0, len(trades))
	for _, t := range trades {
		qty, err := e.ParseDecimal("qty", t.Quantity)
		if err != nil {
			return nil, err
		}
		price, err := e.ParseDecimal("price", t.Price)
		if err != nil {
			return nil, err
		}
		fee, err := e.ParseDecimal("commission", t.Commission)
		if err != nil {
			return nil, err
		}
		if t.Side == futures.SideTypeSell {
			qty = qty.Neg()
		}
		fills = append(fills, core.Fill{
			OrderID:       base.FormatID(t.OrderID),
			ClientOrderID: clientOrderID,
			Symbol:        t.Symbol,
			Sequence:      t.ID,
			Quantity:      qty,
			Price:         price,
			Fee:           fee.Abs(),
			Timestamp:     e.ParseTimestamp(t.Time),
		})
	}
	return fills, nil
}
