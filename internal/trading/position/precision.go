package position

import (
	"fmt"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// SymbolPrecision is the tick configuration of one instrument
type SymbolPrecision struct {
	PriceDecimals int32
	QtyDecimals   int32
}

// Precision is the static per-symbol precision table. Read-only after construction.
type Precision struct {
	symbols map[string]SymbolPrecision
}

func NewPrecision(symbols map[string]SymbolPrecision) *Precision {
	copied := make(map[string]SymbolPrecision, len(symbols))
	for sym, p := range symbols {
		copied[sym] = p
	}
	return &Precision{symbols: copied}
}

// Lookup returns the precision for symbol
func (p *Precision) Lookup(symbol string) (SymbolPrecision, bool) {
	sp, ok := p.symbols[symbol]
	return sp, ok
}

// Symbols lists the configured instruments
func (p *Precision) Symbols() []string {
	out := make([]string, 0, len(p.symbols))
	for sym := range p.symbols {
		out = append(out, sym)
	}
	return out
}

func (p *Precision) RoundQuantity(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	sp, ok := p.symbols[symbol]
	if !ok {
		return decimal.Zero, unknownSymbol(symbol)
	}
	return tradingutils.RoundQuantity(qty, sp.QtyDecimals), nil
}

func (p *Precision) RoundPrice(symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	sp, ok := p.symbols[symbol]
	if !ok {
		return decimal.Zero, unknownSymbol(symbol)
	}
	return tradingutils.RoundPrice(price, sp.PriceDecimals), nil
}

// TruncateQuantity rounds toward zero; caps use it so they never overshoot
func (p *Precision) TruncateQuantity(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	sp, ok := p.symbols[symbol]
	if !ok {
		return decimal.Zero, unknownSymbol(symbol)
	}
	return tradingutils.TruncateQuantity(qty, sp.QtyDecimals), nil
}

// Normalize validates req and snaps its quantity and prices to the symbol's ticks.
// Quantity is truncated so normalization never enlarges an order.
func (p *Precision) Normalize(req core.OrderRequest) (core.OrderRequest, error) {
	if err := req.Validate(); err != nil {
		return req, err
	}
	sp, ok := p.symbols[req.Symbol]
	if !ok {
		return req, unknownSymbol(req.Symbol)
	}

	req.Quantity = tradingutils.TruncateQuantity(req.Quantity, sp.QtyDecimals)
	if !req.Quantity.IsPositive() {
		return req, apperrors.NewValidationError("quantity", fmt.Sprintf("quantity below %s tick (%d decimals)", req.Symbol, sp.QtyDecimals))
	}
	req.Price = tradingutils.RoundPrice(req.Price, sp.PriceDecimals)
	if !req.Price.IsPositive() {
		return req, apperrors.NewValidationError("price", fmt.Sprintf("price below %s tick (%d decimals)", req.Symbol, sp.PriceDecimals))
	}
	if req.StopLoss.Valid {
		req.StopLoss.Decimal = tradingutils.RoundPrice(req.StopLoss.Decimal, sp.PriceDecimals)
	}
	if req.TakeProfit.Valid {
		req.TakeProfit.Decimal = tradingutils.RoundPrice(req.TakeProfit.Decimal, sp.PriceDecimals)
	}
	return req, nil
}

func unknownSymbol(symbol string) error {
	return apperrors.NewValidationError("symbol", fmt.Sprintf("symbol %q not in precision table", symbol))
}
