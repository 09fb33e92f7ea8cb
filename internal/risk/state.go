package risk

import (
	"execution_core/internal/core"

	"github.com/shopspring/decimal"
)

// tightening lists the automatic transitions. Anything back to ACTIVE goes through Reset.
var tightening = map[core.TradingState][]core.TradingState{
	core.StateActive:      {core.StateReducedRisk, core.StateHalted},
	core.StateReducedRisk: {core.StateHalted},
	core.StateHalted:      nil,
}

// CanTighten reports whether from -> to is an allowed automatic transition
func CanTighten(from, to core.TradingState) bool {
	for _, allowed := range tightening[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// permits applies the state gate to an order moving the effective position eff by delta
func permits(state core.TradingState, eff, delta decimal.Decimal) bool {
	switch state {
	case core.StateActive:
		return true
	case core.StateReducedRisk:
		return isPureReduction(eff, delta)
	default:
		return false
	}
}

// isPureReduction is true when delta shrinks eff toward zero without crossing it
func isPureReduction(eff, delta decimal.Decimal) bool {
	if eff.IsZero() || delta.IsZero() {
		return false
	}
	return eff.Sign() != delta.Sign() && delta.Abs().LessThanOrEqual(eff.Abs())
}
