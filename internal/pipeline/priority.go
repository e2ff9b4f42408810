package pipeline

import "strings"

// Priority orders symbols for backpressure admission: lower value wins.
type Priority int

const (
	PriorityIndex Priority = iota
	PriorityFuture
	PriorityOption
	PriorityEquity
)

func (p Priority) String() string {
	switch p {
	case PriorityIndex:
		return "index"
	case PriorityFuture:
		return "future"
	case PriorityOption:
		return "option"
	case PriorityEquity:
		return "equity"
	default:
		return "unknown"
	}
}

var defaultIndexSymbols = map[string]bool{
	"NIFTY":      true,
	"BANKNIFTY":  true,
	"FINNIFTY":   true,
	"SENSEX":     true,
	"MIDCPNIFTY": true,
}

// PriorityFunc classifies a symbol into its admission priority.
type PriorityFunc func(symbol string) Priority

// DefaultPriority implements the Index > Future > Option > Equity
// ordering from broker naming conventions: a bare index underlying name,
// a "FUT" suffix, or a "CE"/"PE"/"_STRDL" option suffix. Anything else is
// treated as Equity. Callers needing per-symbol overrides should wrap this in
// their own PriorityFunc.
func DefaultPriority(symbol string) Priority {
	if defaultIndexSymbols[symbol] {
		return PriorityIndex
	}
	if strings.HasSuffix(symbol, "FUT") {
		return PriorityFuture
	}
	if strings.HasSuffix(symbol, "CE") || strings.HasSuffix(symbol, "PE") || strings.HasSuffix(symbol, "_STRDL") {
		return PriorityOption
	}
	return PriorityEquity
}

// OverridePriority builds a PriorityFunc that consults overrides first,
// falling back to fallback for symbols not listed.
func OverridePriority(overrides map[string]Priority, fallback PriorityFunc) PriorityFunc {
	return func(symbol string) Priority {
		if p, ok := overrides[symbol]; ok {
			return p
		}
		return fallback(symbol)
	}
}
