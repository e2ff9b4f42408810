// Package optionchain is the Derived-View Engine: it builds one row per
// strike for a chain definition, subscribes each CE/PE leg (and, when
// present, the synthetic straddle composite) through the Subscription
// Registry, and recomputes straddle/ATM/histogram/VWAP state on every
// leg tick.
//
// Rows are owned, mutex-protected aggregate state mutated only by the
// single writer holding the lock, updated in response to callback-driven
// leg and straddle ticks.
package optionchain

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickengine/internal/registry"
	"tickengine/pkg/types"
)

const (
	callbackID          = "optionchain"
	straddleFreshWindow = time.Second
	histogramEpsilon    = "0.01"
)

// ChainDef names the strikes an option chain should carry for one
// underlying+expiry.
type ChainDef struct {
	Underlying string
	Expiry     time.Time
	Strikes    []decimal.Decimal
	// LegSymbol builds the broker-native symbol for one leg. kind is
	// types.KindCall or types.KindPut.
	LegSymbol func(underlying string, expiry time.Time, strike decimal.Decimal, kind types.OptionKind) string
}

// rowID is a string-derived stand-in for types.RowKey for use as a map
// key: decimal.Decimal carries a *big.Int internally, so two decimals
// with the same numeric value but separate allocations are not == to
// each other, and RowKey is therefore unsafe to use directly as a map
// key.
func rowID(key types.RowKey) string {
	return key.Underlying + "|" + key.Expiry.Format(time.RFC3339) + "|" + key.Strike.String()
}

type row struct {
	id  string
	key types.RowKey

	ceSymbol, peSymbol, straddleSymbol string

	ce, pe types.LegState

	straddleComposite   decimal.Decimal
	straddleCompositeAt time.Time
	hasComposite        bool

	straddleVWAP    decimal.Decimal
	hasStraddleVWAP bool
	straddleVWAPCmp types.VWAPComparison

	isATM bool
}

// Engine owns the current chain and its derived state.
type Engine struct {
	mu sync.Mutex

	reg              *registry.Registry
	onRowChanged     func(types.RowChangedEvent)
	alwaysRecompute  bool // disables the histogram epsilon guard when true
	logger           *slog.Logger

	def  ChainDef
	rows map[string]*row

	ceIndex       map[string]string
	peIndex       map[string]string
	straddleIndex map[string]string

	maxLeg decimal.Decimal
	atmKey string
	hasATM bool
}

// New builds an empty Engine. onRowChanged is invoked synchronously on
// the goroutine delivering the triggering tick (matching the ambient
// concurrency model: derived-view emission happens on the callback
// thread, not a separate goroutine).
func New(reg *registry.Registry, onRowChanged func(types.RowChangedEvent), alwaysRecomputeHistogram bool, logger *slog.Logger) *Engine {
	return &Engine{
		reg:             reg,
		onRowChanged:    onRowChanged,
		alwaysRecompute: alwaysRecomputeHistogram,
		logger:          logger.With("component", "optionchain"),
		rows:            make(map[string]*row),
		ceIndex:         make(map[string]string),
		peIndex:         make(map[string]string),
		straddleIndex:   make(map[string]string),
	}
}

// BuildChain replaces the active chain. Old rows are unsubscribed (their
// registry callback ids removed, then ref-decremented) before the new
// rows are built and subscribed, so stray ticks for superseded
// subscriptions land on no callback and are inert by construction.
func (e *Engine) BuildChain(def ChainDef) error {
	if def.LegSymbol == nil {
		return fmt.Errorf("optionchain: ChainDef.LegSymbol is required")
	}

	e.mu.Lock()
	oldRows := e.rows
	e.mu.Unlock()

	for _, r := range oldRows {
		e.unsubscribeRow(r)
	}

	newRows := make(map[string]*row, len(def.Strikes))
	ceIndex := make(map[string]string, len(def.Strikes))
	peIndex := make(map[string]string, len(def.Strikes))
	straddleIndex := make(map[string]string, len(def.Strikes))

	for _, strike := range def.Strikes {
		key := types.RowKey{Underlying: def.Underlying, Expiry: def.Expiry, Strike: strike}
		id := rowID(key)
		ceSym := def.LegSymbol(def.Underlying, def.Expiry, strike, types.KindCall)
		peSym := def.LegSymbol(def.Underlying, def.Expiry, strike, types.KindPut)
		straddleSym := straddleSymbol(def.Underlying, def.Expiry, strike)

		r := &row{
			id:             id,
			key:            key,
			ceSymbol:       ceSym,
			peSymbol:       peSym,
			straddleSymbol: straddleSym,
			ce:             types.LegState{Symbol: ceSym, Status: types.StatusPending},
			pe:             types.LegState{Symbol: peSym, Status: types.StatusPending},
		}
		newRows[id] = r
		ceIndex[ceSym] = id
		peIndex[peSym] = id
		straddleIndex[straddleSym] = id
	}

	e.mu.Lock()
	e.def = def
	e.rows = newRows
	e.ceIndex = ceIndex
	e.peIndex = peIndex
	e.straddleIndex = straddleIndex
	e.maxLeg = decimal.Zero
	e.hasATM = false
	e.mu.Unlock()

	for _, r := range newRows {
		e.subscribeRow(r)
	}
	return nil
}

func (e *Engine) subscribeRow(r *row) {
	e.reg.RefIncr(r.ceSymbol)
	e.reg.AddCallback(r.ceSymbol, callbackID, types.ModeLTP, e.legCallback(r.id, types.KindCall))

	e.reg.RefIncr(r.peSymbol)
	e.reg.AddCallback(r.peSymbol, callbackID, types.ModeLTP, e.legCallback(r.id, types.KindPut))

	e.reg.RefIncr(r.straddleSymbol)
	e.reg.AddCallback(r.straddleSymbol, callbackID, types.ModeLTP, e.straddleCallback(r.id))
}

func (e *Engine) unsubscribeRow(r *row) {
	e.reg.RemoveCallback(r.ceSymbol, callbackID)
	e.reg.RefDecr(r.ceSymbol)

	e.reg.RemoveCallback(r.peSymbol, callbackID)
	e.reg.RefDecr(r.peSymbol)

	e.reg.RemoveCallback(r.straddleSymbol, callbackID)
	e.reg.RefDecr(r.straddleSymbol)
}

func straddleSymbol(underlying string, expiry time.Time, strike decimal.Decimal) string {
	months := [...]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}
	yy := expiry.Year() % 100
	mon := months[int(expiry.Month())-1]
	return fmt.Sprintf("%s%02d%s%s_STRDL", underlying, yy, mon, strike.String())
}

func (e *Engine) legCallback(id string, kind types.OptionKind) registry.Callback {
	return func(mode types.Mode, price decimal.Decimal, volume uint32, ts time.Time, token uint32) {
		e.onLegTick(id, kind, price, ts)
	}
}

func (e *Engine) straddleCallback(id string) registry.Callback {
	return func(mode types.Mode, price decimal.Decimal, volume uint32, ts time.Time, token uint32) {
		e.onStraddleTick(id, price, ts)
	}
}

func (e *Engine) onLegTick(id string, kind types.OptionKind, price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	r, ok := e.rows[id]
	if !ok {
		e.mu.Unlock()
		return
	}

	attrs := []types.RowChangedAttr{}
	switch kind {
	case types.KindCall:
		r.ce.Last = price
		r.ce.LastUpdate = ts
		r.ce.Status = types.StatusLive
		attrs = append(attrs, types.AttrCEPrice)
	case types.KindPut:
		r.pe.Last = price
		r.pe.LastUpdate = ts
		r.pe.Status = types.StatusLive
		attrs = append(attrs, types.AttrPEPrice)
	}

	straddleChanged := e.recomputeStraddleLocked(r)
	if straddleChanged {
		attrs = append(attrs, types.AttrStraddle)
	}

	histChanged := e.recomputeHistogramLocked()
	atmChanged := e.recomputeATMLocked()
	if atmChanged {
		attrs = append(attrs, types.AttrATM)
	}
	if histChanged {
		attrs = append(attrs, types.AttrHistogram)
	}

	evt := e.snapshotEventLocked(r, attrs)
	e.mu.Unlock()

	if e.onRowChanged != nil {
		e.onRowChanged(evt)
	}
}

func (e *Engine) onStraddleTick(id string, price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	r, ok := e.rows[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	r.straddleComposite = price
	r.straddleCompositeAt = ts
	r.hasComposite = true

	evt := e.snapshotEventLocked(r, []types.RowChangedAttr{types.AttrStraddle})
	e.mu.Unlock()

	if e.onRowChanged != nil {
		e.onRowChanged(evt)
	}
}

// recomputeStraddleLocked prefers a fresh (<1s old) synthetic composite
// tick; otherwise falls back to CE_last + PE_last when both legs have a
// positive last price; otherwise the straddle is left undefined. Returns
// whether the row's straddle value actually changed as a result of this
// call, not merely whether one is currently defined — a fresh composite
// that this call didn't touch reports unchanged.
func (e *Engine) recomputeStraddleLocked(r *row) bool {
	if r.hasComposite && time.Since(r.straddleCompositeAt) < straddleFreshWindow {
		return false
	}

	prevHas := r.hasComposite
	prevVal := r.straddleComposite

	if r.ce.Last.IsPositive() && r.pe.Last.IsPositive() {
		sum := r.ce.Last.Add(r.pe.Last)
		r.hasComposite = true
		r.straddleComposite = sum
		return !prevHas || !prevVal.Equal(sum)
	}

	r.hasComposite = false
	r.straddleComposite = decimal.Zero
	return prevHas
}

// recomputeATMLocked finds the ATM strike: it minimizes CE_last +
// PE_last over rows where both legs have positive last prices; ties
// resolve to the lower strike. Returns true if the ATM row changed.
func (e *Engine) recomputeATMLocked() bool {
	var best *row
	for _, r := range e.rows {
		if !r.ce.Last.IsPositive() || !r.pe.Last.IsPositive() {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		sum := r.ce.Last.Add(r.pe.Last)
		bestSum := best.ce.Last.Add(best.pe.Last)
		switch {
		case sum.LessThan(bestSum):
			best = r
		case sum.Equal(bestSum) && r.key.Strike.LessThan(best.key.Strike):
			best = r
		}
	}

	changed := false
	if best != nil && (!e.hasATM || e.atmKey != best.id) {
		changed = true
	}
	for id, r := range e.rows {
		wasATM := r.isATM
		r.isATM = best != nil && id == best.id
		if wasATM != r.isATM {
			changed = true
		}
	}
	if best != nil {
		e.atmKey = best.id
		e.hasATM = true
	} else {
		e.hasATM = false
	}
	return changed
}

// recomputeHistogramLocked recomputes histogram widths (leg_last /
// chain-wide max leg price * 100) only when the max changes by at least
// epsilon, unless alwaysRecompute disables the guard.
func (e *Engine) recomputeHistogramLocked() bool {
	eps, _ := decimal.NewFromString(histogramEpsilon)

	var max decimal.Decimal
	for _, r := range e.rows {
		if r.ce.Last.GreaterThan(max) {
			max = r.ce.Last
		}
		if r.pe.Last.GreaterThan(max) {
			max = r.pe.Last
		}
	}

	delta := max.Sub(e.maxLeg).Abs()
	if !e.alwaysRecompute && delta.LessThan(eps) {
		return false
	}
	e.maxLeg = max
	return true
}

func (e *Engine) histogramWidth(last decimal.Decimal) float64 {
	if e.maxLeg.IsZero() || !last.IsPositive() {
		return 0
	}
	f, _ := last.Div(e.maxLeg).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// OnVWAP maps symbol to its leg or straddle and records the VWAP
// comparison against the last price.
func (e *Engine) OnVWAP(symbol string, vwap decimal.Decimal) {
	e.mu.Lock()
	var evt types.RowChangedEvent
	found := true

	switch {
	case indexHas(e.ceIndex, symbol):
		r := e.rows[e.ceIndex[symbol]]
		r.ce.VWAP = vwap
		r.ce.HasVWAP = true
		r.ce.VWAPCmp = compare(r.ce.Last, vwap)
		evt = e.snapshotEventLocked(r, []types.RowChangedAttr{types.AttrVWAP})
	case indexHas(e.peIndex, symbol):
		r := e.rows[e.peIndex[symbol]]
		r.pe.VWAP = vwap
		r.pe.HasVWAP = true
		r.pe.VWAPCmp = compare(r.pe.Last, vwap)
		evt = e.snapshotEventLocked(r, []types.RowChangedAttr{types.AttrVWAP})
	case indexHas(e.straddleIndex, symbol):
		r := e.rows[e.straddleIndex[symbol]]
		r.straddleVWAP = vwap
		r.hasStraddleVWAP = true
		r.straddleVWAPCmp = compare(r.straddleComposite, vwap)
		evt = e.snapshotEventLocked(r, []types.RowChangedAttr{types.AttrVWAP})
	default:
		found = false
	}
	e.mu.Unlock()

	if found && e.onRowChanged != nil {
		e.onRowChanged(evt)
	}
}

func indexHas(idx map[string]string, symbol string) bool {
	_, ok := idx[symbol]
	return ok
}

func compare(last, vwap decimal.Decimal) types.VWAPComparison {
	switch {
	case last.GreaterThan(vwap):
		return types.VWAPAbove
	case last.LessThan(vwap):
		return types.VWAPBelow
	default:
		return types.VWAPEqual
	}
}

func (e *Engine) snapshotEventLocked(r *row, attrs []types.RowChangedAttr) types.RowChangedEvent {
	return types.RowChangedEvent{
		Key:         r.key,
		Attrs:       attrs,
		CE:          r.ce,
		PE:          r.pe,
		Straddle:    r.straddleComposite,
		HasStraddle: r.hasComposite,
		IsATM:       r.isATM,
		CEHistWidth: e.histogramWidth(r.ce.Last),
		PEHistWidth: e.histogramWidth(r.pe.Last),
	}
}

// Row returns a copy of the current state for key, for tests and
// dashboard polling paths that don't need the event stream.
func (e *Engine) Row(key types.RowKey) (types.RowChangedEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rows[rowID(key)]
	if !ok {
		return types.RowChangedEvent{}, false
	}
	return e.snapshotEventLocked(r, nil), true
}
