// Package pipeline is the Sharded Tick Processor: S shard workers, each
// owning a bounded ring buffer, preserve per-symbol ordering while
// processing symbols in parallel across shards, under a five-tier
// backpressure policy.
//
// Shards generalize a per-market bounded channel with a select/default
// drop path into "one ring per shard," and the allocator in
// pipeline/pool follows a pooled-ticker-struct pattern to avoid
// per-tick heap churn.
package pipeline

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tickengine/internal/pipeline/pool"
	"tickengine/internal/registry"
	"tickengine/pkg/types"
)

// ErrBufferFull is returned (via EnqueueResult.Err) when the Maximum tier
// rejects all enqueues, or a target shard is full with no eviction
// allowed at the current tier.
var ErrBufferFull = errors.New("pipeline: buffer full")

// ErrShuttingDown is returned (via EnqueueResult.Err) for any enqueue
// attempted after Shutdown has been called.
var ErrShuttingDown = errors.New("pipeline: shutting down")

// Tier is the current backpressure escalation level.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierCritical
	TierEmergency
	TierMaximum
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierEmergency:
		return "emergency"
	case TierMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// EnqueueResult reports what QueueTick did with a tick.
type EnqueueResult int

const (
	EnqueueAccepted EnqueueResult = iota
	EnqueueEvicted
	EnqueueSampled
	EnqueueRejectedPriority
	EnqueueRejectedFull
	EnqueueShuttingDown
)

// Err maps a result to the typed sentinel error it corresponds to, or
// nil for results that are not failures.
func (r EnqueueResult) Err() error {
	switch r {
	case EnqueueRejectedFull:
		return ErrBufferFull
	case EnqueueShuttingDown:
		return ErrShuttingDown
	default:
		return nil
	}
}

// SubscriptionSource is the slice of *registry.Registry the processor
// needs: looking up a token's current handle, and delivering a tick
// (which updates last-known state and returns the callbacks to invoke;
// outside market hours the processor calls it but skips the invocation).
type SubscriptionSource interface {
	LookupByToken(token uint32) (*registry.SubscriptionHandle, bool)
	Deliver(tick types.Tick) ([]registry.Callback, error)
}

// Config tunes the processor. Zero-value fields fall back to sane
// defaults set in New.
type Config struct {
	Shards           int
	ShardCapacity    int
	SlowCallback     time.Duration
	EssentialSymbols []string
	PriorityOverride map[string]Priority
	WarningPct       float64
	CriticalPct      float64
	EmergencyPct     float64
	MarketOpen       string // "HH:MM", 24h local clock
	MarketClose      string
	ExtendedHoursPrefixes []string
}

type shard struct {
	ring   *ringBuffer
	notify chan struct{}
}

func (s *shard) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Processor is the Sharded Tick Processor.
type Processor struct {
	shards     []*shard
	subs       SubscriptionSource
	priorityFn PriorityFunc
	essential  map[string]bool
	logger     *slog.Logger

	slowCallback time.Duration
	warningPct   float64
	criticalPct  float64
	emergencyPct float64

	marketOpenMin  int
	marketCloseMin int
	extendedPrefixes []string

	pressure    pool.Pressure
	lastTripNs  atomic.Int64
	warnCounter atomic.Int64

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

const poolPressureGrace = 2 * time.Second

// New builds a Processor. subs must not be nil.
func New(cfg Config, subs SubscriptionSource, logger *slog.Logger) *Processor {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = 16384
	}
	if cfg.SlowCallback <= 0 {
		cfg.SlowCallback = 50 * time.Millisecond
	}
	if cfg.WarningPct <= 0 {
		cfg.WarningPct = 0.60
	}
	if cfg.CriticalPct <= 0 {
		cfg.CriticalPct = 0.80
	}
	if cfg.EmergencyPct <= 0 {
		cfg.EmergencyPct = 0.90
	}

	p := &Processor{
		subs:             subs,
		priorityFn:       OverridePriority(cfg.PriorityOverride, DefaultPriority),
		essential:        toSet(cfg.EssentialSymbols),
		logger:           logger.With("component", "pipeline"),
		slowCallback:     cfg.SlowCallback,
		warningPct:       cfg.WarningPct,
		criticalPct:      cfg.CriticalPct,
		emergencyPct:     cfg.EmergencyPct,
		marketOpenMin:    parseClock(cfg.MarketOpen, 9*60+15),
		marketCloseMin:   parseClock(cfg.MarketClose, 15*60+30),
		extendedPrefixes: cfg.ExtendedHoursPrefixes,
		stopCh:           make(chan struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		p.shards = append(p.shards, &shard{
			ring:   newRingBuffer(cfg.ShardCapacity),
			notify: make(chan struct{}, 1),
		})
	}
	return p
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func parseClock(hhmm string, fallback int) int {
	if len(hhmm) != 5 || hhmm[2] != ':' {
		return fallback
	}
	h := int(hhmm[0]-'0')*10 + int(hhmm[1]-'0')
	m := int(hhmm[3]-'0')*10 + int(hhmm[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fallback
	}
	return h*60 + m
}

// Start launches one worker goroutine per shard.
func (p *Processor) Start() {
	for _, sh := range p.shards {
		p.wg.Add(1)
		go p.runWorker(sh)
	}
}

// Shutdown stops accepting new work, drains what's already queued, and
// waits for every shard worker to exit.
func (p *Processor) Shutdown() {
	p.stopped.Store(true)
	close(p.stopCh)
	p.wg.Wait()
}

func shardIndex(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// Tier returns the processor's current backpressure tier.
func (p *Processor) Tier() Tier {
	return p.computeTier()
}

func (p *Processor) computeTier() Tier {
	var total, capacity int
	for _, sh := range p.shards {
		l, c := sh.ring.LenCap()
		total += l
		capacity += c
	}
	var ratio float64
	if capacity > 0 {
		ratio = float64(total) / float64(capacity)
	}

	tier := TierNormal
	switch {
	case ratio >= 1.0:
		tier = TierMaximum
	case ratio >= p.emergencyPct:
		tier = TierEmergency
	case ratio >= p.criticalPct:
		tier = TierCritical
	case ratio >= p.warningPct:
		tier = TierWarning
	}

	if p.poolPressureElevated(capacity) && tier < TierMaximum {
		tier++
	}
	return tier
}

func (p *Processor) poolPressureElevated(totalCapacity int) bool {
	threshold := int64(totalCapacity) * 2
	if threshold <= 0 {
		return false
	}
	now := time.Now().UnixNano()
	if p.pressure.Outstanding() > threshold {
		p.lastTripNs.Store(now)
		return true
	}
	last := p.lastTripNs.Load()
	return last != 0 && time.Duration(now-last) < poolPressureGrace
}

// sampleK returns the "drop 1 of every k" sampling rate for the Warning
// tier: k shrinks (sampling gets more aggressive) as the ratio climbs
// from warningPct toward criticalPct.
func (p *Processor) sampleK(ratio float64) int64 {
	span := p.criticalPct - p.warningPct
	if span <= 0 {
		return 2
	}
	frac := (ratio - p.warningPct) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	k := 10 - int64(frac*8) // 10 at the low end of Warning, down to 2 near Critical
	if k < 2 {
		k = 2
	}
	return k
}

// QueueTick admits tick for symbol into the shard that owns it, applying
// the current backpressure tier's policy. It never blocks.
func (p *Processor) QueueTick(symbol string, tick types.Tick) EnqueueResult {
	if p.stopped.Load() {
		return EnqueueShuttingDown
	}

	var total, capacity int
	for _, sh := range p.shards {
		l, c := sh.ring.LenCap()
		total += l
		capacity += c
	}
	var ratio float64
	if capacity > 0 {
		ratio = float64(total) / float64(capacity)
	}
	tier := p.computeTier()
	priority := p.priorityFn(symbol)

	switch tier {
	case TierMaximum:
		return EnqueueRejectedFull
	case TierEmergency:
		if !p.essential[symbol] {
			return EnqueueRejectedPriority
		}
	case TierCritical:
		if priority != PriorityIndex && priority != PriorityFuture {
			return EnqueueRejectedPriority
		}
	case TierWarning:
		if priority == PriorityOption || priority == PriorityEquity {
			k := p.sampleK(ratio)
			n := p.warnCounter.Add(1)
			if n%k == 0 {
				return EnqueueSampled
			}
			// Throttled: one WARN per 1000 low-priority ticks seen at this tier.
			if n%1000 == 1 {
				p.logger.Warn("pipeline under warning-tier pressure", "fill_ratio", ratio)
			}
		}
	}

	sh := p.shards[shardIndex(symbol, len(p.shards))]

	item := pool.Get()
	item.Token = tick.Token
	item.Tick = tick
	item.EnqueuedAt = time.Now()
	p.pressure.RecordGet()

	evictAllowed := tier >= TierCritical
	outcome, evicted := sh.ring.Push(item, evictAllowed)
	switch outcome {
	case pushAccepted:
		sh.signal()
		return EnqueueAccepted
	case pushEvicted:
		pool.Put(evicted)
		p.pressure.RecordPut()
		sh.signal()
		return EnqueueEvicted
	default:
		pool.Put(item)
		p.pressure.RecordPut()
		return EnqueueRejectedFull
	}
}

func (p *Processor) runWorker(sh *shard) {
	defer p.wg.Done()
	for {
		select {
		case <-sh.notify:
			p.drain(sh)
		case <-p.stopCh:
			p.drain(sh)
			return
		}
	}
}

func (p *Processor) drain(sh *shard) {
	for {
		it, ok := sh.ring.Pop()
		if !ok {
			return
		}
		p.process(it)
		pool.Put(it)
		p.pressure.RecordPut()
	}
}

func (p *Processor) process(it *pool.Item) {
	tick := it.Tick
	handle, found := p.subs.LookupByToken(tick.Token)
	if !found {
		p.logger.Warn("tick for unregistered token", "token", tick.Token)
		return
	}

	isFirst := handle.Status == types.StatusPending
	tick.LastPrice = roundToTickSize(tick.LastPrice, handle.TickSize)

	cbs, err := p.subs.Deliver(tick)
	if err != nil {
		return
	}

	// Outside market hours, the registry's last-known state (just updated
	// by Deliver above) still advances, but dispatch is suppressed — the
	// first tick for a Pending subscription is always dispatched so the
	// UI can seed itself.
	if !isFirst && !p.withinMarketHours(handle.Symbol) {
		return
	}

	for _, cb := range cbs {
		p.invoke(cb, handle.Symbol, tick)
	}
}

func (p *Processor) invoke(cb registry.Callback, symbol string, tick types.Tick) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("callback panicked", "symbol", symbol, "recover", r)
		}
	}()
	cb(tick.Mode, tick.LastPrice, tick.Volume, tick.Timestamp, tick.Token)
	if d := time.Since(start); d > p.slowCallback {
		p.logger.Warn("slow callback", "symbol", symbol, "duration", d)
	}
}

func (p *Processor) withinMarketHours(symbol string) bool {
	for _, prefix := range p.extendedPrefixes {
		if len(symbol) >= len(prefix) && symbol[:len(prefix)] == prefix {
			return true
		}
	}
	now := time.Now()
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= p.marketOpenMin && minutes <= p.marketCloseMin
}

func roundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if price.IsNegative() {
		price = decimal.Zero
	}
	if tickSize.IsZero() {
		return price
	}
	units := price.DivRound(tickSize, 0)
	return units.Mul(tickSize)
}
