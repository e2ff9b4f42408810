// Package registry is the authoritative map of token↔symbol and
// symbol→callback-set state: the Subscription Registry.
//
// Locking is sharded by bucket, the same way per-market state or
// per-connection state is sharded behind independent RWMutexes elsewhere
// in the codebase. IterSnapshot never exposes a live, mutating view —
// callers always get a copied slice.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickengine/pkg/types"
)

// ErrUnknownToken is logged once per token then suppressed by callers.
var ErrUnknownToken = errors.New("registry: unknown token")

// ErrNotLive indicates a tick arrived for a subscription in StatusError
// (a Pending subscription becomes Live on its first tick instead); callers
// silently ignore it.
var ErrNotLive = errors.New("registry: subscription not live")

const bucketCount = 32

// Callback receives a price update for one subscribed symbol.
type Callback func(mode types.Mode, price decimal.Decimal, volume uint32, ts time.Time, token uint32)

type callbackEntry struct {
	mode Mode
	cb   Callback
}

// Mode is a local alias kept for readability at call sites.
type Mode = types.Mode

// SubscriptionHandle is the registry's per-symbol record. Fields are
// read under the registry's lock when mutated; callers receive copies
// from IterSnapshot and LookupByToken.
type SubscriptionHandle struct {
	Token       uint32
	Symbol      string
	Status      types.SubscriptionStatus
	EffMode     Mode
	RefCount    int
	LastPrice   decimal.Decimal
	LastVolume  uint32
	LastUpdate  time.Time
	IndexFlag   bool
	TickSize    decimal.Decimal

	callbacks map[string]callbackEntry
}

func (h *SubscriptionHandle) clone() *SubscriptionHandle {
	cp := *h
	cp.callbacks = nil // snapshot consumers never get the live callback map
	return &cp
}

type bucket struct {
	mu       sync.RWMutex
	byToken  map[uint32]*SubscriptionHandle
	bySymbol map[string]*SubscriptionHandle
}

// Registry is the sharded Subscription Registry.
type Registry struct {
	buckets [bucketCount]*bucket
	aliasMu sync.RWMutex
	aliases map[string]string // generated symbol -> native symbol
}

// New builds an empty Registry.
func New() *Registry {
	r := &Registry{aliases: make(map[string]string)}
	for i := range r.buckets {
		r.buckets[i] = &bucket{
			byToken:  make(map[uint32]*SubscriptionHandle),
			bySymbol: make(map[string]*SubscriptionHandle),
		}
	}
	return r
}

func (r *Registry) bucketFor(symbol string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return r.buckets[h.Sum32()%bucketCount]
}

// ResolveAlias maps a generated symbol name onto the native symbol it
// should route to. Both names resolve to the same subscription.
func (r *Registry) ResolveAlias(generated, native string) {
	r.aliasMu.Lock()
	r.aliases[generated] = native
	r.aliasMu.Unlock()

	gb := r.bucketFor(generated)
	gb.mu.Lock()
	gh, ok := gb.bySymbol[generated]
	delete(gb.bySymbol, generated)
	gb.mu.Unlock()
	if !ok {
		return
	}
	for id, entry := range gh.callbacks {
		r.AddCallback(native, id, entry.mode, entry.cb)
	}
	for i := 0; i < gh.RefCount; i++ {
		r.RefIncr(native)
	}
}

func (r *Registry) resolve(symbol string) string {
	r.aliasMu.RLock()
	defer r.aliasMu.RUnlock()
	if native, ok := r.aliases[symbol]; ok {
		return native
	}
	return symbol
}

// AddCallback registers cb under id for symbol at mode. A symbol seen for
// the first time is created in Pending status. Adding an id to an
// existing symbol never disturbs other ids already registered on it.
func (r *Registry) AddCallback(symbol, id string, mode Mode, cb Callback) error {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		h = &SubscriptionHandle{
			Symbol:    symbol,
			Status:    types.StatusPending,
			callbacks: make(map[string]callbackEntry),
		}
		b.bySymbol[symbol] = h
	}
	h.callbacks[id] = callbackEntry{mode: mode, cb: cb}
	h.EffMode = effectiveMode(h.callbacks)
	return nil
}

// RemoveCallback removes only id's registration; other callbacks on the
// same symbol are untouched. Returns false if symbol or id was unknown.
func (r *Registry) RemoveCallback(symbol, id string) bool {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		return false
	}
	if _, ok := h.callbacks[id]; !ok {
		return false
	}
	delete(h.callbacks, id)
	h.EffMode = effectiveMode(h.callbacks)
	return true
}

// BindToken associates symbol with its broker token once known (e.g. from
// the instrument master or the first tick carrying it).
func (r *Registry) BindToken(symbol string, token uint32) {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		h = &SubscriptionHandle{
			Symbol:    symbol,
			Status:    types.StatusPending,
			callbacks: make(map[string]callbackEntry),
		}
		b.bySymbol[symbol] = h
	}
	if h.Token != token {
		delete(b.byToken, h.Token)
		h.Token = token
		b.byToken[token] = h
	}
}

// BindInstrument associates symbol with its full instrument identity
// (token and tick size), as resolved from the instrument master.
func (r *Registry) BindInstrument(symbol string, inst types.Instrument) {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		h = &SubscriptionHandle{
			Symbol:    symbol,
			Status:    types.StatusPending,
			callbacks: make(map[string]callbackEntry),
		}
		b.bySymbol[symbol] = h
	}
	if h.Token != inst.Token {
		delete(b.byToken, h.Token)
		h.Token = inst.Token
		b.byToken[inst.Token] = h
	}
	h.TickSize = inst.TickSize
}

// RefIncr increments the sticky reference count for symbol, creating it
// in Pending status if unknown.
func (r *Registry) RefIncr(symbol string) {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		h = &SubscriptionHandle{
			Symbol:    symbol,
			Status:    types.StatusPending,
			callbacks: make(map[string]callbackEntry),
		}
		b.bySymbol[symbol] = h
	}
	h.RefCount++
}

// RefDecr decrements the sticky reference count for symbol. The handle is
// retained even at zero refcount (cached, not deleted) so a quick
// resubscribe doesn't lose last-known state; callers needing eviction do
// it explicitly via Purge.
func (r *Registry) RefDecr(symbol string) {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		return
	}
	if h.RefCount > 0 {
		h.RefCount--
	}
	if h.RefCount == 0 && len(h.callbacks) == 0 {
		h.Status = types.StatusCached
	}
}

// Purge removes symbol from the registry entirely, including its token
// binding.
func (r *Registry) Purge(symbol string) {
	symbol = r.resolve(symbol)
	b := r.bucketFor(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.bySymbol[symbol]
	if !ok {
		return
	}
	delete(b.bySymbol, symbol)
	delete(b.byToken, h.Token)
}

// LookupByToken returns a copy of the handle bound to token, if any.
func (r *Registry) LookupByToken(token uint32) (*SubscriptionHandle, bool) {
	for _, b := range r.buckets {
		b.mu.RLock()
		h, ok := b.byToken[token]
		if ok {
			cp := h.clone()
			b.mu.RUnlock()
			return cp, true
		}
		b.mu.RUnlock()
	}
	return nil, false
}

// IterSnapshot returns a copy of every known handle. The returned slice
// and handles are safe to read without further locking; they never
// mutate underneath the caller.
func (r *Registry) IterSnapshot() []*SubscriptionHandle {
	var out []*SubscriptionHandle
	for _, b := range r.buckets {
		b.mu.RLock()
		for _, h := range b.bySymbol {
			out = append(out, h.clone())
		}
		b.mu.RUnlock()
	}
	return out
}

// ActiveModes returns the union of ref-counted/subscribed tokens mapped
// to their effective mode, for the Connection Manager to replay on
// reconnect.
func (r *Registry) ActiveModes() map[uint32]Mode {
	out := make(map[uint32]Mode)
	for _, b := range r.buckets {
		b.mu.RLock()
		for token, h := range b.byToken {
			if h.RefCount > 0 || len(h.callbacks) > 0 {
				out[token] = h.EffMode
			}
		}
		b.mu.RUnlock()
	}
	return out
}

// Deliver applies an inbound tick's state to the subscription bound to
// its token under a single short lock, transitioning Pending to Live on
// the first tick, and returns a snapshot of the registered callbacks for
// the caller to invoke outside the lock. The Sharded Tick Processor uses
// this directly so it can time and sequence each invocation itself;
// OnTick below is a convenience wrapper for simple callers and tests.
//
// Returns ErrUnknownToken if no subscription owns the token, or
// ErrNotLive if the subscription is in StatusError (evicted, not to be
// resurrected by a stray tick).
func (r *Registry) Deliver(tick types.Tick) ([]Callback, error) {
	for _, b := range r.buckets {
		b.mu.Lock()
		h, ok := b.byToken[tick.Token]
		if !ok {
			b.mu.Unlock()
			continue
		}
		if h.Status == types.StatusError {
			b.mu.Unlock()
			return nil, ErrNotLive
		}
		h.Status = types.StatusLive
		h.LastPrice = tick.LastPrice
		h.LastVolume = tick.Volume
		h.LastUpdate = tick.Timestamp
		cbs := make([]Callback, 0, len(h.callbacks))
		for _, entry := range h.callbacks {
			cbs = append(cbs, entry.cb)
		}
		b.mu.Unlock()
		return cbs, nil
	}
	return nil, ErrUnknownToken
}

// OnTick applies tick and invokes every registered callback sequentially
// on the calling goroutine, with no timing or panic recovery. Pipeline
// workers use Deliver instead so they can instrument each call.
func (r *Registry) OnTick(tick types.Tick) error {
	cbs, err := r.Deliver(tick)
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		cb(tick.Mode, tick.LastPrice, tick.Volume, tick.Timestamp, tick.Token)
	}
	return nil
}

func effectiveMode(callbacks map[string]callbackEntry) Mode {
	var m Mode
	for _, entry := range callbacks {
		m = types.Max(m, entry.mode)
	}
	return m
}
