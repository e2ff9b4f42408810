// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the tick engine — instrument
// identity, tick records, subscription modes, and option-chain row state.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Modes and status enums
// ————————————————————————————————————————————————————————————————————————

// Mode is the subscription detail level requested for an instrument.
type Mode int

const (
	ModeLTP Mode = iota
	ModeQuote
	ModeFull
)

// String renders the mode for logging and JSON control frames.
func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "ltp"
	case ModeQuote:
		return "quote"
	case ModeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Max returns the higher-detail of two modes (Full > Quote > LTP).
func Max(a, b Mode) Mode {
	if a > b {
		return a
	}
	return b
}

// OptionKind distinguishes call, put, and non-option instruments.
type OptionKind int

const (
	KindNone OptionKind = iota
	KindCall
	KindPut
)

// SubscriptionStatus tracks the lifecycle of a subscription entry.
type SubscriptionStatus int

const (
	StatusPending SubscriptionStatus = iota
	StatusLive
	StatusCached
	StatusError
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLive:
		return "live"
	case StatusCached:
		return "cached"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnState enumerates Connection Manager states.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Instrument identity
// ————————————————————————————————————————————————————————————————————————

// Instrument is a stable, immutable-after-creation record of a tradeable
// symbol. The Token↔Symbol mapping is bijective within one session.
type Instrument struct {
	Token      uint32
	Symbol     string
	Underlying string
	Expiry     time.Time // zero value if not applicable
	Strike     decimal.Decimal
	Kind       OptionKind
	TickSize   decimal.Decimal
	LotSize    int
	Divisor    int64 // raw-price divisor for this instrument's segment
}

// HasExpiry reports whether this instrument carries a derivatives expiry.
func (i Instrument) HasExpiry() bool { return !i.Expiry.IsZero() }

// ————————————————————————————————————————————————————————————————————————
// Ticks
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is one bid or ask rung of a market-depth snapshot.
type DepthLevel struct {
	Price  decimal.Decimal
	Qty    uint32
	Orders uint16
}

// DepthSnapshot holds up to five bid and five ask levels (Full mode only).
type DepthSnapshot struct {
	Bids [5]DepthLevel
	Asks [5]DepthLevel
}

// Tick is an immutable record of one market-data update for a token.
type Tick struct {
	Token     uint32
	LastPrice decimal.Decimal
	LastQty   uint32
	Volume    uint32
	OI        uint32
	Timestamp time.Time
	Depth     *DepthSnapshot // nil unless Mode == ModeFull and the frame carried depth
	Mode      Mode
}

// ————————————————————————————————————————————————————————————————————————
// Option-chain derived state
// ————————————————————————————————————————————————————————————————————————

// VWAPComparison is the sign of (last price − VWAP).
type VWAPComparison int

const (
	VWAPBelow VWAPComparison = -1
	VWAPEqual VWAPComparison = 0
	VWAPAbove VWAPComparison = 1
)

// RowKey identifies one option-chain row.
type RowKey struct {
	Underlying string
	Expiry     time.Time
	Strike     decimal.Decimal
}

// LegState captures one leg (CE or PE) of an option-chain row.
type LegState struct {
	Symbol     string
	Last       decimal.Decimal
	LastUpdate time.Time
	Status     SubscriptionStatus
	VWAP       decimal.Decimal
	VWAPCmp    VWAPComparison
	HasVWAP    bool
}

// RowChangedAttr names a mutated field on a RowChanged event, so consumers
// can apply granular updates instead of re-rendering the whole row.
type RowChangedAttr int

const (
	AttrCEPrice RowChangedAttr = iota
	AttrPEPrice
	AttrStraddle
	AttrATM
	AttrHistogram
	AttrVWAP
	AttrStatus
)

// RowChangedEvent is emitted whenever an option-chain row mutates.
type RowChangedEvent struct {
	Key         RowKey
	Attrs       []RowChangedAttr
	CE          LegState
	PE          LegState
	Straddle    decimal.Decimal
	HasStraddle bool
	IsATM       bool
	CEHistWidth float64 // 0..100
	PEHistWidth float64 // 0..100
}
