// Package instrumentmaster is a one-shot bootstrap client: it fetches the
// broker's instrument master over HTTP, parses it into the shared
// Instrument type, and caches it in memory so the rest of the engine can
// resolve a symbol's token, tick size, and option identity before any
// subscription is accepted.
//
// The resty client is built with SetTimeout/SetRetryCount/SetRetryWaitTime,
// and raw rows are converted into the domain Instrument type field by
// field, skipping any row missing its token or symbol.
package instrumentmaster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tickengine/pkg/types"
)

// rawInstrument is the broker's wire shape for one instrument-master row.
type rawInstrument struct {
	Token      uint32 `json:"securityId"`
	Symbol     string `json:"tradingSymbol"`
	Underlying string `json:"underlyingSymbol"`
	Expiry     string `json:"expiryDate"` // RFC3339, empty for non-derivatives
	Strike     string `json:"strikePrice"`
	OptionType string `json:"optionType"` // "CE", "PE", or ""
	TickSize   string `json:"tickSize"`
	LotSize    int    `json:"lotSize"`
	Divisor    int64  `json:"priceDivisor"`
}

// Client fetches and converts the instrument master.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// Config tunes the HTTP client.
type Config struct {
	URL     string
	Timeout time.Duration
}

// New builds a Client against cfg.URL.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{http: http, logger: logger.With("component", "instrumentmaster")}
}

// Fetch retrieves the full instrument master in one request and converts
// it into a Master lookup table.
func (c *Client) Fetch(ctx context.Context) (*Master, error) {
	var rows []rawInstrument
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("instrumentmaster: fetch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("instrumentmaster: fetch: status %d", resp.StatusCode())
	}

	m := newMaster()
	skipped := 0
	for _, row := range rows {
		inst, ok := convert(row)
		if !ok {
			skipped++
			continue
		}
		m.put(inst)
	}
	c.logger.Info("instrument master loaded", "count", len(m.byToken), "skipped", skipped)
	return m, nil
}

func convert(row rawInstrument) (types.Instrument, bool) {
	if row.Token == 0 || row.Symbol == "" {
		return types.Instrument{}, false
	}

	tickSize, err := decimal.NewFromString(row.TickSize)
	if err != nil {
		tickSize = decimal.NewFromFloat(0.05)
	}

	strike := decimal.Zero
	if row.Strike != "" {
		if s, err := decimal.NewFromString(row.Strike); err == nil {
			strike = s
		}
	}

	var expiry time.Time
	if row.Expiry != "" {
		if t, err := time.Parse(time.RFC3339, row.Expiry); err == nil {
			expiry = t
		}
	}

	kind := types.KindNone
	switch strings.ToUpper(row.OptionType) {
	case "CE":
		kind = types.KindCall
	case "PE":
		kind = types.KindPut
	}

	divisor := row.Divisor
	if divisor <= 0 {
		divisor = 100
	}

	return types.Instrument{
		Token:      row.Token,
		Symbol:     row.Symbol,
		Underlying: row.Underlying,
		Expiry:     expiry,
		Strike:     strike,
		Kind:       kind,
		TickSize:   tickSize,
		LotSize:    row.LotSize,
		Divisor:    divisor,
	}, true
}

// Master is an in-memory, read-mostly instrument lookup table.
type Master struct {
	mu       sync.RWMutex
	bySymbol map[string]types.Instrument
	byToken  map[uint32]types.Instrument
}

func newMaster() *Master {
	return &Master{
		bySymbol: make(map[string]types.Instrument),
		byToken:  make(map[uint32]types.Instrument),
	}
}

func (m *Master) put(inst types.Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySymbol[inst.Symbol] = inst
	m.byToken[inst.Token] = inst
}

// BySymbol looks up an instrument by its broker-native trading symbol.
func (m *Master) BySymbol(symbol string) (types.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.bySymbol[symbol]
	return inst, ok
}

// ByToken looks up an instrument by its broker security token.
func (m *Master) ByToken(token uint32) (types.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byToken[token]
	return inst, ok
}

// Len reports how many instruments are loaded.
func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}

// StrikesForExpiry returns every strike known for underlying+expiry,
// sorted ascending, for building an option-chain ChainDef.
func (m *Master) StrikesForExpiry(underlying string, expiry time.Time) []decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]decimal.Decimal)
	for _, inst := range m.byToken {
		if inst.Underlying != underlying || inst.Kind == types.KindNone || !inst.Expiry.Equal(expiry) {
			continue
		}
		seen[inst.Strike.String()] = inst.Strike
	}

	out := make([]decimal.Decimal, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sortDecimals(out)
	return out
}

func sortDecimals(xs []decimal.Decimal) {
	sort.Slice(xs, func(i, j int) bool { return xs[i].LessThan(xs[j]) })
}
