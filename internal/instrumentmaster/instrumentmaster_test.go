package instrumentmaster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, rows []rawInstrument) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchConvertsRows(t *testing.T) {
	t.Parallel()
	rows := []rawInstrument{
		{Token: 1, Symbol: "RELIANCE", Underlying: "RELIANCE", TickSize: "0.05", LotSize: 1, Divisor: 100},
		{Token: 2, Symbol: "NIFTY25DEC24000CE", Underlying: "NIFTY", Expiry: "2025-12-25T00:00:00Z", Strike: "24000", OptionType: "CE", TickSize: "0.05", Divisor: 100},
	}
	srv := newTestServer(t, rows)

	c := New(Config{URL: srv.URL}, testLogger())
	m, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	inst, ok := m.BySymbol("NIFTY25DEC24000CE")
	if !ok {
		t.Fatalf("expected NIFTY25DEC24000CE to be present")
	}
	if inst.Kind != types.KindCall {
		t.Errorf("Kind = %v, want KindCall", inst.Kind)
	}
	if !inst.Strike.Equal(decimal.RequireFromString("24000")) {
		t.Errorf("Strike = %s, want 24000", inst.Strike)
	}
}

func TestFetchSkipsRowsMissingTokenOrSymbol(t *testing.T) {
	t.Parallel()
	rows := []rawInstrument{
		{Token: 0, Symbol: "BROKEN"},
		{Token: 5, Symbol: ""},
		{Token: 6, Symbol: "VALID", TickSize: "0.05"},
	}
	srv := newTestServer(t, rows)

	c := New(Config{URL: srv.URL}, testLogger())
	m, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (two malformed rows skipped)", m.Len())
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestStrikesForExpirySortedAscending(t *testing.T) {
	t.Parallel()
	expiry := time.Date(2025, time.December, 25, 0, 0, 0, 0, time.UTC)
	rows := []rawInstrument{
		{Token: 1, Symbol: "NIFTY25DEC24200CE", Underlying: "NIFTY", Expiry: "2025-12-25T00:00:00Z", Strike: "24200", OptionType: "CE"},
		{Token: 2, Symbol: "NIFTY25DEC24000CE", Underlying: "NIFTY", Expiry: "2025-12-25T00:00:00Z", Strike: "24000", OptionType: "CE"},
		{Token: 3, Symbol: "NIFTY25DEC24100PE", Underlying: "NIFTY", Expiry: "2025-12-25T00:00:00Z", Strike: "24100", OptionType: "PE"},
		{Token: 4, Symbol: "RELIANCE", Underlying: "RELIANCE"},
	}
	srv := newTestServer(t, rows)

	c := New(Config{URL: srv.URL}, testLogger())
	m, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	strikes := m.StrikesForExpiry("NIFTY", expiry)
	if len(strikes) != 3 {
		t.Fatalf("len(strikes) = %d, want 3", len(strikes))
	}
	want := []string{"24000", "24100", "24200"}
	for i, s := range strikes {
		if s.String() != want[i] {
			t.Errorf("strikes[%d] = %s, want %s", i, s, want[i])
		}
	}
}
