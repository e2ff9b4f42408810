package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	id      string
	mu      sync.Mutex
	batches [][]Update
	fail    bool
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Emit(batch []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("forced sink failure")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSink) last() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

func TestPublishCoalescesLatestValuePerKey(t *testing.T) {
	t.Parallel()
	d := New(30*time.Millisecond, testLogger())
	sink := &recordingSink{id: "test"}
	d.RegisterSink(sink)
	d.Start()
	defer d.Shutdown()

	d.Publish("NIFTY", "ltp", 100)
	d.Publish("NIFTY", "ltp", 101)
	d.Publish("NIFTY", "ltp", 102)

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a flush")
		case <-time.After(5 * time.Millisecond):
		}
	}

	batch := sink.last()
	if len(batch) != 1 {
		t.Fatalf("len(batch) = %d, want 1 (three publishes to the same key collapse to one)", len(batch))
	}
	if batch[0].Value != 102 {
		t.Errorf("batch[0].Value = %v, want 102 (latest write wins)", batch[0].Value)
	}
}

func TestSinkDisabledAfterError(t *testing.T) {
	t.Parallel()
	d := New(20*time.Millisecond, testLogger())
	sink := &recordingSink{id: "faulty", fail: true}
	d.RegisterSink(sink)
	d.Start()
	defer d.Shutdown()

	d.Publish("A", "x", 1)
	time.Sleep(100 * time.Millisecond)

	countAfterFault := sink.count()
	if countAfterFault != 0 {
		t.Fatalf("recordingSink.Emit always errors, so batches should never record; got %d", countAfterFault)
	}

	// A second publish must not retry a disabled sink endlessly; flip the
	// sink to succeed and confirm Reset is required before it fires again.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	d.Publish("A", "x", 2)
	time.Sleep(100 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("sink should stay disabled until Reset is called, got %d batches", sink.count())
	}

	d.Reset("faulty")
	d.Publish("A", "x", 3)

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a flush after Reset")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEmptyBufferProducesNoFlush(t *testing.T) {
	t.Parallel()
	d := New(10*time.Millisecond, testLogger())
	sink := &recordingSink{id: "idle"}
	d.RegisterSink(sink)
	d.Start()
	defer d.Shutdown()

	time.Sleep(80 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("expected no flush when nothing was published, got %d batches", sink.count())
	}
}

func TestPanickingSinkIsDisabled(t *testing.T) {
	t.Parallel()
	d := New(20*time.Millisecond, testLogger())
	d.RegisterSink(panicSink{})
	d.Start()
	defer d.Shutdown()

	d.Publish("A", "x", 1)
	time.Sleep(100 * time.Millisecond)
	// No assertion beyond "this does not crash the test binary" — a
	// panicking Emit must be recovered at the dispatch boundary.
}

type panicSink struct{}

func (panicSink) ID() string { return "panic" }
func (panicSink) Emit(batch []Update) error {
	panic("boom")
}
