package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tickengine/internal/codec"
	"tickengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket is an in-memory Socket used so tests never touch the network.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  chan []byte
	writes   [][]byte
	closed   bool
	failRead bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 64)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("fake socket closed")
	}
	return 2, msg, nil
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed socket")
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func ltpFrame(token uint32, ltp int32) []byte {
	buf := make([]byte, 2+2+8)
	binary.BigEndian.PutUint16(buf[0:2], 1)
	binary.BigEndian.PutUint16(buf[2:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], token)
	binary.BigEndian.PutUint32(buf[8:12], uint32(ltp))
	return buf
}

type fakeSubs struct{ modes map[uint32]types.Mode }

func (f fakeSubs) ActiveModes() map[uint32]types.Mode { return f.modes }

func newTestManager(dialCount *int, sockets []*fakeSocket) *Manager {
	m := New(Config{WSURL: "wss://example.test/feed"}, codec.New(nil), nil, testLogger())
	m.WithDialer(func(ctx context.Context, url string) (Socket, error) {
		idx := *dialCount
		*dialCount++
		if idx >= len(sockets) {
			return nil, errors.New("no more fake sockets")
		}
		return sockets[idx], nil
	})
	return m
}

func TestDecodesTicksFromSocket(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	dialCount := 0
	m := newTestManager(&dialCount, []*fakeSocket{sock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Connect(ctx)

	sock.inbound <- ltpFrame(55, 1000)

	select {
	case tick := <-m.Ticks():
		if tick.Token != 55 {
			t.Errorf("Token = %d, want 55", tick.Token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}

	m.Shutdown()
}

func TestReconnectsAfterTransportError(t *testing.T) {
	t.Parallel()
	sock1 := newFakeSocket()
	sock2 := newFakeSocket()
	dialCount := 0
	m := newTestManager(&dialCount, []*fakeSocket{sock1, sock2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Connect(ctx)

	waitForState(t, m, types.StateConnected)
	sock1.Close()

	waitForState(t, m, types.StateConnected)
	if dialCount < 2 {
		t.Fatalf("dialCount = %d, want >= 2 (expected reconnect)", dialCount)
	}

	m.Shutdown()
}

func TestResubscribesOnReconnect(t *testing.T) {
	t.Parallel()
	sock1 := newFakeSocket()
	sock2 := newFakeSocket()
	dialCount := 0

	subs := fakeSubs{modes: map[uint32]types.Mode{101: types.ModeLTP}}
	m := New(Config{WSURL: "wss://example.test/feed"}, codec.New(nil), subs, testLogger())
	m.WithDialer(func(ctx context.Context, url string) (Socket, error) {
		idx := dialCount
		dialCount++
		sockets := []*fakeSocket{sock1, sock2}
		if idx >= len(sockets) {
			return nil, errors.New("no more fake sockets")
		}
		return sockets[idx], nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Connect(ctx)

	waitForState(t, m, types.StateConnected)
	sock1.Close()
	waitForState(t, m, types.StateConnected)

	sock2.mu.Lock()
	writes := sock2.writes
	sock2.mu.Unlock()
	if len(writes) == 0 {
		t.Fatal("expected a resubscribe frame to be written after reconnect")
	}

	m.Shutdown()
}

func waitForState(t *testing.T, m *Manager, want types.ConnState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-m.States():
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, current state %v", want, m.State())
		}
	}
}
