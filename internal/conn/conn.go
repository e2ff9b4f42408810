// Package conn maintains a single upstream broker WebSocket connection:
// dial, authenticate, resubscribe on reconnect, and decode inbound tick
// frames onto a channel for the pipeline to consume.
//
// The reconnect state machine and ping/keepalive loop follow a
// Run/connectAndRead/pingLoop split, generalized from two parallel feeds
// (market + user) to the tick engine's single upstream socket.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickengine/internal/codec"
	"tickengine/pkg/types"
)

const (
	pingInterval     = 10 * time.Second
	readTimeout      = 30 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 4096
	stateBufferSize  = 16
)

// ErrTransport wraps any dial/read/write failure that should drive the
// manager back into Reconnecting.
var ErrTransport = errors.New("conn: transport error")

// ErrAuthFailure indicates the broker rejected credentials. The manager
// moves to StateFailed and does not retry until restarted.
var ErrAuthFailure = errors.New("conn: auth rejected")

// Socket is the minimal transport surface the manager needs, so tests can
// supply a fake without a real network dial.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Socket to url. The default implementation wraps
// gorilla/websocket; a future per-role pooled-connection mode (see the
// pack's dhan-go/kalshi pooled clients) can supply its own Dialer without
// touching the reconnect state machine.
type Dialer func(ctx context.Context, url string) (Socket, error)

func defaultDialer(ctx context.Context, wsURL string) (Socket, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SubscriptionSource supplies the union of ref-counted subscriptions (at
// their highest effective mode) the manager must replay after a
// reconnect. Implemented by the registry.
type SubscriptionSource interface {
	ActiveModes() map[uint32]types.Mode
}

type pendingOp struct {
	unsubscribe bool
	tokens      []uint32
	mode        types.Mode
}

// Manager owns one upstream WebSocket connection and its reconnect loop.
type Manager struct {
	wsURL       string
	apiKey      string
	accessToken string
	dialer      Dialer
	codec       *codec.Codec
	subs        SubscriptionSource
	logger      *slog.Logger

	connMu sync.Mutex
	sock   Socket

	stateMu sync.RWMutex
	state   types.ConnState

	ticks  chan types.Tick
	states chan types.ConnState

	pendingMu sync.Mutex
	pending   []pendingOp

	authRejected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the constructor arguments that come from config.Config.
type Config struct {
	WSURL       string
	APIKey      string
	AccessToken string
}

// New builds a Manager. subs may be nil if no resubscription replay is
// needed (e.g. in tests); codec must not be nil.
func New(cfg Config, c *codec.Codec, subs SubscriptionSource, logger *slog.Logger) *Manager {
	return &Manager{
		wsURL:       cfg.WSURL,
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		dialer:      defaultDialer,
		codec:       c,
		subs:        subs,
		logger:      logger.With("component", "conn"),
		state:       types.StateDisconnected,
		ticks:       make(chan types.Tick, tickBufferSize),
		states:      make(chan types.ConnState, stateBufferSize),
	}
}

// WithDialer overrides the transport dialer, for tests or alternate
// connection strategies.
func (m *Manager) WithDialer(d Dialer) *Manager {
	m.dialer = d
	return m
}

// Ticks returns the channel of decoded ticks.
func (m *Manager) Ticks() <-chan types.Tick { return m.ticks }

// States returns the channel of connection state transitions.
func (m *Manager) States() <-chan types.ConnState { return m.states }

// State returns the current connection state.
func (m *Manager) State() types.ConnState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Connect starts the reconnect loop in the background and returns
// immediately. ctx governs the lifetime of the connection; cancelling it
// is equivalent to calling Shutdown.
func (m *Manager) Connect(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

// Shutdown stops the reconnect loop, closes the socket, and waits for the
// background goroutines to exit.
func (m *Manager) Shutdown() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.connMu.Lock()
	if m.sock != nil {
		m.sock.Close()
	}
	m.connMu.Unlock()
	m.wg.Wait()
	m.setState(types.StateDisconnected)
	return nil
}

// Subscribe requests tokens at mode. If not currently connected, the
// request is buffered and flushed on the next Connected transition.
func (m *Manager) Subscribe(tokens []uint32, mode types.Mode) error {
	if m.State() != types.StateConnected {
		m.bufferPending(pendingOp{tokens: tokens, mode: mode})
		return nil
	}
	return m.sendSubscribe(tokens, mode)
}

// Unsubscribe releases tokens. Buffered the same way as Subscribe when
// not connected.
func (m *Manager) Unsubscribe(tokens []uint32) error {
	if m.State() != types.StateConnected {
		m.bufferPending(pendingOp{unsubscribe: true, tokens: tokens})
		return nil
	}
	return m.sendUnsubscribe(tokens)
}

func (m *Manager) bufferPending(op pendingOp) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, op)
	m.pendingMu.Unlock()
}

func (m *Manager) flushPending() {
	m.pendingMu.Lock()
	ops := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for _, op := range ops {
		var err error
		if op.unsubscribe {
			err = m.sendUnsubscribe(op.tokens)
		} else {
			err = m.sendSubscribe(op.tokens, op.mode)
		}
		if err != nil {
			m.logger.Warn("failed to flush pending subscription op", "error", err)
		}
	}
}

func (m *Manager) sendSubscribe(tokens []uint32, mode types.Mode) error {
	frames, err := codec.EncodeSubscribe(tokens, mode)
	if err != nil {
		return fmt.Errorf("conn: encode subscribe: %w", err)
	}
	modeFrames, err := codec.EncodeMode(tokens, mode)
	if err != nil {
		return fmt.Errorf("conn: encode mode: %w", err)
	}
	return m.writeFrames(append(frames, modeFrames...))
}

func (m *Manager) sendUnsubscribe(tokens []uint32) error {
	frames, err := codec.EncodeUnsubscribe(tokens)
	if err != nil {
		return fmt.Errorf("conn: encode unsubscribe: %w", err)
	}
	return m.writeFrames(frames)
}

func (m *Manager) writeFrames(frames [][]byte) error {
	for _, f := range frames {
		if err := m.writeMessage(websocket.TextMessage, f); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	return nil
}

func (m *Manager) setState(s types.ConnState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()

	select {
	case m.states <- s:
	default:
		m.logger.Warn("state channel full, dropping transition", "state", s)
	}
}

func (m *Manager) runLoop() {
	defer m.wg.Done()
	backoff := time.Second

	for {
		m.setState(types.StateConnecting)
		err := m.connectAndRead(m.ctx)

		if m.ctx.Err() != nil {
			m.setState(types.StateDisconnected)
			return
		}
		if errors.Is(err, ErrAuthFailure) {
			m.logger.Error("broker rejected credentials, not retrying", "error", err)
			m.setState(types.StateFailed)
			return
		}

		m.logger.Warn("upstream disconnected, reconnecting", "error", err, "backoff", backoff)
		m.setState(types.StateReconnecting)

		wait := jitter(backoff)
		select {
		case <-m.ctx.Done():
			m.setState(types.StateDisconnected)
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// jitter returns d scaled by a uniform random factor in [0.8, 1.2].
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func (m *Manager) connectAndRead(ctx context.Context) error {
	dialURL, err := m.authenticatedURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sock, err := m.dialer(ctx, dialURL)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	m.connMu.Lock()
	m.sock = sock
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		sock.Close()
		m.sock = nil
		m.connMu.Unlock()
	}()

	m.setState(types.StateConnected)
	m.flushPending()
	if m.subs != nil {
		if err := m.resubscribeAll(); err != nil {
			return fmt.Errorf("%w: resubscribe: %v", ErrTransport, err)
		}
	}
	m.logger.Info("upstream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go m.pingLoop(pingCtx, sock)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sock.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := sock.ReadMessage()
		if err != nil {
			if m.authRejected.Load() {
				return fmt.Errorf("%w: %v", ErrAuthFailure, err)
			}
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}

		m.dispatchMessage(msg)
	}
}

func (m *Manager) resubscribeAll() error {
	byMode := make(map[types.Mode][]uint32)
	for token, mode := range m.subs.ActiveModes() {
		byMode[mode] = append(byMode[mode], token)
	}
	for mode, tokens := range byMode {
		if err := m.sendSubscribe(tokens, mode); err != nil {
			return err
		}
	}
	return nil
}

// dispatchMessage routes one inbound frame. JSON payloads are control
// frames (errors, acks); everything else is a binary tick container.
func (m *Manager) dispatchMessage(data []byte) {
	if len(data) > 0 && data[0] == '{' {
		m.dispatchControl(data)
		return
	}

	ticks, err := m.codec.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	for _, tick := range ticks {
		select {
		case m.ticks <- tick:
		default:
			m.logger.Warn("tick channel full, dropping tick", "token", tick.Token)
		}
	}
}

func (m *Manager) dispatchControl(data []byte) {
	var envelope struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.logger.Debug("ignoring non-json control frame", "data", string(data))
		return
	}
	if envelope.Type == "error" && envelope.Code == "auth" {
		m.logger.Error("auth rejected by broker")
		m.authRejected.Store(true)
		m.connMu.Lock()
		if m.sock != nil {
			m.sock.Close()
		}
		m.connMu.Unlock()
	}
}

func (m *Manager) pingLoop(ctx context.Context, sock Socket) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeMessage(websocket.PingMessage, nil); err != nil {
				m.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (m *Manager) writeMessage(msgType int, data []byte) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.sock == nil {
		return fmt.Errorf("not connected")
	}
	m.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.sock.WriteMessage(msgType, data)
}

func (m *Manager) authenticatedURL() (string, error) {
	u, err := url.Parse(m.wsURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if m.apiKey != "" {
		q.Set("api_key", m.apiKey)
	}
	if m.accessToken != "" {
		q.Set("access_token", m.accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
