package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/edgerunner/runner/internal/metrics"
	"github.com/edgerunner/runner/internal/obslog"
	"github.com/edgerunner/runner/internal/transport"
)

// Config is the immutable RunnerConfig subset the engine needs (spec §3).
type Config struct {
	CPURL                 string
	AuthToken             string
	RunnerName            string
	ReconnectDelayInitial time.Duration
	ReconnectDelayMax     time.Duration
	HeartbeatInterval     time.Duration
	RegistrationTimeout   time.Duration
}

// AuthFailedError is the fatal, non-retryable result of a rejected
// registration handshake (spec §4.3.1, §7).
type AuthFailedError struct {
	Code    int
	Message string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("connection: auth failed (%d): %s", e.Code, e.Message)
}

// Engine owns the Transport, runs the receive/heartbeat loops, correlates
// responses, dispatches inbound requests/notifications, and drives the
// reconnection state machine (spec §4.3).
type Engine struct {
	cfg    Config
	dialer transport.Dialer
	logger *obslog.Logger

	mu         sync.Mutex
	tr         transport.Transport
	connCancel context.CancelFunc

	state   stateBox
	pending *pendingTable
	nextID  int64
	idMu    sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	backoff *backoff

	lifecycleMu   sync.Mutex
	stopCh        chan struct{}
	stopOnce      *sync.Once
	lifecycleDone chan struct{}
}

// NewEngine constructs an Engine. The transport is not opened until Start.
func NewEngine(cfg Config, dialer transport.Dialer, logger *obslog.Logger) *Engine {
	if cfg.RegistrationTimeout == 0 {
		cfg.RegistrationTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = obslog.NewDiscard()
	}
	return &Engine{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		pending:  newPendingTable(),
		handlers: make(map[string]Handler),
		backoff:  newBackoff(cfg.ReconnectDelayInitial, cfg.ReconnectDelayMax),
		stopCh:   make(chan struct{}),
		stopOnce: &sync.Once{},
	}
}

// RegisterHandler installs a handler for inbound requests/notifications
// with the given method name.
func (e *Engine) RegisterHandler(method string, fn Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[method] = fn
}

// State returns the current connection state. Safe for any goroutine.
func (e *Engine) State() State {
	return e.state.Load()
}

// setState updates the connection state and appends a state_changed event
// to the event log, so every transition the reconnect/handshake machinery
// makes shows up in the same JSON Lines stream runner/availability writes
// to.
func (e *Engine) setState(s State) {
	e.state.Store(s)
	e.logger.Event("conn", "state_changed", map[string]any{"state": s.String()})
}

// PendingCount reports the number of outstanding requests, for diagnostics
// and metrics.
func (e *Engine) PendingCount() int {
	return e.pending.len()
}

func (e *Engine) allocateID() int64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	e.nextID++
	return e.nextID
}

func (e *Engine) setTransport(tr transport.Transport, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tr = tr
	e.connCancel = cancel
}

func (e *Engine) clearTransport() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tr = nil
	e.connCancel = nil
}

func (e *Engine) currentTransport() (transport.Transport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tr, e.tr != nil
}

// Start opens the transport, performs the registration handshake, and on
// success spawns the heartbeat and receive loops plus the background
// reconnect supervisor. Idempotent: a Start call while not Disconnected is
// a no-op. Per spec §7, only an initial transport-open failure or an
// AuthFailedError propagate out of Start; any other handshake failure is
// absorbed into the reconnect loop and Start returns nil.
func (e *Engine) Start(ctx context.Context) error {
	if e.state.Load() != Disconnected {
		return nil
	}

	e.lifecycleMu.Lock()
	e.stopCh = make(chan struct{})
	e.stopOnce = &sync.Once{}
	e.lifecycleDone = make(chan struct{})
	e.lifecycleMu.Unlock()
	e.backoff.reset()

	e.setState(Connecting)

	tr, err := e.dialer.Dial(ctx, e.cfg.CPURL, e.cfg.AuthToken)
	if err != nil {
		e.setState(Disconnected)
		close(e.lifecycleDone)
		return fmt.Errorf("connection: initial transport open failed: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	e.setTransport(tr, cancel)

	if err := e.handshake(ctx, tr); err != nil {
		cancel()
		_ = tr.Close()
		e.clearTransport()

		var authErr *AuthFailedError
		if errors.As(err, &authErr) {
			e.setState(Disconnected)
			close(e.lifecycleDone)
			return authErr
		}

		e.logger.Warn("conn", "initial registration failed, entering reconnect loop: %v", err)
		e.setState(Reconnecting)
		go e.reconnectLoop()
		return nil
	}

	e.onRegistered()
	go e.runConnected(connCtx, tr)
	return nil
}

// onRegistered marks the engine Connected and resets the reconnect
// backoff, shared by the initial handshake and every subsequent
// successful reconnect (spec §4.3.1, §4.3.4).
func (e *Engine) onRegistered() {
	e.setState(Connected)
	e.backoff.reset()
	e.pending.setAccepting(true)
}

// handshake issues runner/register and blocks until a matching response
// arrives, ctx is done, or cfg.RegistrationTimeout elapses. It reads
// directly from tr rather than going through the receive loop, which has
// not started yet — invariant 5 requires registration to be the only
// outbound traffic until it completes, and nothing else is racing to read
// from tr at this point.
func (e *Engine) handshake(ctx context.Context, tr transport.Transport) error {
	id := e.allocateID()
	rawID, _ := json.Marshal(id)

	payload, err := jsonrpc.EncodeRequest(id, "runner/register", map[string]string{
		"token": e.cfg.AuthToken,
		"name":  e.cfg.RunnerName,
	})
	if err != nil {
		return fmt.Errorf("connection: encode registration: %w", err)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, e.cfg.RegistrationTimeout)
	defer hsCancel()

	if err := tr.Send(hsCtx, payload); err != nil {
		return fmt.Errorf("connection: send registration: %w", err)
	}

	for {
		raw, err := tr.Recv(hsCtx)
		if err != nil {
			return fmt.Errorf("connection: awaiting registration response: %w", err)
		}

		kind, frame, err := jsonrpc.Classify(raw, func(candidate json.RawMessage) bool {
			return string(candidate) == string(rawID)
		})
		if err != nil {
			e.logger.Warn("conn", "malformed frame during handshake: %v", err)
			continue
		}
		if kind != jsonrpc.KindResponse || string(frame.ID) != string(rawID) {
			e.logger.Warn("conn", "dropping unrelated frame during handshake: %s", kind)
			continue
		}

		if frame.Error != nil {
			return &AuthFailedError{Code: frame.Error.Code, Message: frame.Error.Message}
		}

		var result struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return fmt.Errorf("connection: decode registration result: %w", err)
		}
		if result.Status != "ok" {
			return fmt.Errorf("connection: registration returned status %q", result.Status)
		}
		return nil
	}
}

// runConnected spawns the receive and heartbeat loops over tr and waits
// for either a user-initiated Stop or a connection-lost signal from one of
// them, then either shuts down cleanly or hands off to reconnectLoop.
func (e *Engine) runConnected(ctx context.Context, tr transport.Transport) {
	lost := make(chan struct{})
	var lostOnce sync.Once
	signalLost := func() { lostOnce.Do(func() { close(lost) }) }

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.receiveLoop(ctx, tr, signalLost) }()
	go func() { defer wg.Done(); e.heartbeatLoop(hbCtx, tr, signalLost) }()

	stopCh := e.currentStopCh()
	select {
	case <-stopCh:
	case <-lost:
	}

	// Release whichever loop did not report the loss: the heartbeat loop
	// waits on hbCtx, the receive loop on tr.
	hbCancel()
	_ = tr.Close()
	wg.Wait()
	e.clearTransport()

	select {
	case <-stopCh:
		e.setState(Disconnected)
		e.pending.failAll(ErrConnectionLost)
		e.closeLifecycle()
		return
	default:
	}

	e.setState(Reconnecting)
	e.pending.failAll(ErrConnectionLost)
	e.reconnectLoop()
}

// reconnectLoop implements the Reconnecting/Connecting cycle from spec
// §4.3.4, running until shutdown, permanent auth failure, or a successful
// handshake (which hands control back to runConnected).
func (e *Engine) reconnectLoop() {
	stopCh := e.currentStopCh()
	for {
		select {
		case <-stopCh:
			e.setState(Disconnected)
			e.closeLifecycle()
			return
		default:
		}

		d := e.backoff.next()
		e.logger.Info("conn", "reconnecting in %s", d)
		if !e.sleepOrStop(d, stopCh) {
			e.setState(Disconnected)
			e.closeLifecycle()
			return
		}

		e.setState(Connecting)
		metrics.ReconnectAttemptsTotal.Inc()
		tr, err := e.dialer.Dial(context.Background(), e.cfg.CPURL, e.cfg.AuthToken)
		if err != nil {
			e.logger.Warn("conn", "reconnect dial failed: %v", err)
			e.setState(Reconnecting)
			continue
		}

		connCtx, cancel := context.WithCancel(context.Background())
		e.setTransport(tr, cancel)

		if err := e.handshake(context.Background(), tr); err != nil {
			cancel()
			_ = tr.Close()
			e.clearTransport()

			var authErr *AuthFailedError
			if errors.As(err, &authErr) {
				e.logger.Error("conn", "reconnect auth failed, giving up: %v", err)
				e.setState(Disconnected)
				e.closeLifecycle()
				return
			}
			e.logger.Warn("conn", "reconnect registration failed: %v", err)
			e.setState(Reconnecting)
			continue
		}

		e.onRegistered()
		go e.runConnected(connCtx, tr)
		return
	}
}

func (e *Engine) sleepOrStop(d time.Duration, stopCh chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}

func (e *Engine) currentStopCh() chan struct{} {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.stopCh
}

func (e *Engine) closeLifecycle() {
	e.lifecycleMu.Lock()
	done := e.lifecycleDone
	e.lifecycleMu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

// Stop cancels the receive, heartbeat, and reconnect loops, fails every
// pending request with ConnectionLost, and closes the transport.
// Idempotent; safe to call even if Start was never called.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	stopOnce := e.stopOnce
	stopCh := e.stopCh
	done := e.lifecycleDone
	e.lifecycleMu.Unlock()

	stopOnce.Do(func() { close(stopCh) })

	e.mu.Lock()
	cancel := e.connCancel
	tr := e.tr
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}

	if done != nil {
		<-done
	}

	e.setState(Disconnected)
	e.pending.failAll(ErrConnectionLost)
	return nil
}

// SendRequest assigns the next strictly increasing id, registers a pending
// slot, writes the encoded frame, and awaits completion or timeout (spec
// §4.3 public operations).
func (e *Engine) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Frame, error) {
	id := e.allocateID()
	rawID, _ := json.Marshal(id)

	entry, ok := e.pending.registerIfAccepting(rawID)
	if !ok {
		return nil, ErrNotConnected
	}

	tr, ok := e.currentTransport()
	if !ok {
		e.pending.remove(rawID)
		return nil, ErrNotConnected
	}

	payload, err := jsonrpc.EncodeRequest(id, method, params)
	if err != nil {
		e.pending.remove(rawID)
		return nil, fmt.Errorf("connection: encode request: %w", err)
	}

	if err := tr.Send(ctx, payload); err != nil {
		e.pending.remove(rawID)
		return nil, ErrConnectionLost
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		e.pending.remove(rawID)
		return nil, ErrTimeout
	case <-ctx.Done():
		e.pending.remove(rawID)
		return nil, ctx.Err()
	}
}

// SendNotification fires a notification, failing fast if not connected.
func (e *Engine) SendNotification(ctx context.Context, method string, params any) error {
	if e.state.Load() != Connected {
		return ErrNotConnected
	}
	tr, ok := e.currentTransport()
	if !ok {
		return ErrNotConnected
	}

	payload, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("connection: encode notification: %w", err)
	}
	if err := tr.Send(ctx, payload); err != nil {
		return ErrConnectionLost
	}
	return nil
}
