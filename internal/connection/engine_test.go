package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgerunner/runner/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gtassert "gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func testConfig() Config {
	return Config{
		CPURL:                 "wss://cp.example/ws",
		AuthToken:             "T",
		RunnerName:            "R",
		ReconnectDelayInitial: 10 * time.Millisecond,
		ReconnectDelayMax:     80 * time.Millisecond,
		HeartbeatInterval:     50 * time.Millisecond,
		RegistrationTimeout:   2 * time.Second,
	}
}

// TestHappyPathRegistration is spec §8 scenario 1.
func TestHappyPathRegistration(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}

	e := NewEngine(testConfig(), dialer, nil)

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, "runner/register", frame.Method)

	var params map[string]string
	require.NoError(t, json.Unmarshal(frame.Params, &params))
	assert.Equal(t, "T", params["token"])
	assert.Equal(t, "R", params["name"])

	require.NoError(t, sendOK(ctx, server, frame.ID))

	gtassert.NilError(t, <-startErrCh)
	gtassert.Assert(t, cmp.Equal(e.State(), Connected))

	// Next request id allocated is 2.
	go func() {
		_, _ = e.SendRequest(context.Background(), "tool/proxy", map[string]string{"tool": "x"}, time.Second)
	}()
	frame2, err := recvFrame(ctx, server)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(frame2.ID))

	require.NoError(t, e.Stop())
}

// TestBadToken is spec §8 scenario 2.
func TestBadToken(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}

	e := NewEngine(testConfig(), dialer, nil)

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendAuthError(ctx, server, frame.ID))

	err = <-startErrCh
	var authErr *AuthFailedError
	require.True(t, errors.As(err, &authErr))
	gtassert.Equal(t, -32000, authErr.Code)
	gtassert.Assert(t, cmp.Equal(e.State(), Disconnected))
}

func TestInitialTransportOpenFailurePropagates(t *testing.T) {
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return nil, errors.New("network unreachable")
	}}
	e := NewEngine(testConfig(), dialer, nil)

	err := e.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Disconnected, e.State())
}

func TestStopFailsPendingRequestsWithConnectionLost(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}
	e := NewEngine(testConfig(), dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()
	frame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, server, frame.ID))
	require.NoError(t, <-startErrCh)

	reqErrCh := make(chan error, 1)
	go func() {
		_, err := e.SendRequest(context.Background(), "tool/proxy", map[string]string{}, 5*time.Second)
		reqErrCh <- err
	}()

	// Drain the outbound request on the server side so SendRequest is
	// truly pending, then stop without ever replying.
	_, err = recvFrame(ctx, server)
	require.NoError(t, err)

	require.NoError(t, e.Stop())

	err = <-reqErrCh
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestSendRequestFailsFastWhenNotConnected(t *testing.T) {
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return nil, errors.New("unreachable")
	}}
	e := NewEngine(testConfig(), dialer, nil)
	_, err := e.SendRequest(context.Background(), "tool/proxy", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRequestTimeoutDropsLateResponse(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}
	e := NewEngine(testConfig(), dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()
	frame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, server, frame.ID))
	require.NoError(t, <-startErrCh)

	_, err = e.SendRequest(context.Background(), "tool/proxy", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// A late response for that id, arriving after the caller gave up,
	// must be dropped without effect (no panic, no stuck state).
	reqFrame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, server, reqFrame.ID))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, e.PendingCount())
	require.NoError(t, e.Stop())
}

func TestDispatchesInboundRequestToHandler(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}
	e := NewEngine(testConfig(), dialer, nil)

	var called atomic.Bool
	e.RegisterHandler("tool/call", func(ctx context.Context, params json.RawMessage) (any, error) {
		called.Store(true)
		return map[string]string{"status": "success"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()
	regFrame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, server, regFrame.ID))
	require.NoError(t, <-startErrCh)

	reqID, _ := json.Marshal(99)
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": json.RawMessage(reqID), "method": "tool/call",
		"params": map[string]any{"tool": "x", "args": map[string]any{}},
	})
	require.NoError(t, server.Send(ctx, raw))

	respFrame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	assert.JSONEq(t, "99", string(respFrame.ID))
	assert.True(t, called.Load())
	require.NoError(t, e.Stop())
}

func TestUnknownMethodRepliesMethodNotFound(t *testing.T) {
	client, server := transport.NewChannelPair(4)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		return client, nil
	}}
	e := NewEngine(testConfig(), dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()
	regFrame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, server, regFrame.ID))
	require.NoError(t, <-startErrCh)

	reqID, _ := json.Marshal(7)
	raw, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(reqID), "method": "does/notexist"})
	require.NoError(t, server.Send(ctx, raw))

	respFrame, err := recvFrame(ctx, server)
	require.NoError(t, err)
	require.NotEmpty(t, respFrame.Error)
	require.NoError(t, e.Stop())
}

func TestStartStopStartIsIdempotentlyObservable(t *testing.T) {
	// Every dial hands out a fresh in-memory link; the stub-CP end is
	// passed back to the test so it can answer the handshake.
	servers := make(chan transport.Transport, 2)
	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		client, server := transport.NewChannelPair(4)
		servers <- server
		return client, nil
	}}
	e := NewEngine(testConfig(), dialer, nil)

	start := func() State {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		startErrCh := make(chan error, 1)
		go func() { startErrCh <- e.Start(context.Background()) }()
		server := <-servers
		frame, err := recvFrame(ctx, server)
		require.NoError(t, err)
		require.NoError(t, sendOK(ctx, server, frame.ID))
		require.NoError(t, <-startErrCh)
		return e.State()
	}

	assert.Equal(t, Connected, start())
	require.NoError(t, e.Stop())
	assert.Equal(t, Connected, start())
	require.NoError(t, e.Stop())
}
