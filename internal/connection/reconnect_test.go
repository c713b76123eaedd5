package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgerunner/runner/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := newBackoff(1*time.Second, 8*time.Second)
	assert.Equal(t, 1*time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 8*time.Second, b.next()) // capped at max
	assert.Equal(t, 8*time.Second, b.next())

	b.reset()
	assert.Equal(t, 1*time.Second, b.next())
}

// TestReconnectBackoffAndReset is spec §8 scenario 6: with d0/d_max scaled
// down for test speed, three consecutive reconnect failures sleep
// [d0, 2*d0, 4*d0] before each attempt; after a successful handshake, the
// next failure sleeps d0 again.
func TestReconnectBackoffAndReset(t *testing.T) {
	d0 := 20 * time.Millisecond
	dmax := 160 * time.Millisecond

	var mu sync.Mutex
	var dialTimes []time.Time
	dialCount := 0

	clientA, serverA := transport.NewChannelPair(4)
	clientB, serverB := transport.NewChannelPair(4)

	dialer := &fakeDialer{dial: func(ctx context.Context, url, token string) (transport.Transport, error) {
		mu.Lock()
		dialCount++
		n := dialCount
		dialTimes = append(dialTimes, time.Now())
		mu.Unlock()

		switch n {
		case 1:
			return clientA, nil
		case 2, 3, 4:
			return nil, errors.New("connect refused")
		case 5:
			return clientB, nil
		case 6:
			return nil, errors.New("connect refused again")
		default:
			return nil, errors.New("unexpected dial")
		}
	}}

	cfg := testConfig()
	cfg.ReconnectDelayInitial = d0
	cfg.ReconnectDelayMax = dmax
	e := NewEngine(cfg, dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- e.Start(context.Background()) }()

	frame, err := recvFrame(ctx, serverA)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, serverA, frame.ID))
	require.NoError(t, <-startErrCh)
	require.Equal(t, Connected, e.State())

	// Kill the live connection to force the reconnect loop to start.
	require.NoError(t, serverA.Close())

	// Wait for the second successful handshake (dial #5) to complete.
	frame2, err := recvFrame(ctx, serverB)
	require.NoError(t, err)
	require.NoError(t, sendOK(ctx, serverB, frame2.ID))

	deadline := time.Now().Add(2 * time.Second)
	for e.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, Connected, e.State())

	mu.Lock()
	times := append([]time.Time(nil), dialTimes...)
	mu.Unlock()
	require.GreaterOrEqual(t, len(times), 5)

	gap := func(i, j int) time.Duration { return times[j].Sub(times[i]) }
	// Generous tolerance: assert ordering (each gap roughly doubles) and
	// a lower bound, rather than tight equality, since goroutine
	// scheduling adds jitter.
	assert.GreaterOrEqual(t, gap(0, 1), d0-5*time.Millisecond)
	assert.GreaterOrEqual(t, gap(1, 2), 2*d0-5*time.Millisecond)
	assert.GreaterOrEqual(t, gap(2, 3), 4*d0-5*time.Millisecond)

	// Kill the second connection and confirm the next failure sleeps d0
	// again (backoff reset on successful handshake).
	require.NoError(t, serverB.Close())

	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := dialCount
		mu.Unlock()
		if n >= 6 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	finalTimes := append([]time.Time(nil), dialTimes...)
	mu.Unlock()
	require.GreaterOrEqual(t, len(finalTimes), 6)
	resetGap := finalTimes[5].Sub(finalTimes[4])
	assert.Less(t, resetGap, 2*d0, "post-reset reconnect sleep should be back to d0, not a continuation of the prior backoff")

	require.NoError(t, e.Stop())
}
