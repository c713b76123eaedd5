package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPairSendRecv(t *testing.T) {
	a, b := NewChannelPair(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("hello")))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	a, _ := NewChannelPair(1)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	ctx := context.Background()
	err := a.Send(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelRecvUnblocksOnClose(t *testing.T) {
	a, _ := NewChannelPair(1)
	done := make(chan error, 1)
	go func() {
		_, err := a.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}
