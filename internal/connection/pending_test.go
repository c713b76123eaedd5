package connection

import (
	"encoding/json"
	"testing"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawID(n int) json.RawMessage {
	b, _ := json.Marshal(n)
	return b
}

func TestPendingTableRegisterRequiresAccepting(t *testing.T) {
	pt := newPendingTable()
	_, ok := pt.registerIfAccepting(rawID(1))
	assert.False(t, ok, "must not register while not accepting")

	pt.setAccepting(true)
	entry, ok := pt.registerIfAccepting(rawID(1))
	require.True(t, ok)
	require.NotNil(t, entry)
	assert.Equal(t, 1, pt.len())
}

func TestPendingTableCompleteDeliversResult(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)
	entry, ok := pt.registerIfAccepting(rawID(5))
	require.True(t, ok)

	frame := &jsonrpc.Frame{ID: rawID(5)}
	assert.True(t, pt.complete(rawID(5), frame))

	res := <-entry.done
	assert.Nil(t, res.err)
	assert.Equal(t, frame, res.frame)
	assert.Equal(t, 0, pt.len())
}

func TestPendingTableCompleteUnknownIDReturnsFalse(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)
	assert.False(t, pt.complete(rawID(404), &jsonrpc.Frame{}))
}

func TestPendingTableRemoveDropsWithoutCompleting(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)
	_, ok := pt.registerIfAccepting(rawID(2))
	require.True(t, ok)

	pt.remove(rawID(2))
	assert.Equal(t, 0, pt.len())
	assert.False(t, pt.complete(rawID(2), &jsonrpc.Frame{}))
}

func TestPendingTableFailAllResolvesEveryEntryAndStopsAccepting(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)

	entries := make([]*pendingEntry, 0, 3)
	for i := 1; i <= 3; i++ {
		entry, ok := pt.registerIfAccepting(rawID(i))
		require.True(t, ok)
		entries = append(entries, entry)
	}

	pt.failAll(ErrConnectionLost)

	for _, entry := range entries {
		res := <-entry.done
		assert.ErrorIs(t, res.err, ErrConnectionLost)
	}
	assert.Equal(t, 0, pt.len())

	// accepting was flipped off as part of failAll, closing the
	// register-after-disconnect race.
	_, ok := pt.registerIfAccepting(rawID(99))
	assert.False(t, ok)
}

func TestPendingTableIsPendingReflectsLiveEntriesOnly(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)
	_, ok := pt.registerIfAccepting(rawID(1))
	require.True(t, ok)

	assert.True(t, pt.isPending(rawID(1)))
	assert.False(t, pt.isPending(rawID(2)))

	pt.remove(rawID(1))
	assert.False(t, pt.isPending(rawID(1)))
}

func TestPendingTableDuplicateIDPanics(t *testing.T) {
	pt := newPendingTable()
	pt.setAccepting(true)
	_, ok := pt.registerIfAccepting(rawID(1))
	require.True(t, ok)

	assert.Panics(t, func() {
		pt.registerIfAccepting(rawID(1))
	})
}
