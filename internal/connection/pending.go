package connection

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/edgerunner/runner/internal/metrics"
)

// ErrConnectionLost is the failure reason every pending request receives
// when the connection dies out from under it (spec invariant 2, §5).
var ErrConnectionLost = fmt.Errorf("connection: lost")

// ErrTimeout is returned when send_request's own timeout expires first.
var ErrTimeout = fmt.Errorf("connection: request timed out")

// ErrNotConnected is returned by send_request/send_notification when the
// engine is not in the Connected state.
var ErrNotConnected = fmt.Errorf("connection: not connected")

// pendingEntry is a one-shot completion slot awaiting a response.
type pendingEntry struct {
	done chan pendingResult
}

type pendingResult struct {
	frame *jsonrpc.Frame
	err   error
}

// pendingTable maps request ids to their completion slots. Owned
// exclusively by the engine goroutine's public methods; every mutation
// goes through this type's own mutex (spec §5 "Shared-resource policy").
type pendingTable struct {
	mu        sync.Mutex
	entries   map[string]*pendingEntry
	accepting bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func idKey(id json.RawMessage) string {
	return string(id)
}

// setAccepting flips whether registerIfAccepting admits new entries. It is
// the single synchronization point between "are we connected" and "is it
// safe to register a new pending request" — see registerIfAccepting.
func (t *pendingTable) setAccepting(v bool) {
	t.mu.Lock()
	t.accepting = v
	t.mu.Unlock()
}

// registerIfAccepting atomically checks that the table is still accepting
// new requests and, if so, creates a pending entry for id. This closes the
// race where send_request observes Connected, a concurrent disconnect
// fails every currently-registered entry, and only then does send_request
// register its own entry — which would otherwise hang forever uncompleted.
// Panics if id is already registered — request ids are caller-assigned and
// must be unique per connection lifetime (invariant 2).
func (t *pendingTable) registerIfAccepting(id json.RawMessage) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.accepting {
		return nil, false
	}

	key := idKey(id)
	if _, exists := t.entries[key]; exists {
		panic(fmt.Sprintf("connection: duplicate pending request id %s", key))
	}
	entry := &pendingEntry{done: make(chan pendingResult, 1)}
	t.entries[key] = entry
	metrics.PendingRequests.Set(float64(len(t.entries)))
	return entry, true
}

// complete resolves the pending entry for id with a response frame, if one
// is still registered. Returns false if there was no live entry (a late or
// unmatched response).
func (t *pendingTable) complete(id json.RawMessage, frame *jsonrpc.Frame) bool {
	t.mu.Lock()
	entry, ok := t.entries[idKey(id)]
	if ok {
		delete(t.entries, idKey(id))
	}
	metrics.PendingRequests.Set(float64(len(t.entries)))
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.done <- pendingResult{frame: frame}
	return true
}

// remove deletes the entry for id without completing it, used when a
// send_request caller's own timeout fires first.
func (t *pendingTable) remove(id json.RawMessage) {
	t.mu.Lock()
	delete(t.entries, idKey(id))
	metrics.PendingRequests.Set(float64(len(t.entries)))
	t.mu.Unlock()
}

// failAll stops accepting new entries and completes every live entry with
// err, implementing invariant 2/the Connected->Reconnecting transition
// guarantee that no pending entry is left unresolved.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	t.accepting = false
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	metrics.PendingRequests.Set(0)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.done <- pendingResult{err: err}
	}
}

func (t *pendingTable) isPending(id json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[idKey(id)]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
