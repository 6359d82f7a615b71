package syncer

import (
	"sync"
	"time"

	"github.com/quackmore/mycoRegister/internal/client/events"
	"github.com/quackmore/mycoRegister/internal/client/replication"
)

// SyncState is the named sync-state machine exposed to the UI.
type SyncState string

const (
	SyncInactive SyncState = "inactive"
	SyncActive   SyncState = "active"
	SyncChange   SyncState = "change"
	SyncPaused   SyncState = "paused"
	SyncError    SyncState = "error"
	SyncOffline  SyncState = "offline"
	SyncComplete SyncState = "complete"
)

// ErrorCause classifies error states.
type ErrorCause string

const (
	// CauseDenied marks a permission failure from the remote store.
	CauseDenied ErrorCause = "denied"
	// CauseSync marks a transport or storage failure.
	CauseSync ErrorCause = "sync"
)

// StateEvent is one sync-state transition with its detail payload.
type StateEvent struct {
	Old         SyncState
	New         SyncState
	Direction   replication.Direction
	DocsRead    int
	DocsWritten int
	Cause       ErrorCause
	Reason      string
}

// stateCell holds the current sync state behind two write paths: an
// immediate one for high-priority states (error, offline, change) and a
// timer-coalesced one for the rest, so rapid transitions do not flicker
// through the UI while problems are never hidden.
type stateCell struct {
	mu      sync.Mutex
	state   SyncState
	pending *time.Timer
	window  time.Duration
	emitter *events.Emitter[StateEvent]
}

func newStateCell(window time.Duration) *stateCell {
	return &stateCell{
		state:   SyncInactive,
		window:  window,
		emitter: events.NewEmitter[StateEvent](),
	}
}

func (c *stateCell) current() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stateCell) subscribe() (<-chan StateEvent, func()) {
	return c.emitter.Subscribe()
}

func (c *stateCell) close() {
	c.mu.Lock()
	c.cancelPendingLocked()
	c.mu.Unlock()
	c.emitter.Close()
}

// set routes the transition onto the right write path.
func (c *stateCell) set(next SyncState, detail StateEvent) {
	c.mu.Lock()
	c.cancelPendingLocked()

	if next == SyncError || next == SyncOffline || next == SyncChange {
		c.applyLocked(next, detail)
		c.mu.Unlock()
		return
	}

	// Last write wins within the debounce window.
	c.pending = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		c.applyLocked(next, detail)
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

func (c *stateCell) cancelPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *stateCell) applyLocked(next SyncState, detail StateEvent) {
	// 'change' repeats while documents flow; every occurrence carries
	// fresh progress counters and is worth delivering.
	if c.state == next && next != SyncChange {
		return
	}
	detail.Old = c.state
	detail.New = next
	c.state = next
	c.emitter.Emit(detail)
}
