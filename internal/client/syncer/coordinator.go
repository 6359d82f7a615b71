// Package syncer owns the local durable store handle and the remote store
// binding, and drives the continuous bidirectional replication session in
// response to auth and connectivity events. It exposes a debounced, named
// sync-state machine to the rest of the application.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/quackmore/mycoRegister/internal/client/api"
	"github.com/quackmore/mycoRegister/internal/client/connectivity"
	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/client/records"
	"github.com/quackmore/mycoRegister/internal/client/replication"
	"github.com/quackmore/mycoRegister/internal/client/session"
	"github.com/quackmore/mycoRegister/internal/logging"
)

// SessionService is the slice of the session manager the coordinator needs.
type SessionService interface {
	IsAuthenticated() bool
	IsSyncOnline() bool
	SessionInfo() *models.Session
	Token() string
	RefreshToken(ctx context.Context) (bool, error)
	Subscribe() (<-chan session.Event, func())
}

// RemoteFactory builds the remote store binding for a given store id. The
// token source is read per request so rotating tokens apply without tearing
// down the binding.
type RemoteFactory func(storeID string, source api.TokenSource) replication.Remote

// ForceResult reports the outcome of ForceSyncNow. When preconditions are
// not met the Reason field names the missing one instead of erroring.
type ForceResult struct {
	Success bool
	Reason  string // "offline", "unauthenticated", "remote-binding-failed"
}

// Coordinator is the sync coordinator. Construct one per process.
type Coordinator struct {
	local      *records.Store
	sessions   SessionService
	conn       *connectivity.Monitor
	replicator replication.Replicator
	newRemote  RemoteFactory
	log        logging.Logger
	cell       *stateCell

	mu sync.Mutex
	// starting reserves the session slot while replicator.Start is in
	// flight, so concurrent StartSync calls cannot start a second session.
	starting      bool
	stopPending   bool
	handle        replication.Handle
	remote        replication.Remote
	remoteStoreID string
	manualStop    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the coordinator. The local store must already be
// open: local-only operation works regardless of auth state.
func NewCoordinator(local *records.Store, sessions SessionService, conn *connectivity.Monitor,
	replicator replication.Replicator, newRemote RemoteFactory, debounce time.Duration, log logging.Logger) *Coordinator {
	return &Coordinator{
		local:      local,
		sessions:   sessions,
		conn:       conn,
		replicator: replicator,
		newRemote:  newRemote,
		log:        log.With("component", "syncer"),
		cell:       newStateCell(debounce),
	}
}

// LocalStore returns the always-available local store handle.
func (c *Coordinator) LocalStore() *records.Store { return c.local }

// State returns the current sync state.
func (c *Coordinator) State() SyncState { return c.cell.current() }

// Subscribe returns the sync-state event stream.
func (c *Coordinator) Subscribe() (<-chan StateEvent, func()) { return c.cell.subscribe() }

// Start begins reacting to session and connectivity events and, when the
// client is already sync-online, starts replication immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	sessionEvents, cancelSessions := c.sessions.Subscribe()
	connEvents, cancelConn := c.conn.Subscribe()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelSessions()
		defer cancelConn()
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-sessionEvents:
				if !ok {
					return
				}
				c.onSessionEvent(ev)
			case st, ok := <-connEvents:
				if !ok {
					return
				}
				c.onConnectivity(st)
			}
		}
	}()

	if c.sessions.IsSyncOnline() && c.conn.Online() {
		c.StartSync(c.ctx)
	}
}

// Stop cancels any live replication session and the event loop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.StopSync()
	c.wg.Wait()
	c.cell.close()
}

func (c *Coordinator) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSyncOnline:
		if c.rebindRemote() && c.conn.Online() {
			c.StartSync(c.ctx)
		}
	case session.EventSyncOffline:
		c.StopSync()
		c.invalidateRemote(false)
	case session.EventUnauthenticated:
		c.StopSync()
		c.invalidateRemote(true)
	case session.EventRefreshSuccess:
		// Tokens rotated: rebuild the binding and restart any session so
		// the fresh credentials apply everywhere.
		if !c.sessions.IsSyncOnline() {
			return
		}
		if c.rebindRemote() && c.conn.Online() {
			c.StopSync()
			c.StartSync(c.ctx)
		}
	}
}

func (c *Coordinator) onConnectivity(st connectivity.State) {
	switch st {
	case connectivity.StateOnline:
		if c.sessions.IsAuthenticated() && c.sessions.IsSyncOnline() {
			c.StartSync(c.ctx)
		}
	case connectivity.StateOffline:
		// Stopping due to connection loss, not user action.
		c.stopSession(false)
		c.cell.set(SyncOffline, StateEvent{Reason: "connection lost"})
	}
}

// rebindRemote (re)builds the remote store binding from the current session
// record. Returns false when no token or store id is available.
func (c *Coordinator) rebindRemote() bool {
	token := c.sessions.Token()
	if token == "" {
		c.log.Warn(c.ctx, "cannot bind remote store: no access token")
		c.invalidateRemote(false)
		return false
	}

	c.mu.Lock()
	storeID := c.remoteStoreID
	c.mu.Unlock()
	if storeID == "" {
		sess := c.sessions.SessionInfo()
		if sess == nil || sess.RemoteStoreID == "" {
			c.log.Warn(c.ctx, "cannot bind remote store: no remote store id")
			c.invalidateRemote(false)
			return false
		}
		storeID = sess.RemoteStoreID
	}

	remote := c.newRemote(storeID, c.sessions.Token)

	c.mu.Lock()
	c.remote = remote
	c.remoteStoreID = storeID
	c.mu.Unlock()
	c.log.Info(c.ctx, "remote store bound", "store", storeID)
	return true
}

// invalidateRemote drops the binding; forgetID also forgets the store id
// (on logout the next user may replicate elsewhere).
func (c *Coordinator) invalidateRemote(forgetID bool) {
	c.mu.Lock()
	c.remote = nil
	if forgetID {
		c.remoteStoreID = ""
	}
	c.mu.Unlock()
}

// StartSync starts the continuous replication session if all conditions
// hold: connectivity up, remote binding constructed, and no session already
// running. A second StartSync while one is active is a no-op, not an error.
func (c *Coordinator) StartSync(ctx context.Context) {
	if !c.conn.Online() {
		c.log.Info(ctx, "cannot start sync: offline")
		c.cell.set(SyncOffline, StateEvent{Reason: "offline"})
		return
	}

	c.mu.Lock()
	if c.handle != nil || c.starting {
		c.mu.Unlock()
		c.log.Debug(ctx, "sync already in progress")
		return
	}
	c.starting = true
	remote := c.remote
	c.mu.Unlock()

	if remote == nil {
		if !c.rebindRemote() {
			c.abortStart()
			c.log.Warn(ctx, "cannot start sync: remote store not bound")
			return
		}
		c.mu.Lock()
		remote = c.remote
		c.mu.Unlock()
	}

	handle, err := c.replicator.Start(ctx, c.local, remote)
	if err != nil {
		c.abortStart()
		c.log.Error(ctx, "failed to start replication", "error", err)
		c.cell.set(SyncError, StateEvent{Cause: CauseSync, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.starting = false
	if c.stopPending {
		// A stop arrived while the session was being started; it wins.
		c.stopPending = false
		c.mu.Unlock()
		handle.Cancel()
		return
	}
	c.handle = handle
	c.manualStop = false
	c.mu.Unlock()

	c.cell.set(SyncActive, StateEvent{Reason: "starting synchronization"})
	c.log.Info(ctx, "sync started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, handle)
	}()
}

// abortStart releases the session slot after a failed start attempt.
func (c *Coordinator) abortStart() {
	c.mu.Lock()
	c.starting = false
	c.stopPending = false
	c.mu.Unlock()
}

// consume projects replication session events onto the sync-state machine.
func (c *Coordinator) consume(ctx context.Context, handle replication.Handle) {
	for ev := range handle.Events() {
		switch ev.Kind {
		case replication.EventActive:
			c.cell.set(SyncActive, StateEvent{Direction: ev.Direction})
		case replication.EventChange:
			// Applied immediately so the UI can show live progress.
			c.cell.set(SyncChange, StateEvent{
				Direction:   ev.Direction,
				DocsRead:    ev.DocsRead,
				DocsWritten: ev.DocsWritten,
			})
		case replication.EventPaused:
			c.cell.set(SyncPaused, StateEvent{})
		case replication.EventDenied:
			// A denied session must not auto-retry; recovery needs a
			// stop/start cycle. A token refresh may provide one via the
			// refresh-success event.
			c.cell.set(SyncError, StateEvent{Cause: CauseDenied, Reason: ev.Err.Error()})
			c.stopSession(false)
			c.requestRefresh(ctx)
			return
		case replication.EventError:
			c.cell.set(SyncError, StateEvent{Cause: CauseSync, Reason: ev.Err.Error()})
		case replication.EventComplete:
			c.mu.Lock()
			manual := c.manualStop
			c.mu.Unlock()
			// A natural completion from a cancelled handle is not a real
			// one; offline state must not be papered over either.
			if !manual && c.cell.current() != SyncOffline {
				c.cell.set(SyncComplete, StateEvent{})
			}
		}
	}
}

// requestRefresh asks the session manager for a silent refresh after an
// authentication-class replication failure.
func (c *Coordinator) requestRefresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.sessions.RefreshToken(ctx); err != nil {
		c.log.Warn(ctx, "silent refresh after denied sync failed", "error", err)
	}
}

// StopSync cancels the replication session and marks the stop as
// intentional. An offline or error state is never overwritten by a routine
// stop.
func (c *Coordinator) StopSync() {
	c.stopSession(true)
}

func (c *Coordinator) stopSession(manual bool) {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	if c.starting {
		c.stopPending = true
	}
	if handle != nil {
		c.manualStop = manual
	}
	c.mu.Unlock()

	if handle == nil {
		return
	}
	handle.Cancel()
	c.log.Info(c.ctx, "sync stopped", "manual", manual)

	if manual {
		if st := c.cell.current(); st != SyncOffline && st != SyncError {
			c.cell.set(SyncInactive, StateEvent{Reason: "sync stopped"})
		}
	}
}

// ForceSyncNow stops and restarts replication unconditionally, reporting a
// structured reason when preconditions are not met rather than erroring.
func (c *Coordinator) ForceSyncNow(ctx context.Context) ForceResult {
	if !c.conn.Online() {
		return ForceResult{Reason: "offline"}
	}
	if !c.sessions.IsAuthenticated() {
		return ForceResult{Reason: "unauthenticated"}
	}
	if !c.rebindRemote() {
		return ForceResult{Reason: "remote-binding-failed"}
	}

	c.StopSync()
	c.StartSync(ctx)

	c.mu.Lock()
	started := c.handle != nil
	c.mu.Unlock()
	if !started {
		return ForceResult{Reason: "remote-binding-failed"}
	}
	return ForceResult{Success: true}
}
