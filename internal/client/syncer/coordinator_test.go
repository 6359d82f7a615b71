package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quackmore/mycoRegister/internal/client/api"
	"github.com/quackmore/mycoRegister/internal/client/connectivity"
	"github.com/quackmore/mycoRegister/internal/client/events"
	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/client/records"
	"github.com/quackmore/mycoRegister/internal/client/replication"
	"github.com/quackmore/mycoRegister/internal/client/session"
	"github.com/quackmore/mycoRegister/internal/logging"

	_ "modernc.org/sqlite"
)

// ---- fakes ----

type fakeSessions struct {
	mu            sync.Mutex
	authenticated bool
	syncOnline    bool
	sess          *models.Session
	token         string
	refreshCalls  int
	emitter       *events.Emitter[session.Event]
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{emitter: events.NewEmitter[session.Event]()}
}

func (f *fakeSessions) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeSessions) IsSyncOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncOnline
}

func (f *fakeSessions) SessionInfo() *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeSessions) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSessions) RefreshToken(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return false, nil
}

func (f *fakeSessions) Subscribe() (<-chan session.Event, func()) {
	return f.emitter.Subscribe()
}

func (f *fakeSessions) loggedIn(storeID string) {
	f.mu.Lock()
	f.authenticated = true
	f.syncOnline = true
	f.token = "tok"
	f.sess = &models.Session{Username: "alice", RemoteStoreID: storeID}
	f.mu.Unlock()
}

func (f *fakeSessions) refreshCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fakeHandle struct {
	events chan replication.Event
	once   sync.Once
	mu     sync.Mutex
	done   bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan replication.Event, 16)}
}

func (h *fakeHandle) Events() <-chan replication.Event { return h.events }

func (h *fakeHandle) Cancel() {
	h.once.Do(func() {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		close(h.events)
	})
}

func (h *fakeHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

type fakeReplicator struct {
	mu      sync.Mutex
	starts  int
	entered int
	gate    chan struct{} // when set, Start blocks until the gate is closed
	handles []*fakeHandle
}

func (f *fakeReplicator) Start(ctx context.Context, local *records.Store, remote replication.Remote) (replication.Handle, error) {
	f.mu.Lock()
	f.entered++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	h := newFakeHandle()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeReplicator) enteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

func (f *fakeReplicator) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeReplicator) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type nopRemote struct{ storeID string }

func (nopRemote) Push(ctx context.Context, docs []models.Record) error { return nil }
func (nopRemote) Pull(ctx context.Context, since int64, limit int) ([]models.Record, int64, error) {
	return nil, since, nil
}

type stubProber struct {
	mu  sync.Mutex
	err error
}

func (p *stubProber) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubProber) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// ---- harness ----

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fixture struct {
	sessions *fakeSessions
	probe    *stubProber
	conn     *connectivity.Monitor
	repl     *fakeReplicator
	coord    *Coordinator

	mu       sync.Mutex
	bindings []string
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()

	local, err := records.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	probe := &stubProber{}
	if !online {
		probe.setErr(errors.New("unreachable"))
	}
	conn := connectivity.NewMonitor(probe, connectivity.Options{
		InitialRetryInterval: time.Hour,
		MaxRetryInterval:     time.Hour,
	}, testLogger())
	conn.Start(context.Background())
	t.Cleanup(conn.Stop)
	require.Eventually(t, func() bool { return conn.Online() == online },
		2*time.Second, 5*time.Millisecond)

	f := &fixture{
		sessions: newFakeSessions(),
		probe:    probe,
		conn:     conn,
		repl:     &fakeReplicator{},
	}
	factory := func(storeID string, source api.TokenSource) replication.Remote {
		f.mu.Lock()
		f.bindings = append(f.bindings, storeID)
		f.mu.Unlock()
		return nopRemote{storeID: storeID}
	}
	f.coord = NewCoordinator(local, f.sessions, conn, f.repl, factory, 10*time.Millisecond, testLogger())
	return f
}

func (f *fixture) bindingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings)
}

func waitState(t *testing.T, c *Coordinator, want SyncState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state is %s, want %s", c.State(), want)
}

// ---- tests ----

func TestStartSync_HappyPath(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")

	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)

	waitState(t, f.coord, SyncActive)
	assert.Equal(t, 1, f.repl.startCount())

	f.mu.Lock()
	bindings := append([]string(nil), f.bindings...)
	f.mu.Unlock()
	assert.Equal(t, []string{"userdb-alice"}, bindings)
}

func TestStartSync_SecondCallIsNoOp(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")

	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)

	f.coord.StartSync(context.Background())
	f.coord.StartSync(context.Background())
	assert.Equal(t, 1, f.repl.startCount(), "a running session must not be restarted")
}

func TestStartSync_ConcurrentCallsStartOneSession(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	t.Cleanup(f.coord.StopSync)

	gate := make(chan struct{})
	f.repl.mu.Lock()
	f.repl.gate = gate
	f.repl.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.coord.StartSync(context.Background())
		}()
	}

	// One caller holds the session slot inside the replicator; the rest
	// must bail out without waiting for it.
	require.Eventually(t, func() bool { return f.repl.enteredCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.repl.startCount(), "at most one replication session may ever be live")
	assert.Equal(t, 1, f.repl.enteredCount())
}

func TestStopSync_DuringStartCancelsTheNewSession(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")

	gate := make(chan struct{})
	f.repl.mu.Lock()
	f.repl.gate = gate
	f.repl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.coord.StartSync(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return f.repl.enteredCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	f.coord.StopSync()
	close(gate)
	<-done

	require.Eventually(t, func() bool {
		h := f.repl.lastHandle()
		return h != nil && h.cancelled()
	}, 2*time.Second, 5*time.Millisecond)

	f.coord.mu.Lock()
	handle := f.coord.handle
	f.coord.mu.Unlock()
	assert.Nil(t, handle, "a stop racing a start must win")
}

func TestStartSync_OfflineReportsOfflineState(t *testing.T) {
	f := newFixture(t, false)
	f.sessions.loggedIn("userdb-alice")

	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)

	f.coord.StartSync(context.Background())
	waitState(t, f.coord, SyncOffline)
	assert.Zero(t, f.repl.startCount())
}

func TestSessionSyncOnline_StartsReplication(t *testing.T) {
	f := newFixture(t, true)

	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	assert.Zero(t, f.repl.startCount())

	f.sessions.loggedIn("userdb-alice")
	f.sessions.emitter.Emit(session.Event{Kind: session.EventSyncOnline})

	waitState(t, f.coord, SyncActive)
	assert.Equal(t, 1, f.repl.startCount())
}

func TestUnauthenticated_StopsAndForgetsBinding(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)
	handle := f.repl.lastHandle()

	f.sessions.mu.Lock()
	f.sessions.authenticated = false
	f.sessions.syncOnline = false
	f.sessions.token = ""
	f.sessions.sess = nil
	f.sessions.mu.Unlock()
	f.sessions.emitter.Emit(session.Event{Kind: session.EventUnauthenticated})

	require.Eventually(t, func() bool { return handle.cancelled() }, 2*time.Second, 5*time.Millisecond)
	waitState(t, f.coord, SyncInactive)

	f.coord.mu.Lock()
	storeID := f.coord.remoteStoreID
	f.coord.mu.Unlock()
	assert.Empty(t, storeID, "logout must forget the previous user's store id")
}

func TestConnectivityLoss_StopsSessionAsOffline(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)
	handle := f.repl.lastHandle()

	f.probe.setErr(errors.New("unreachable"))
	f.conn.SetOffline()

	require.Eventually(t, func() bool { return handle.cancelled() }, 2*time.Second, 5*time.Millisecond)
	waitState(t, f.coord, SyncOffline)

	// an unintentional stop must never present as a routine inactive state
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, SyncOffline, f.coord.State())
}

func TestChangeEventsCarryProgress(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)

	ch, cancel := f.coord.Subscribe()
	defer cancel()

	f.repl.lastHandle().events <- replication.Event{
		Kind:        replication.EventChange,
		Direction:   replication.DirectionPull,
		DocsRead:    12,
		DocsWritten: 0,
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.New != SyncChange {
				continue
			}
			assert.Equal(t, replication.DirectionPull, ev.Direction)
			assert.Equal(t, 12, ev.DocsRead)
			return
		case <-deadline:
			t.Fatal("no change event delivered")
		}
	}
}

func TestDeniedSession_NoAutoRetry(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)
	handle := f.repl.lastHandle()

	handle.events <- replication.Event{Kind: replication.EventDenied, Err: errors.New("forbidden")}

	waitState(t, f.coord, SyncError)
	require.Eventually(t, func() bool { return handle.cancelled() }, 2*time.Second, 5*time.Millisecond)

	// a denied session asks the session manager for a refresh, once, and
	// does not blindly restart replication
	require.Eventually(t, func() bool { return f.sessions.refreshCallCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.repl.startCount())
	assert.Equal(t, SyncError, f.coord.State())
}

func TestRefreshSuccess_RebindsAndRestarts(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)
	first := f.repl.lastHandle()

	f.sessions.emitter.Emit(session.Event{Kind: session.EventRefreshSuccess})

	require.Eventually(t, func() bool { return f.repl.startCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, first.cancelled(), "the old session must be torn down on token rotation")
	assert.GreaterOrEqual(t, f.bindingCount(), 2, "the remote binding must be rebuilt")
}

func TestStopSync_Manual(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)

	f.coord.StopSync()
	waitState(t, f.coord, SyncInactive)
}

func TestStopSync_DoesNotMaskErrorState(t *testing.T) {
	f := newFixture(t, true)
	f.sessions.loggedIn("userdb-alice")
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	waitState(t, f.coord, SyncActive)

	f.repl.lastHandle().events <- replication.Event{Kind: replication.EventError, Err: errors.New("boom")}
	waitState(t, f.coord, SyncError)

	f.coord.StopSync()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, SyncError, f.coord.State(), "a routine stop must not hide an error state")
}

func TestForceSyncNow(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		f := newFixture(t, false)
		f.sessions.loggedIn("userdb-alice")
		res := f.coord.ForceSyncNow(context.Background())
		assert.False(t, res.Success)
		assert.Equal(t, "offline", res.Reason)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newFixture(t, true)
		res := f.coord.ForceSyncNow(context.Background())
		assert.False(t, res.Success)
		assert.Equal(t, "unauthenticated", res.Reason)
	})

	t.Run("no token", func(t *testing.T) {
		f := newFixture(t, true)
		f.sessions.mu.Lock()
		f.sessions.authenticated = true
		f.sessions.mu.Unlock()
		res := f.coord.ForceSyncNow(context.Background())
		assert.False(t, res.Success)
		assert.Equal(t, "remote-binding-failed", res.Reason)
	})

	t.Run("restarts a running session", func(t *testing.T) {
		f := newFixture(t, true)
		f.sessions.loggedIn("userdb-alice")
		f.coord.Start(context.Background())
		t.Cleanup(f.coord.Stop)
		waitState(t, f.coord, SyncActive)
		first := f.repl.lastHandle()

		res := f.coord.ForceSyncNow(context.Background())
		assert.True(t, res.Success)
		assert.True(t, first.cancelled())
		assert.Equal(t, 2, f.repl.startCount())
	})
}

func TestStateCell_DebounceCoalesces(t *testing.T) {
	cell := newStateCell(30 * time.Millisecond)
	ch, cancel := cell.subscribe()
	defer cancel()
	defer cell.close()

	// rapid transitions within the window: only the last lands
	cell.set(SyncActive, StateEvent{})
	cell.set(SyncPaused, StateEvent{})
	cell.set(SyncComplete, StateEvent{})

	select {
	case ev := <-ch:
		assert.Equal(t, SyncComplete, ev.New)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced transition never delivered")
	}
	assert.Equal(t, SyncComplete, cell.current())
}

func TestStateCell_ErrorBypassesDebounce(t *testing.T) {
	cell := newStateCell(time.Hour)
	defer cell.close()

	cell.set(SyncActive, StateEvent{}) // parked behind the huge window
	cell.set(SyncError, StateEvent{Cause: CauseSync, Reason: "boom"})

	assert.Equal(t, SyncError, cell.current(), "errors must apply immediately")
}

func TestStateCell_RepeatedChangeIsRedelivered(t *testing.T) {
	cell := newStateCell(10 * time.Millisecond)
	ch, cancel := cell.subscribe()
	defer cancel()
	defer cell.close()

	cell.set(SyncChange, StateEvent{DocsRead: 1})
	cell.set(SyncChange, StateEvent{DocsRead: 2})

	first := <-ch
	second := <-ch
	assert.Equal(t, 1, first.DocsRead)
	assert.Equal(t, 2, second.DocsRead)
}
