package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quackmore/mycoRegister/internal/client/api"
	"github.com/quackmore/mycoRegister/internal/client/config"
	"github.com/quackmore/mycoRegister/internal/client/connectivity"
	"github.com/quackmore/mycoRegister/internal/client/records"
	"github.com/quackmore/mycoRegister/internal/client/replication"
	"github.com/quackmore/mycoRegister/internal/client/session"
	"github.com/quackmore/mycoRegister/internal/client/storage"
	"github.com/quackmore/mycoRegister/internal/client/syncer"
	"github.com/quackmore/mycoRegister/internal/logging"

	_ "modernc.org/sqlite"
)

// App wires the client subsystems behind the interactive REPL.
type App struct {
	config   *config.Config
	conn     *connectivity.Monitor
	sessions *session.Manager
	sync     *syncer.Coordinator
	reader   *bufio.Reader
	out      *os.File

	mu      sync.Mutex
	pending func(session.Decision)
}

func NewApp(c *config.Config) (*App, error) {

	ctx := context.Background()

	lg := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	store, err := storage.NewSecureStore(c.StateDir, c.InstallMode, lg)
	if err != nil {
		return nil, fmt.Errorf("auth store init error: %w", err)
	}

	// The token source closes over the manager so rotating tokens reach
	// the transport without rewiring; the manager itself needs the client,
	// hence the forward declaration.
	var sessions *session.Manager
	apiClient := api.NewHTTPClient(c.ServerURL, func() string {
		if sessions == nil {
			return ""
		}
		return sessions.Token()
	}, c.CheckTimeout)

	conn := connectivity.NewMonitor(apiClient, connectivity.Options{
		InitialRetryInterval: c.InitialRetryInterval,
		MaxRetryInterval:     c.MaxRetryInterval,
		PollingInterval:      c.PollingInterval,
	}, lg)

	sessions = session.NewManager(apiClient, store, conn, session.Options{
		RefreshThreshold:   c.RefreshThreshold,
		SessionTTL:         c.SessionTTL,
		SessionTTLRemember: c.SessionTTLRemember,
	}, lg)

	local, err := records.Open(ctx, filepath.Join(c.StateDir, "records.db"))
	if err != nil {
		return nil, fmt.Errorf("record store init error: %w", err)
	}

	batcher := replication.NewBatcher(c.SyncInterval, c.SyncBatch, lg)
	coord := syncer.NewCoordinator(local, sessions, conn, batcher,
		func(storeID string, source api.TokenSource) replication.Remote {
			return replication.NewHTTPRemote(c.ServerURL, storeID, source)
		}, c.SyncDebounce, lg)

	return &App{
		config:   c,
		conn:     conn,
		sessions: sessions,
		sync:     coord,
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}, nil
}

// Run starts the background services, enters the REPL and tears everything
// down when the user exits.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.conn.Start(ctx)
	a.sessions.Start(ctx)
	a.sync.Start(ctx)

	go a.watchSession(ctx)
	go a.watchSyncState(ctx)

	a.Root(ctx)

	a.sync.Stop()
	a.sessions.Stop()
	a.conn.Stop()
	_ = a.sync.LocalStore().Close()
}

func (a *App) isLoggedIn() bool {
	return a.sessions.IsAuthenticated()
}

// watchSession surfaces session events the REPL commands do not already
// report themselves. A stored-credential decision is parked until the user
// answers with the "offline" or "relogin" command.
func (a *App) watchSession(ctx context.Context) {
	ch, cancel := a.sessions.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventDecisionRequired:
				a.mu.Lock()
				a.pending = ev.Resolve
				a.mu.Unlock()
				fmt.Fprintf(a.out, "\nYour saved session could not be refreshed (%s).\n", ev.Reason)
				fmt.Fprintln(a.out, "Type 'offline' to keep working with local data, or 'relogin' to sign in again.")
			case session.EventRefreshFailed:
				if ev.Reason != "" && ev.Reason != "offline" {
					fmt.Fprintf(a.out, "\nSession refresh failed: %s\n", ev.Reason)
				}
			case session.EventUnauthenticated:
				a.mu.Lock()
				a.pending = nil
				a.mu.Unlock()
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchSyncState mirrors sync-state transitions onto the terminal so the
// user can see replication progress without polling.
func (a *App) watchSyncState(ctx context.Context) {
	ch, cancel := a.sync.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.New {
			case syncer.SyncChange:
				fmt.Fprintf(a.out, "\n[sync] %s: %d read, %d written\n", ev.Direction, ev.DocsRead, ev.DocsWritten)
			case syncer.SyncError:
				fmt.Fprintf(a.out, "\n[sync] error (%s): %s\n", ev.Cause, ev.Reason)
			case syncer.SyncOffline:
				fmt.Fprintf(a.out, "\n[sync] offline: %s\n", ev.Reason)
			}
		case <-ctx.Done():
			return
		}
	}
}

// resolveDecision answers a parked session decision, if one is pending.
func (a *App) resolveDecision(d session.Decision) bool {
	a.mu.Lock()
	resolve := a.pending
	a.pending = nil
	a.mu.Unlock()

	if resolve == nil {
		return false
	}
	resolve(d)
	return true
}
