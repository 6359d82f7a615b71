package cli

import (
	"context"
	"fmt"
)

func (a *App) status() {
	online := "offline"
	if a.conn.Online() {
		online = "online"
	}
	fmt.Fprintf(a.out, "connectivity: %s\n", online)

	if sess := a.sessions.SessionInfo(); sess != nil {
		mode := "sync-offline"
		if a.sessions.IsSyncOnline() {
			mode = "sync-online"
		}
		fmt.Fprintf(a.out, "session:      %s (%s, expires %s)\n",
			sess.Username, mode, sess.SessionExpiry.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Fprintln(a.out, "session:      none")
	}

	fmt.Fprintf(a.out, "sync state:   %s\n", a.sync.State())
}

func (a *App) startSync(ctx context.Context) {
	if !a.isLoggedIn() {
		fmt.Fprintln(a.out, "Log in first.")
		return
	}
	a.sync.StartSync(ctx)
	fmt.Fprintln(a.out, "Synchronization started")
}

func (a *App) stopSync() {
	a.sync.StopSync()
	fmt.Fprintln(a.out, "Synchronization stopped")
}

func (a *App) forceSync(ctx context.Context) {
	res := a.sync.ForceSyncNow(ctx)
	if res.Success {
		fmt.Fprintln(a.out, "Synchronization restarted")
		return
	}
	fmt.Fprintf(a.out, "Cannot sync now: %s\n", res.Reason)
}
