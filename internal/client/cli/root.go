package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/quackmore/mycoRegister/internal/client/session"
	"github.com/quackmore/mycoRegister/internal/client/syncer"
)

func (a *App) getStatus() string {
	s := ""
	if sess := a.sessions.SessionInfo(); sess != nil {
		s = sess.Username + " "
	}
	if a.conn.Online() {
		s += "online"
	} else {
		s += "offline"
	}
	if st := a.sync.State(); st != syncer.SyncInactive {
		s += " sync:" + string(st)
	}
	return fmt.Sprintf("(%s)", s)
}

// Root runs the interactive loop until EOF or an exit command.
func (a *App) Root(ctx context.Context) {

	fmt.Fprintln(a.out, "Welcome to mycoRegister CLI (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Fprintf(a.out, "myco %s> ", a.getStatus())
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				fmt.Fprintln(a.out, "Available commands: (l)ist, add, show <id>, delete <id>, sync, forcesync, status, whoami, password, logout, exit")
			} else {
				fmt.Fprintln(a.out, "Available commands: register, login, reset, (l)ist, add, show <id>, delete <id>, status, exit")
			}

		case "register":
			a.register(ctx)
		case "login":
			a.login(ctx)
		case "logout":
			a.logout(ctx)
		case "reset":
			a.resetPassword(ctx)
		case "password":
			a.changePassword(ctx)
		case "whoami":
			a.whoami(ctx)
		case "unregister":
			a.deleteAccount(ctx)

		case "offline":
			if !a.resolveDecision(session.DecisionContinueOffline) {
				fmt.Fprintln(a.out, "Nothing to decide right now.")
			}
		case "relogin":
			if !a.resolveDecision(session.DecisionRelogin) {
				fmt.Fprintln(a.out, "Nothing to decide right now.")
			}

		case "l", "list":
			a.list(ctx)
		case "add":
			a.add(ctx)
		case "show":
			if len(args) == 0 {
				fmt.Fprintln(a.out, "Usage: show <id>")
				continue
			}
			a.show(ctx, args[0])
		case "delete":
			if len(args) == 0 {
				fmt.Fprintln(a.out, "Usage: delete <id>")
				continue
			}
			a.delete(ctx, args[0])

		case "status":
			a.status()
		case "sync":
			a.startSync(ctx)
		case "stopsync":
			a.stopSync()
		case "forcesync":
			a.forceSync(ctx)

		case "exit", "quit":
			fmt.Fprintln(a.out, "Bye!")
			return

		default:
			fmt.Fprintln(a.out, "Unknown command:", cmd)
		}
	}
}
