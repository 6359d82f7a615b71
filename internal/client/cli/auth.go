package cli

import (
	"context"
	"fmt"

	"github.com/quackmore/mycoRegister/internal/common"
)

func (a *App) login(ctx context.Context) {

	username, err := GetSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	password, err := GetPassword("Enter password", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(password)

	rememberMe, err := GetYesNo(a.reader, "Stay signed in on this device?", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	if err := a.sessions.Login(ctx, username, string(password), rememberMe); err != nil {
		fmt.Fprintf(a.out, "Login failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "Login successful")
}

func (a *App) logout(ctx context.Context) {
	a.sessions.Logout(ctx)
	fmt.Fprintln(a.out, "Logged out")
}

func (a *App) register(ctx context.Context) {

	username, err := GetSimpleText(a.reader, "Choose a username", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	email, err := GetSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	password, err := GetPassword("Choose a password", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(password)

	if err := a.sessions.Register(ctx, username, email, string(password)); err != nil {
		fmt.Fprintf(a.out, "Registration failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "Registered. You can log in now.")
}

func (a *App) resetPassword(ctx context.Context) {

	email, err := GetSimpleText(a.reader, "Enter the account email", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	if err := a.sessions.RequestPasswordReset(ctx, email); err != nil {
		fmt.Fprintf(a.out, "Reset request failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "If the address is registered, a reset message is on its way.")
}

func (a *App) changePassword(ctx context.Context) {

	sess := a.sessions.SessionInfo()
	if sess == nil {
		fmt.Fprintln(a.out, "Log in first.")
		return
	}

	current, err := GetPassword("Current password", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(current)

	next, err := GetPassword("New password", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(next)

	if err := a.sessions.ChangePassword(ctx, sess.Username, string(current), string(next)); err != nil {
		fmt.Fprintf(a.out, "Password change failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "Password changed")
}

func (a *App) whoami(ctx context.Context) {
	user := a.sessions.CurrentUser(ctx)
	if user == nil {
		fmt.Fprintln(a.out, "Not logged in.")
		return
	}
	fmt.Fprintf(a.out, "%s <%s> role=%s\n", user.Username, user.Email, user.Role)
}

func (a *App) deleteAccount(ctx context.Context) {

	sess := a.sessions.SessionInfo()
	if sess == nil {
		fmt.Fprintln(a.out, "Log in first.")
		return
	}

	sure, err := GetYesNo(a.reader, "Delete the account and all remote data? This cannot be undone.", a.out)
	if err != nil || !sure {
		return
	}

	password, err := GetPassword("Confirm with your password", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(password)

	if err := a.sessions.DeleteAccount(ctx, sess.Username, string(password)); err != nil {
		fmt.Fprintf(a.out, "Account deletion failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "Account deleted")
}
