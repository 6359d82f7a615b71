package session

import "github.com/quackmore/mycoRegister/internal/client/models"

// EventKind is the closed set of session manager events.
type EventKind string

const (
	// Authentication state.
	EventAuthenticated   EventKind = "authenticated"
	EventUnauthenticated EventKind = "unauthenticated"

	// Sync-online means the app additionally believes it can talk to the
	// remote store right now. Authenticated-but-sync-offline is a
	// first-class steady state (working offline with a valid session).
	EventSyncOnline  EventKind = "sync-online"
	EventSyncOffline EventKind = "sync-offline"

	// Login / logout.
	EventLoginSuccess EventKind = "login-success"
	EventLoginFailed  EventKind = "login-failed"
	EventLogoutDone   EventKind = "logout-done"

	// Token refresh.
	EventRefreshStart   EventKind = "refresh-start"
	EventRefreshSuccess EventKind = "refresh-success"
	EventRefreshFailed  EventKind = "refresh-failed"

	// EventDecisionRequired fires when a valid session exists but no token
	// can be minted while online. This ambiguous state is never resolved
	// silently: the event carries a Resolve callback and waits for the
	// consumer's explicit choice.
	EventDecisionRequired EventKind = "decision-required"
)

// Decision is the consumer's answer to EventDecisionRequired.
type Decision int

const (
	// DecisionContinueOffline keeps the session and works from local data.
	DecisionContinueOffline Decision = iota
	// DecisionRelogin clears the session and forces a fresh login.
	DecisionRelogin
)

// Event is one session manager event. Resolve is non-nil only for
// EventDecisionRequired; it may be called at most once.
type Event struct {
	Kind    EventKind
	User    *models.User
	Reason  string
	Resolve func(Decision)
}
