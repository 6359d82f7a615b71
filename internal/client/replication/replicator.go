// Package replication drives the continuous bidirectional document exchange
// between the local record store and a remote store. The wire protocol is
// hidden behind the Remote interface; this package only orchestrates a
// running session and projects its progress as events.
package replication

import (
	"context"

	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/client/records"
)

// Direction labels which way documents moved in a change event.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// EventKind is the closed set of replication session events.
type EventKind string

const (
	// EventActive fires when an exchange cycle begins moving documents.
	EventActive EventKind = "active"
	// EventChange reports documents moved in one direction.
	EventChange EventKind = "change"
	// EventPaused fires when both sides are caught up.
	EventPaused EventKind = "paused"
	// EventDenied reports a permission failure; the session ends.
	EventDenied EventKind = "denied"
	// EventError reports a transport or storage failure; the session
	// keeps retrying on its interval.
	EventError EventKind = "error"
	// EventComplete fires when the session ends without cancellation.
	EventComplete EventKind = "complete"
)

// Event is one replication session event with its detail payload.
type Event struct {
	Kind        EventKind
	Direction   Direction
	DocsRead    int
	DocsWritten int
	Err         error
}

// Handle controls a live replication session.
type Handle interface {
	// Events streams session events until the session ends.
	Events() <-chan Event
	// Cancel stops the session; the event channel is closed afterwards.
	Cancel()
}

// Remote is the remote store bound to the current access token. Push sends
// locally edited documents; Pull returns remote documents after the given
// checkpoint together with the new checkpoint.
type Remote interface {
	Push(ctx context.Context, docs []models.Record) error
	Pull(ctx context.Context, since int64, limit int) ([]models.Record, int64, error)
}

// Replicator starts replication sessions between a local store and a remote.
type Replicator interface {
	Start(ctx context.Context, local *records.Store, remote Remote) (Handle, error)
}
