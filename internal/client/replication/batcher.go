package replication

import (
	"context"
	"errors"
	"time"

	"github.com/quackmore/mycoRegister/internal/client/records"
	"github.com/quackmore/mycoRegister/internal/common"
	"github.com/quackmore/mycoRegister/internal/logging"
)

// Batcher is the continuous replication driver: on every interval it pushes
// pending local edits and pulls remote changes since the last checkpoint.
// A cycle that moves nothing in either direction reports the session as
// paused. Transport failures are reported and retried on the next tick;
// a permission failure ends the session.
type Batcher struct {
	interval time.Duration
	batch    int
	log      logging.Logger
}

// NewBatcher builds a replicator exchanging up to batch documents per
// direction per cycle.
func NewBatcher(interval time.Duration, batch int, log logging.Logger) *Batcher {
	return &Batcher{interval: interval, batch: batch, log: log.With("component", "replication")}
}

type batchHandle struct {
	events chan Event
	cancel context.CancelFunc
}

func (h *batchHandle) Events() <-chan Event { return h.events }
func (h *batchHandle) Cancel()              { h.cancel() }

// Start launches the exchange loop. The returned handle's event channel is
// closed when the session ends, whether by Cancel or on its own.
func (b *Batcher) Start(ctx context.Context, local *records.Store, remote Remote) (Handle, error) {
	if local == nil || remote == nil {
		return nil, errors.New("replication: local and remote stores are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &batchHandle{
		events: make(chan Event, 32),
		cancel: cancel,
	}

	go b.run(ctx, local, remote, h.events)
	return h, nil
}

func (b *Batcher) run(ctx context.Context, local *records.Store, remote Remote, out chan<- Event) {
	defer close(out)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if done := b.cycle(ctx, local, remote, out); done {
			// A denied session ends without a completion event; recovery
			// needs an explicit stop/start cycle.
			if ctx.Err() != nil {
				b.complete(out)
			}
			return
		}
		select {
		case <-ctx.Done():
			b.complete(out)
			return
		case <-ticker.C:
		}
	}
}

// complete reports the end of a cancelled session. The send must not block
// on the cancelled context, so a full channel just drops the final event.
func (b *Batcher) complete(out chan<- Event) {
	select {
	case out <- Event{Kind: EventComplete}:
	default:
	}
}

// cycle performs one push+pull exchange. It returns true when the session
// must end (cancellation or permission failure).
func (b *Batcher) cycle(ctx context.Context, local *records.Store, remote Remote, out chan<- Event) bool {
	moved := false

	// Push pending local edits.
	pending, err := local.Pending(ctx, b.batch)
	if err != nil {
		return b.report(ctx, out, err)
	}
	if len(pending) > 0 {
		emit(ctx, out, Event{Kind: EventActive, Direction: DirectionPush})
		if err := remote.Push(ctx, pending); err != nil {
			return b.report(ctx, out, err)
		}
		ids := make([]string, len(pending))
		for i, r := range pending {
			ids[i] = r.ID
		}
		if err := local.MarkClean(ctx, ids); err != nil {
			return b.report(ctx, out, err)
		}
		moved = true
		emit(ctx, out, Event{Kind: EventChange, Direction: DirectionPush, DocsWritten: len(pending)})
	}

	// Pull remote changes since the checkpoint.
	since, err := local.Checkpoint(ctx)
	if err != nil {
		return b.report(ctx, out, err)
	}
	docs, seq, err := remote.Pull(ctx, since, b.batch)
	if err != nil {
		return b.report(ctx, out, err)
	}
	if len(docs) > 0 {
		emit(ctx, out, Event{Kind: EventActive, Direction: DirectionPull})
		// The checkpoint advances only inside the same transaction that
		// applies the documents.
		if err := local.ApplyRemote(ctx, docs, seq); err != nil {
			return b.report(ctx, out, err)
		}
		moved = true
		emit(ctx, out, Event{Kind: EventChange, Direction: DirectionPull, DocsRead: len(docs)})
	}

	if !moved {
		emit(ctx, out, Event{Kind: EventPaused})
	}
	return false
}

// report classifies a cycle error. Permission failures end the session;
// everything else is surfaced and retried on the next tick.
func (b *Batcher) report(ctx context.Context, out chan<- Event, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, common.ErrorUnauthorized) || errors.Is(err, common.ErrSyncDenied) {
		b.log.Warn(ctx, "replication denied", "error", err)
		emit(ctx, out, Event{Kind: EventDenied, Err: err})
		return true
	}
	b.log.Warn(ctx, "replication cycle failed", "error", err)
	emit(ctx, out, Event{Kind: EventError, Err: err})
	return false
}

func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
