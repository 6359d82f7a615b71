// Package connectivity detects and classifies network reachability for the
// client core. A Monitor probes a lightweight liveness endpoint, exposes the
// last-known two-valued state, and notifies subscribers only when the state
// actually changes. While down it retries with exponential backoff; while up
// it keeps re-probing at a fixed interval to catch silent API outages.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/quackmore/mycoRegister/internal/client/events"
	"github.com/quackmore/mycoRegister/internal/logging"
)

// State is the two-valued connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Prober issues the liveness probe. A nil error means the API is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Options tune the monitor's timing behavior.
type Options struct {
	// InitialRetryInterval seeds the backoff sequence while offline.
	InitialRetryInterval time.Duration
	// MaxRetryInterval caps the backoff ceiling.
	MaxRetryInterval time.Duration
	// PollingInterval is the background re-probe period while online.
	PollingInterval time.Duration
}

// Monitor is a long-lived service object; construct one per process and
// share it by reference. Multiple subscribers are supported.
type Monitor struct {
	probe   Prober
	opts    Options
	log     logging.Logger
	emitter *events.Emitter[State]

	mu         sync.Mutex
	state      State
	retryCount int
	retryTimer *time.Timer
	pollTicker *time.Ticker
	pollStop   chan struct{}
	checking   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a stopped monitor. The initial state is offline until
// the first probe succeeds.
func NewMonitor(probe Prober, opts Options, log logging.Logger) *Monitor {
	return &Monitor{
		probe:   probe,
		opts:    opts,
		log:     log.With("component", "connectivity"),
		emitter: events.NewEmitter[State](),
		state:   StateOffline,
	}
}

// Start issues the initial probe and begins monitoring. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.Check()
}

// Stop halts timers and closes all subscriber channels.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	m.stopRetryLocked()
	m.stopPollingLocked()
	m.mu.Unlock()
	m.wg.Wait()
	m.emitter.Close()
}

// Online reports the last-known state. Synchronous and cheap.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOnline
}

// Subscribe returns a channel of state transitions and a cancel function.
// Only actual changes are delivered.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	return m.emitter.Subscribe()
}

// Check forces an immediate probe. Concurrent calls coalesce: while one
// probe is in flight further calls are no-ops.
func (m *Monitor) Check() {
	m.mu.Lock()
	if m.checking || m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.checking = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.probe.Health(m.ctx)

		m.mu.Lock()
		m.checking = false
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			// Result arrived after Stop; ignore it.
			return
		}
		if err != nil {
			m.log.Debug(m.ctx, "liveness probe failed", "error", err)
			m.markOffline()
			m.scheduleRetry()
			return
		}
		m.markOnline()
	}()
}

// SetOffline short-circuits directly to the offline path without waiting
// for a probe, for platform-level signals that the link is gone.
func (m *Monitor) SetOffline() {
	m.markOffline()
	m.scheduleRetry()
}

func (m *Monitor) markOnline() {
	m.mu.Lock()
	changed := m.state != StateOnline
	m.state = StateOnline
	m.retryCount = 0
	m.stopRetryLocked()
	m.startPollingLocked()
	m.mu.Unlock()

	if changed {
		m.log.Info(m.ctx, "connectivity is online")
		m.emitter.Emit(StateOnline)
	}
}

func (m *Monitor) markOffline() {
	m.mu.Lock()
	changed := m.state != StateOffline
	m.state = StateOffline
	m.stopPollingLocked()
	m.mu.Unlock()

	if changed {
		m.log.Info(m.ctx, "connectivity is offline")
		m.emitter.Emit(StateOffline)
	}
}

// scheduleRetry arms the next probe with exponential backoff: the seed
// interval doubles per consecutive failure up to the configured ceiling.
func (m *Monitor) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	m.retryCount++
	delay := m.retryDelay(m.retryCount)

	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, m.Check)
	m.log.Debug(m.ctx, "retry scheduled", "delay", delay, "attempt", m.retryCount)
}

// retryDelay computes the backoff for the given attempt. Doubling stops at
// the ceiling so an arbitrarily long outage cannot overflow the interval.
func (m *Monitor) retryDelay(attempt int) time.Duration {
	delay := m.opts.InitialRetryInterval
	for i := 1; i < attempt; i++ {
		if delay >= m.opts.MaxRetryInterval {
			break
		}
		delay *= 2
	}
	if delay > m.opts.MaxRetryInterval || delay <= 0 {
		delay = m.opts.MaxRetryInterval
	}
	return delay
}

func (m *Monitor) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// startPollingLocked begins fixed-interval background re-probing; it
// replaces any previous polling loop.
func (m *Monitor) startPollingLocked() {
	if m.opts.PollingInterval <= 0 {
		return
	}
	m.stopPollingLocked()

	ticker := time.NewTicker(m.opts.PollingInterval)
	stop := make(chan struct{})
	m.pollTicker = ticker
	m.pollStop = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ticker.C:
				if m.Online() {
					m.Check()
				}
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) stopPollingLocked() {
	if m.pollTicker != nil {
		m.pollTicker.Stop()
		m.pollTicker = nil
	}
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}
