// Package connmgr drives the receiver's connection lifecycle state machine
// and reconnect policy. The backoff-with-jitter loop is grounded directly on
// the teacher's internal/websocket/client.go reconnectLoop: same shape
// (exponential backoff, jitter fraction, reset on success), generalized
// here to a bounded attempt count and an explicit state machine the rest of
// the receiver can observe instead of just "connected or not".
package connmgr

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("connmgr")

// State is the connection manager's current lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaitingForAuth
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateWaitingForAuth:
		return "WaitingForAuth"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureReason explains why the manager landed in StateFailed.
type FailureReason string

const (
	FailureMaxAttemptsExceeded FailureReason = "max_attempts_exceeded"
	FailureConnectTimeout      FailureReason = "connect_timeout"
	FailureAuthRejected        FailureReason = "auth_rejected"
	FailureStopped             FailureReason = "stopped"
)

// BackoffConfig parameterizes the reconnect schedule.
type BackoffConfig struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
	Jitter      float64 // fraction of the current backoff, e.g. 0.3 = +/-30%
}

// DefaultBackoff matches spec.md's standard profile.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Multiplier: 1.5, Max: 30 * time.Second, MaxAttempts: 5, Jitter: 0.3}
}

// AggressiveBackoff reconnects faster and retries more, for interactive
// sessions willing to trade server load for faster recovery.
func AggressiveBackoff() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Multiplier: 1.2, Max: 10 * time.Second, MaxAttempts: 10, Jitter: 0.3}
}

// ConnectTimeout bounds how long a single connect attempt (through to
// StateConnected) is allowed to take before it counts as a failure.
const ConnectTimeout = 15 * time.Second

// Observer receives lifecycle callbacks. Any nil field is skipped.
type Observer struct {
	OnConnect        func()
	OnDisconnect     func(err error)
	OnReconnectStart func(attempt int)
	OnReconnectOK    func()
	OnReconnectFailed func(reason FailureReason)
}

// ConnectFunc performs one connection attempt, blocking until the
// connection ends (cleanly or otherwise) or ctx is canceled. A nil error
// returned after the manager's own context is canceled ends Run; a nil error
// returned while that context is still live counts as a disconnect and is
// followed by a reconnect, like any other error.
type ConnectFunc func(ctx context.Context) error

// Manager runs ConnectFunc in a loop, reconnecting per BackoffConfig on
// failure and reporting state transitions to Observer.
type Manager struct {
	backoff  BackoffConfig
	observer Observer

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager in StateDisconnected.
func New(backoff BackoffConfig, observer Observer) *Manager {
	return &Manager{backoff: backoff, observer: observer, state: StateDisconnected}
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run starts the connect/reconnect loop and blocks until ctx is canceled or
// the manager gives up after MaxAttempts. connect is invoked once per
// attempt; a return after ctx is canceled ends the loop, and any other
// return (nil included) schedules a reconnect.
func (m *Manager) Run(ctx context.Context, connect ConnectFunc) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	defer close(m.done)

	attempt := 0
	backoff := m.backoff.Base

	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		default:
		}

		m.setState(StateConnecting)
		if attempt > 0 && m.observer.OnReconnectStart != nil {
			m.observer.OnReconnectStart(attempt)
		}

		attemptCtx, attemptCancel := context.WithCancel(ctx)
		connectTimer := time.AfterFunc(ConnectTimeout, func() {
			if m.State() != StateConnected {
				attemptCancel()
			}
		})
		err := connect(attemptCtx)
		connectTimer.Stop()
		attemptCancel()

		if err == nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			// connect returned nil without ctx being canceled: treat as a
			// clean disconnect, eligible for reconnect like any other.
			err = context.Canceled
		}

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		if m.State() == StateConnected {
			attempt = 0
			backoff = m.backoff.Base
		}

		if m.observer.OnDisconnect != nil {
			m.observer.OnDisconnect(err)
		}

		attempt++
		if attempt > m.backoff.MaxAttempts {
			m.setState(StateFailed)
			if m.observer.OnReconnectFailed != nil {
				m.observer.OnReconnectFailed(FailureMaxAttemptsExceeded)
			}
			return
		}

		m.setState(StateReconnecting)

		jitter := time.Duration(float64(backoff) * m.backoff.Jitter * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		log.Info("reconnecting", "attempt", attempt, "delay", sleep)
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * m.backoff.Multiplier)
		if backoff > m.backoff.Max {
			backoff = m.backoff.Max
		}
	}
}

// MarkConnected lets the caller report that the connection (and any
// subsequent auth handshake) completed, resetting the attempt counter for
// the next failure and notifying the observer.
func (m *Manager) MarkConnected() {
	m.setState(StateConnected)
	if m.observer.OnConnect != nil {
		m.observer.OnConnect()
	}
	if m.observer.OnReconnectOK != nil {
		m.observer.OnReconnectOK()
	}
}

// MarkWaitingForAuth transitions to StateWaitingForAuth, between a
// successful transport connect and session authentication completing.
func (m *Manager) MarkWaitingForAuth() {
	m.setState(StateWaitingForAuth)
}

// Stop cancels the running loop, if any, and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
