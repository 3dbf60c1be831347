// Package heartbeat implements the per-component liveness state machine
// (§4.8): a component is Connected as long as its heartbeat decode keeps
// changing within its timeout window, and flips to Disconnected the moment
// that window lapses. Successful reads of an unchanged value do not extend
// the window. Transitions are the only externally visible thing this
// package produces — callers own logging/publishing the change.
package heartbeat

import (
	"sync"
	"time"

	"github.com/modbusgw/gateway/internal/clock"
)

// State is a component's liveness.
type State uint8

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Machine is one component's heartbeat tracker. Safe for concurrent use:
// the main arbiter both observes poll results and checks for timeout from
// the same goroutine in practice, but tests read State()/LastChange() from
// elsewhere.
type Machine struct {
	mu         sync.Mutex
	state      State
	lastChange clock.Instant
	lastSeen   clock.Instant
	lastRead   uint64
	haveRead   bool
	timeout    time.Duration
}

// New builds a Machine starting Connected — a component is assumed live
// until its heartbeat proves otherwise (§4.8 "initial connected=true").
func New(timeout time.Duration, now clock.Instant) *Machine {
	return &Machine{state: Connected, lastChange: now, lastSeen: now, timeout: timeout}
}

// Observe folds in one heartbeat-read-decode value at `now`. It records
// `now` as last-seen unconditionally (any successful read counts), updates
// last-change if the read value differs from the previous read, and
// reports whether this observation is a false->true reconnect transition.
func (m *Machine) Observe(now clock.Instant, readValue uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = now
	if !m.haveRead || readValue != m.lastRead {
		m.lastChange = now
	}
	m.lastRead = readValue
	m.haveRead = true

	if m.state == Connected {
		return false
	}
	m.state = Connected
	return true
}

// CheckTimeout transitions to Disconnected if `now` has outrun the timeout
// window since the heartbeat's value last changed (§4.8 "now -
// last_change_time > heartbeat_timeout_ms"). Returns whether the state
// changed. The main arbiter calls this once per scheduling pass for every
// component with heartbeat enabled, regardless of whether that component
// was actually polled this pass.
func (m *Machine) CheckTimeout(now clock.Instant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disconnected {
		return false
	}
	if now.Sub(m.lastChange) <= m.timeout {
		return false
	}
	m.state = Disconnected
	m.lastChange = now
	return true
}

// State reports the current liveness.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastChange reports when the heartbeat read value last changed, or when
// the machine last flipped to Disconnected, whichever came later.
func (m *Machine) LastChange() clock.Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChange
}
