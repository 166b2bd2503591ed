// Package radiostate holds the radio, SIM, and data-connection state
// machines (spec §4.F) and the admission policy (§4.E) that gates which
// requests are admissible in which radio state.
//
// Each piece of shared mutable state gets its own mutex, per the design
// note in spec §9, rather than one lock covering all of it: the host
// ABI's current-state query must never block behind a slow transition of
// an unrelated piece of state.
package radiostate

import (
	"errors"
	"sync"
)

// Radio is the radio/SIM attach-cycle state (§4.F).
type Radio int

const (
	Unavailable Radio = iota
	Off
	SIMNotReady
	SIMLockedOrAbsent
	SIMReady
)

func (r Radio) String() string {
	switch r {
	case Unavailable:
		return "UNAVAILABLE"
	case Off:
		return "OFF"
	case SIMNotReady:
		return "SIM_NOT_READY"
	case SIMLockedOrAbsent:
		return "SIM_LOCKED_OR_ABSENT"
	case SIMReady:
		return "SIM_READY"
	default:
		return "UNKNOWN"
	}
}

// SIMStatus is the classification of a PIN-status poll reply (§4.F SIM
// poll algorithm).
type SIMStatus int

const (
	SIMAbsent SIMStatus = iota
	SIMStatusNotReady
	SIMStatusReady
	SIMPIN
	SIMPUK
	SIMNetworkPerso
	// SIMPowerOff is the "SIM state == 7" condition (§4.F, §9 Open
	// Questions): empirically a catastrophic SIM failure that only
	// recovers via a reset cycle.
	SIMPowerOff
)

// ConnState is the data-call connection state (§4.F, driven by
// `*E2NAP:`).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the (state, cause) tuple reported by `*E2NAP:`.
type Connection struct {
	State ConnState
	Cause int
}

// Hooks are the side effects the Model triggers on state transitions.
// They are invoked with no lock held, so they are free to call back into
// the Model or the scheduler. Any hook left nil is a no-op.
type Hooks struct {
	// OnSIMReady fires once when the SIM transitions to SIMReady; the
	// engine uses it to enqueue the post-SIM initialization sequence
	// (§6) on the priority queue.
	OnSIMReady func()
	// OnSIMNotReady fires once when the radio transitions to
	// SIMNotReady; the engine uses it to enqueue the first SIM poll.
	OnSIMNotReady func()
	// OnConnectionChanged fires on every connection state change other
	// than Connecting; the engine uses it to enqueue a
	// data-call-list-changed event on priority.
	OnConnectionChanged func(Connection)
	// OnSIMPoll fires with the SIMStatus classification of a poll
	// reply; the engine reschedules per §4.F (1s retry for NotReady, a
	// 60s reset loop for PowerOff).
	OnSIMPoll func(SIMStatus)
}

// Model is the process-wide radio/SIM/connection state, each cell guarded
// by its own mutex.
type Model struct {
	hooks Hooks

	radioMu        sync.RWMutex
	radio          Radio
	hotSwapPending bool

	connMu sync.RWMutex
	conn   Connection
}

// New creates a Model starting in Unavailable, the state before any
// transport has been opened.
func New(hooks Hooks) *Model {
	return &Model{hooks: hooks, radio: Unavailable}
}

// Radio returns the current radio state.
func (m *Model) Radio() Radio {
	m.radioMu.RLock()
	defer m.radioMu.RUnlock()
	return m.radio
}

func (m *Model) setRadio(r Radio) {
	m.radioMu.Lock()
	prev := m.radio
	m.radio = r
	m.radioMu.Unlock()
	if prev != r {
		switch r {
		case SIMReady:
			if m.hooks.OnSIMReady != nil {
				m.hooks.OnSIMReady()
			}
		case SIMNotReady:
			if m.hooks.OnSIMNotReady != nil {
				m.hooks.OnSIMNotReady()
			}
		}
	}
}

// TransportOpened records a successful transport open: Unavailable -> Off.
func (m *Model) TransportOpened() {
	m.setRadio(Off)
}

// SetPower applies a radio-power request's value: >0 moves to
// SIMNotReady, 0 moves to Off.
func (m *Model) SetPower(on bool) {
	if on {
		m.setRadio(SIMNotReady)
	} else {
		m.setRadio(Off)
	}
}

// SIMPollResult applies the classification of a SIM poll reply (§4.F).
func (m *Model) SIMPollResult(status SIMStatus) {
	if m.hooks.OnSIMPoll != nil {
		m.hooks.OnSIMPoll(status)
	}
	switch status {
	case SIMStatusReady:
		m.setRadio(SIMReady)
	case SIMAbsent, SIMPIN, SIMPUK, SIMNetworkPerso, SIMPowerOff:
		m.setRadio(SIMLockedOrAbsent)
	case SIMStatusNotReady:
		// stays SIMNotReady; caller reschedules the poll.
	}
}

// SetHotSwapPending marks whether a SIM hot-swap re-attach is expected,
// so ReaderClosed can skip regressing to Unavailable during it.
func (m *Model) SetHotSwapPending(pending bool) {
	m.radioMu.Lock()
	m.hotSwapPending = pending
	m.radioMu.Unlock()
}

// ReaderClosed regresses the radio to Unavailable on transport failure,
// unless a hot-swap re-attach is in progress (§4.F).
func (m *Model) ReaderClosed() {
	m.radioMu.RLock()
	pending := m.hotSwapPending
	m.radioMu.RUnlock()
	if pending {
		return
	}
	m.setRadio(Unavailable)
}

// Connection returns the current data-call connection state.
func (m *Model) Connection() Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

// SetConnection applies an `*E2NAP:`-driven transition. Any change other
// than entering Connecting fires OnConnectionChanged.
func (m *Model) SetConnection(c Connection) {
	m.connMu.Lock()
	prev := m.conn
	m.conn = c
	m.connMu.Unlock()
	if prev != c && c.State != Connecting && m.hooks.OnConnectionChanged != nil {
		m.hooks.OnConnectionChanged(c)
	}
}

// Admission errors (§4.E, §7).
var (
	ErrRadioNotAvailable = errors.New("radiostate: radio not available in current state")
	ErrGenericFailure    = errors.New("radiostate: request requires a SIM that is not ready")
)

// RequestClass describes a request's exemption from the default
// admission gating (§4.E).
type RequestClass struct {
	// BasicStatus requests (radio power, SIM status, identity queries)
	// are admitted during Off, SIMNotReady, and even Unavailable.
	BasicStatus bool
	// RequiresSIM requests are rejected with ErrGenericFailure while the
	// SIM is locked or absent.
	RequiresSIM bool
}

// Admit applies the admission policy of §4.E against the current radio
// state for a request of the given class. A nil return means the worker
// may proceed to invoke the handler. Unavailable has one exception: a
// BasicStatus request (e.g. get SIM status) is still admitted.
func (m *Model) Admit(class RequestClass) error {
	switch m.Radio() {
	case Unavailable, Off, SIMNotReady:
		if !class.BasicStatus {
			return ErrRadioNotAvailable
		}
	case SIMLockedOrAbsent:
		if class.RequiresSIM {
			return ErrGenericFailure
		}
	case SIMReady:
		// fully admissible
	}
	return nil
}
