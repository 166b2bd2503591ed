// Package smsgate implements the SMS acknowledge gate (§4.G): at most one
// outstanding new-message or status-report indication is surfaced to the
// host at a time; further indications are held and replayed in arrival
// order as the host acknowledges each one.
package smsgate

import "sync"

// Kind distinguishes the two indication types the gate admits.
type Kind int

const (
	NewSMS Kind = iota
	StatusReport
)

// PDU is a held indication: its kind and the raw PDU text as received
// from the modem. The gate does not interpret or reframe the PDU -- see
// DESIGN.md's Open Question decision on the SMSC-prepend conflation --
// it only holds and replays bytes in arrival order.
type PDU struct {
	Kind Kind
	Data string
}

// Gate serializes new-SMS/status-report delivery to the host.
type Gate struct {
	mu          sync.Mutex
	outstanding bool
	held        []PDU
	emit        func(PDU)
}

// New creates a Gate that calls emit to deliver a PDU to the host.
// emit is called with the gate's mutex held -- released before the
// next Indicate/Acknowledge can proceed -- so it must not call back into
// the gate or block for long; it should just forward to the host ABI.
func New(emit func(PDU)) *Gate {
	return &Gate{emit: emit}
}

// Indicate offers a newly arrived PDU to the gate. If nothing is
// currently outstanding it is emitted immediately and becomes
// outstanding; otherwise it is held until the host acknowledges enough
// prior indications to reach it.
func (g *Gate) Indicate(p PDU) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outstanding {
		g.held = append(g.held, p)
		return
	}
	g.outstanding = true
	g.emit(p)
}

// Acknowledge is called by the host to clear the outstanding indication.
// If PDUs are held, the oldest is emitted next and remains outstanding;
// otherwise the gate clears.
func (g *Gate) Acknowledge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.held) > 0 {
		next := g.held[0]
		g.held = g.held[1:]
		g.emit(next)
		return
	}
	g.outstanding = false
}

// Outstanding reports whether an indication is currently awaiting host
// acknowledgement (tests only).
func (g *Gate) Outstanding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Held reports how many indications are currently waiting behind the
// outstanding one (tests only).
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
