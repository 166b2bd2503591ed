// Package unsolicited classifies modem-originated lines that were not
// triggered by a pending command (unsolicited result codes) and routes
// them to registered handlers by prefix.
//
// Handlers registered here run on the reader goroutine. They must never
// call back into the AT channel's command API -- doing so would deadlock
// the channel, since the reader goroutine is the one that completes
// commands. This is enforced by construction: Handler's signature carries
// only an Event, not a channel, so there is nothing to call commands on.
package unsolicited

import "strings"

// Event is a classified unsolicited line, with its continuation payload
// line attached when the prefix is one that carries one (see
// payloadPrefixes).
type Event struct {
	Prefix  string
	Line    string
	Payload string
}

// Handler processes a classified unsolicited event. It must not block for
// long and must not issue AT commands.
type Handler func(Event)

// payloadPrefixes carries the SMS-like indications that consume a
// following line as their PDU payload before being dispatched.
var payloadPrefixes = map[string]bool{
	"+CMT:":    true,
	"+CDS:":    true,
	"+CBM:":    true,
	"+CLASS0:": true,
}

// Router is a prefix table mapping unsolicited lines to handlers. All
// matching is anchored at the start of the line.
type Router struct {
	table []entry
}

type entry struct {
	prefix  string
	handler Handler
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Register adds a handler for lines beginning with prefix. Registration
// order decides match priority for overlapping prefixes (e.g. "+CREG:"
// vs a shorter generic prefix); register more specific prefixes first.
func (r *Router) Register(prefix string, h Handler) {
	r.table = append(r.table, entry{prefix: prefix, handler: h})
}

// NeedsPayload reports whether line's prefix consumes a following line
// as payload before dispatch.
func (r *Router) NeedsPayload(line string) bool {
	for prefix := range payloadPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// Dispatch matches line against the registered prefixes and invokes the
// first matching handler. next is called, at most once, to fetch the
// payload line when line's prefix requires one; next returning ok==false
// (e.g. the reader closed mid-payload) dispatches with an empty payload.
// Dispatch reports whether any handler matched.
func (r *Router) Dispatch(line string, next func() (string, bool)) bool {
	for _, e := range r.table {
		if !strings.HasPrefix(line, e.prefix) {
			continue
		}
		ev := Event{Prefix: e.prefix, Line: line}
		if payloadPrefixes[e.prefix] {
			if p, ok := next(); ok {
				ev.Payload = p
			}
		}
		e.handler(ev)
		return true
	}
	return false
}
