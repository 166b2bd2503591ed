package unsolicited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchMatchesRegisteredPrefix(t *testing.T) {
	var got Event
	r := New()
	r.Register("+CREG:", func(e Event) { got = e })

	handled := r.Dispatch(`+CREG: 1`, func() (string, bool) { return "", false })
	assert.True(t, handled)
	assert.Equal(t, "+CREG:", got.Prefix)
	assert.Equal(t, `+CREG: 1`, got.Line)
}

func TestDispatchReturnsFalseForUnregisteredPrefix(t *testing.T) {
	r := New()
	handled := r.Dispatch(`+CSQ: 1,2`, func() (string, bool) { return "", false })
	assert.False(t, handled)
}

func TestDispatchConsumesPayloadLineForCMT(t *testing.T) {
	var got Event
	r := New()
	r.Register("+CMT:", func(e Event) { got = e })

	next := func() (string, bool) { return "07911234560000F0", true }
	handled := r.Dispatch(`+CMT: "+123456",,"26/01/01,00:00:00+00"`, next)
	assert.True(t, handled)
	assert.Equal(t, "07911234560000F0", got.Payload)
}

func TestDispatchDoesNotConsumePayloadForPlainPrefix(t *testing.T) {
	calls := 0
	r := New()
	r.Register("+CREG:", func(Event) {})
	next := func() (string, bool) { calls++; return "should not be read", true }

	r.Dispatch("+CREG: 1", next)
	assert.Equal(t, 0, calls)
}

func TestNeedsPayloadReflectsPayloadPrefixTable(t *testing.T) {
	r := New()
	assert.True(t, r.NeedsPayload("+CMT: stuff"))
	assert.True(t, r.NeedsPayload("+CDS: stuff"))
	assert.False(t, r.NeedsPayload("+CREG: 1"))
}
