package atchannel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellwire/ril/unsolicited"
)

// newTestChannel wires a Channel to one end of an in-memory pipe, handing
// the caller the other end to play the part of the modem.
func newTestChannel(t *testing.T, opts ...Option) (*Channel, net.Conn) {
	t.Helper()
	host, modem := net.Pipe()
	c := New(host, append([]Option{WithDeadline(time.Second)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c, modem
}

func readCommand(t *testing.T, modem net.Conn) string {
	t.Helper()
	buf := make([]byte, 256)
	n, err := modem.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestSendCommandSucceedsOnOK(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\nOK\r\n"))
	}()
	rsp, err := c.SendCommand(context.Background(), "Z")
	require.NoError(t, err)
	assert.True(t, rsp.OK)
	assert.Equal(t, "OK", rsp.Final)
}

func TestSendCommandReturnsErrGenericOnError(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\nERROR\r\n"))
	}()
	_, err := c.SendCommand(context.Background(), "+FOO")
	assert.ErrorIs(t, err, ErrGeneric)
}

func TestSendCommandAttachesCMEError(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\n+CME ERROR: 10\r\n"))
	}()
	rsp, err := c.SendCommand(context.Background(), "+CPIN?")
	assert.ErrorIs(t, err, ErrGeneric)
	assert.True(t, rsp.HasCMEError)
	assert.Equal(t, 10, rsp.CMEError)
}

func TestSendSingleLineValidatesPrefixShape(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\n+CPIN: READY\r\nOK\r\n"))
	}()
	rsp, err := c.SendSingleLine(context.Background(), "+CPIN?", "+CPIN:")
	require.NoError(t, err)
	require.Len(t, rsp.Info, 1)
	assert.Equal(t, "+CPIN: READY", rsp.Info[0])
}

func TestSendSingleLineRejectsWrongShape(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\nOK\r\n"))
	}()
	_, err := c.SendSingleLine(context.Background(), "+CPIN?", "+CPIN:")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestSendNumericRejectsNonDigitIntermediate(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\nnotanumber\r\nOK\r\n"))
	}()
	_, err := c.SendNumeric(context.Background(), "+CSQ")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestSendMultiLineAcceptsZeroIntermediates(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\nOK\r\n"))
	}()
	rsp, err := c.SendMultiLine(context.Background(), "+CGDCONT?", "+CGDCONT:")
	require.NoError(t, err)
	assert.Empty(t, rsp.Info)
}

func TestSendSMSWritesPayloadAfterPrompt(t *testing.T) {
	c, modem := newTestChannel(t)
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\n> "))
		buf := make([]byte, 256)
		n, _ := modem.Read(buf)
		assert.Equal(t, "hexpdu"+string(rune(0x1a)), string(buf[:n]))
		modem.Write([]byte("\r\n+CMGS: 5\r\nOK\r\n"))
	}()
	rsp, err := c.SendSMS(context.Background(), "+CMGS=10", "hexpdu", "+CMGS:")
	require.NoError(t, err)
	require.Len(t, rsp.Info, 1)
	assert.Equal(t, "+CMGS: 5", rsp.Info[0])
}

func TestSecondSendWhilePendingReturnsErrCommandPending(t *testing.T) {
	c, modem := newTestChannel(t)
	go readCommand(t, modem) // consume the first command, never reply

	done := make(chan struct{})
	go func() {
		c.SendCommand(context.Background(), "Z")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := c.SendCommand(context.Background(), "Z")
	assert.ErrorIs(t, err, ErrCommandPending)
	c.Close()
	<-done
}

func TestCommandTimesOutAndInvokesOnTimeout(t *testing.T) {
	timedOut := make(chan struct{})
	c, modem := newTestChannel(t,
		WithDeadline(20*time.Millisecond),
		WithTimeoutFunc(func() { close(timedOut) }),
	)
	go readCommand(t, modem) // never reply

	_, err := c.SendCommand(context.Background(), "Z")
	assert.ErrorIs(t, err, ErrTimeout)
	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("onTimeout never fired")
	}
}

func TestUnsolicitedLineRoutesEvenWhileCommandPending(t *testing.T) {
	seen := make(chan unsolicited.Event, 1)
	router := unsolicited.New()
	router.Register("+CREG:", func(e unsolicited.Event) { seen <- e })

	c, modem := newTestChannel(t, WithRouter(router))
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\n+CREG: 1\r\nOK\r\n"))
	}()

	rsp, err := c.SendCommand(context.Background(), "Z")
	require.NoError(t, err)
	assert.True(t, rsp.OK)
	select {
	case ev := <-seen:
		assert.Equal(t, "+CREG: 1", ev.Line)
	case <-time.After(time.Second):
		t.Fatal("unsolicited event never dispatched")
	}
}

func TestPendingCommandOwnPrefixIsNotStolenByRouter(t *testing.T) {
	seen := make(chan unsolicited.Event, 1)
	router := unsolicited.New()
	router.Register("+CGREG:", func(e unsolicited.Event) { seen <- e })

	c, modem := newTestChannel(t, WithRouter(router))
	go func() {
		readCommand(t, modem)
		modem.Write([]byte("\r\n+CGREG: 2,1\r\nOK\r\n"))
	}()

	rsp, err := c.SendSingleLine(context.Background(), "+CGREG?", "+CGREG:")
	require.NoError(t, err)
	assert.True(t, rsp.OK)
	require.Len(t, rsp.Info, 1)
	assert.Equal(t, "+CGREG: 2,1", rsp.Info[0])

	select {
	case <-seen:
		t.Fatal("line matching the pending command's own prefix was routed as unsolicited")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsolicitedLineWithPayloadConsumesFollowingLine(t *testing.T) {
	seen := make(chan unsolicited.Event, 1)
	router := unsolicited.New()
	router.Register("+CMT:", func(e unsolicited.Event) { seen <- e })

	c, modem := newTestChannel(t, WithRouter(router))
	go func() {
		modem.Write([]byte("\r\n+CMT: \"+123\"\r\n07911234560000F0\r\n"))
	}()
	_ = c

	select {
	case ev := <-seen:
		assert.Equal(t, "07911234560000F0", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("CMT event never dispatched")
	}
}

func TestClosedChannelRejectsNewCommands(t *testing.T) {
	c, modem := newTestChannel(t)
	defer modem.Close()
	c.Close()
	_, err := c.SendCommand(context.Background(), "Z")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestReaderClosedInvokesOnReaderClosedAndClosesChannel(t *testing.T) {
	readerClosed := make(chan struct{})
	c, modem := newTestChannel(t, WithReaderClosedFunc(func() { close(readerClosed) }))
	modem.Close()

	select {
	case <-readerClosed:
	case <-time.After(time.Second):
		t.Fatal("onReaderClosed never fired")
	}
	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}
