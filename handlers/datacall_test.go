package handlers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellwire/ril/atchannel"
	"github.com/cellwire/ril/radiostate"
)

// fakeNetlink records the kernel interface calls Setup/Teardown issue,
// without touching a real network namespace.
type fakeNetlink struct {
	up, down  bool
	addrs     []string
	flushed   bool
	hostRoute string
	defRoute  string
}

func (f *fakeNetlink) LinkSetUp(string) error   { f.up = true; return nil }
func (f *fakeNetlink) LinkSetDown(string) error { f.down = true; return nil }
func (f *fakeNetlink) AddrAdd(_, cidr string) error {
	f.addrs = append(f.addrs, cidr)
	return nil
}
func (f *fakeNetlink) AddrFlush(string) error { f.flushed = true; return nil }
func (f *fakeNetlink) RouteAddHost(_, gw string) error {
	f.hostRoute = gw
	return nil
}
func (f *fakeNetlink) RouteAddDefault(_, gw string) error {
	f.defRoute = gw
	return nil
}

func newDataCallHandler(t *testing.T) (*DataCallHandler, net.Conn, *fakeNetlink) {
	t.Helper()
	host, modem := net.Pipe()
	ch := atchannel.New(host, atchannel.WithDeadline(time.Second))
	t.Cleanup(func() { ch.Close() })
	nl := &fakeNetlink{}
	state := radiostate.New(radiostate.Hooks{})
	h := &DataCallHandler{
		Channel:        ch,
		State:          state,
		Iface:          "rmnet0",
		Netlink:        nl,
		ConnectTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
	return h, modem, nl
}

func readCmd(t *testing.T, modem net.Conn) string {
	t.Helper()
	buf := make([]byte, 512)
	n, err := modem.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestDataCallSetupHappyPath(t *testing.T) {
	h, modem, nl := newDataCallHandler(t)

	go func() {
		cmd := readCmd(t, modem) // +CGDCONT
		assert.Contains(t, cmd, `+CGDCONT=1,"IP","internet"`)
		modem.Write([]byte("\r\nOK\r\n"))

		readCmd(t, modem) // +CSCS?
		modem.Write([]byte("\r\n+CSCS: \"IRA\"\r\nOK\r\n"))

		readCmd(t, modem) // +CSCS="UCS2"
		modem.Write([]byte("\r\nOK\r\n"))

		readCmd(t, modem) // *EIAAUW
		modem.Write([]byte("\r\nOK\r\n"))

		readCmd(t, modem) // restore +CSCS
		modem.Write([]byte("\r\nOK\r\n"))

		readCmd(t, modem) // *ENAP=1,1
		modem.Write([]byte("\r\nOK\r\n"))

		readCmd(t, modem) // *E2IPCFG?
		modem.Write([]byte("\r\n*E2IPCFG: (1,\"10.0.0.2\")(2,\"10.0.0.1\")(3,\"8.8.8.8\")\r\nOK\r\n"))
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.State.SetConnection(radiostate.Connection{State: radiostate.Connected})
	}()

	res, err := h.Setup(context.Background(), DataCallRequest{APN: "internet", User: "u", Pass: "p", Auth: "3"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", res.Address)
	assert.Equal(t, "rmnet0", res.Interface)
	assert.True(t, nl.up)
	assert.Contains(t, nl.addrs, "10.0.0.2/32")
	assert.Equal(t, "10.0.0.1", nl.hostRoute)
}

func TestDataCallSetupFailsOnConnectTimeout(t *testing.T) {
	h, modem, nl := newDataCallHandler(t)

	go func() {
		readCmd(t, modem) // +CGDCONT
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // +CSCS?
		modem.Write([]byte("\r\n+CSCS: \"IRA\"\r\nOK\r\n"))
		readCmd(t, modem) // +CSCS=UCS2
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // *EIAAUW
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // restore
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // *ENAP=1,1
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // timeout abort: *ENAP=0
		modem.Write([]byte("\r\nOK\r\n"))
		readCmd(t, modem) // fail-path detach: *ENAP=0
		modem.Write([]byte("\r\nOK\r\n"))
	}()

	_, err := h.Setup(context.Background(), DataCallRequest{APN: "internet", Auth: "0"})
	assert.ErrorIs(t, err, ErrGenericFailure)
	assert.Zero(t, nl.addrs)
}

func TestCauseFromE2NAPMapsProtocolErrorRange(t *testing.T) {
	assert.Equal(t, PDPFailProtocolErrors, causeFromE2NAP(100))
	assert.Equal(t, PDPFailUnspecified, causeFromE2NAP(1))
}

func TestParseIPTuplesParsesMultipleGroups(t *testing.T) {
	tuples := parseIPTuples(`(1,"10.0.0.2")(2,"10.0.0.1")(3,"8.8.8.8")(3,"8.8.4.4")`)
	require.Len(t, tuples, 4)
	assert.Equal(t, 1, tuples[0].stat)
	assert.Equal(t, "10.0.0.2", tuples[0].address)
}

func TestTeardownBringsInterfaceDown(t *testing.T) {
	h, modem, nl := newDataCallHandler(t)
	go func() {
		readCmd(t, modem) // *ENAP?
		modem.Write([]byte("\r\n*ENAP: 0\r\nOK\r\n"))
	}()
	require.NoError(t, h.Teardown(context.Background()))
	assert.True(t, nl.down)
}
