// Package handlers implements request handlers that run on a queue
// worker, built on top of an atchannel.Channel and the radiostate model.
// The exemplar is data-call setup (§4.H): PDP context definition, the
// UCS-2 character-set dance around authentication strings, network
// attach, connection-state polling, IP-configuration parsing, and kernel
// interface bring-up. A handful of supporting handlers (radio power, SIM
// status poll, identity, registration, signal strength, data-call
// list/teardown, SMS send) are included so the engine has enough request
// surface to exercise in tests and in cmd/rild -- spec §1 scopes
// "individual request handlers beyond the exemplar" out of the core, but
// a runnable module needs some.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/cellwire/ril/atchannel"
	"github.com/cellwire/ril/info"
	"github.com/cellwire/ril/radiostate"
	"github.com/cellwire/ril/ucs2"
)

// Errors surfaced to the host, per the taxonomy of §7.
var (
	ErrGenericFailure = errors.New("handlers: request failed")
)

// PDP fail causes (§4.H "last-PDP-fail-cause"), a stand-in for the host's
// error taxonomy enum referenced, but not defined, in spec §6.
type PDPFailCause int

const (
	PDPFailUnspecified PDPFailCause = iota
	PDPFailProtocolErrors
)

// causeFromE2NAP maps an `*E2NAP:` cause code into the host's PDP fail
// taxonomy (§4.H): 24.008 protocol errors 95..111 map to
// PDPFailProtocolErrors, everything else to PDPFailUnspecified.
func causeFromE2NAP(cause int) PDPFailCause {
	if cause >= 95 && cause <= 111 {
		return PDPFailProtocolErrors
	}
	return PDPFailUnspecified
}

// Netlink is the subset of kernel interface configuration the data-call
// handler needs, narrowed to an interface so it can be faked in tests
// without a real network namespace.
type Netlink interface {
	LinkSetUp(name string) error
	LinkSetDown(name string) error
	AddrAdd(name, cidr string) error
	AddrFlush(name string) error
	RouteAddHost(iface, gateway string) error
	RouteAddDefault(iface, gateway string) error
}

// SysNetlink implements Netlink against the real kernel via
// github.com/vishvananda/netlink, replacing the original's ioctl-based
// net-utils.c / ifc_* calls (§4.H step 9).
type SysNetlink struct{}

func (SysNetlink) link(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (n SysNetlink) LinkSetUp(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (n SysNetlink) LinkSetDown(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetDown(link)
}

func (n SysNetlink) AddrAdd(name, cidr string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, addr)
}

func (n SysNetlink) AddrFlush(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if err := netlink.AddrDel(link, &a); err != nil {
			return err
		}
	}
	return nil
}

func (n SysNetlink) RouteAddHost(iface, gateway string) error {
	link, err := n.link(iface)
	if err != nil {
		return err
	}
	gw := net.ParseIP(gateway)
	return netlink.RouteAdd(&netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       &net.IPNet{IP: gw, Mask: net.CIDRMask(32, 32)},
		Scope:     netlink.SCOPE_LINK,
	})
}

func (n SysNetlink) RouteAddDefault(iface, gateway string) error {
	link, err := n.link(iface)
	if err != nil {
		return err
	}
	gw := net.ParseIP(gateway)
	_, defaultDst, _ := net.ParseCIDR("0.0.0.0/0")
	return netlink.RouteAdd(&netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       defaultDst,
		Gw:        gw,
	})
}

// DataCallRequest is the host's SETUP_DATA_CALL payload.
type DataCallRequest struct {
	APN  string
	User string
	Pass string
	// Auth is the host's auth-type digit, "0".."3".
	Auth string
}

// DataCallResult is reported to the host on success (§4.H step 10).
type DataCallResult struct {
	ContextID string
	Interface string
	Address   string
}

// authBitmask maps the host's auth-type digit to the PAP/CHAP protocol
// bitmask *EIAAUW expects, per the original's requestSetupDefaultPDP.
var authBitmask = map[string]string{
	"0": "00001", // PAP never, CHAP never
	"1": "00011", // PAP may, CHAP never
	"2": "00101", // PAP never, CHAP may
	"3": "00111", // PAP may, CHAP may
}

// DataCallHandler implements §4.H's exemplar request handler.
type DataCallHandler struct {
	Channel    *atchannel.Channel
	State      *radiostate.Model
	Iface      string
	Netlink    Netlink
	PublishDNS func(iface, gw, dns1, dns2 string)

	// PollInterval paces the CONNECTED/DISCONNECTED poll of step 7;
	// defaults to 200ms as in the original's MBM_ENAP_WAIT_TIME loop.
	PollInterval time.Duration
	// ConnectTimeout bounds step 7; defaults to 17s per §4.H / §8
	// scenario 3/4.
	ConnectTimeout time.Duration

	lastFailCause PDPFailCause
}

const (
	defaultPollInterval   = 200 * time.Millisecond
	defaultConnectTimeout = 17 * time.Second
)

// LastFailCause returns the most recently recorded PDP fail cause
// (RIL_REQUEST_LAST_PDP_FAIL_CAUSE's backing state).
func (h *DataCallHandler) LastFailCause() PDPFailCause {
	return h.lastFailCause
}

// Setup executes steps 1-10 of §4.H.
func (h *DataCallHandler) Setup(ctx context.Context, req DataCallRequest) (DataCallResult, error) {
	h.lastFailCause = PDPFailUnspecified
	// Reset the connection state so that step 7 waits for a fresh
	// `*E2NAP:` report rather than returning on the Disconnected state
	// left from before this call.
	h.State.SetConnection(radiostate.Connection{State: radiostate.Connecting})

	// Steps 1-2: kernel interface control, idempotent down.
	_ = h.Netlink.LinkSetDown(h.Iface)

	// Step 3: PDP context definition.
	if _, err := h.Channel.SendCommand(ctx, fmt.Sprintf(`+CGDCONT=1,"IP","%s"`, req.APN)); err != nil {
		return h.fail(ctx, err)
	}

	// Step 4: auth-type to protocol bitmask.
	bitmask, ok := authBitmask[req.Auth]
	if !ok {
		bitmask = authBitmask["3"]
	}

	// Step 5: UCS-2 character-set dance around the auth strings.
	if err := h.authWithCharsetDance(ctx, req.User, req.Pass, bitmask); err != nil {
		return h.fail(ctx, err)
	}

	// Step 6: network attach.
	if _, err := h.Channel.SendCommand(ctx, "*ENAP=1,1"); err != nil {
		return h.fail(ctx, err)
	}

	// Step 7: poll for CONNECTED/DISCONNECTED.
	if err := h.awaitConnection(ctx); err != nil {
		return h.fail(ctx, err)
	}
	if h.State.Connection().State == radiostate.Disconnected {
		return h.fail(ctx, errors.New("handlers: connection dropped before completing"))
	}

	// Step 8: IP configuration.
	addr, gw, dns, err := h.queryIPConfig(ctx)
	if err != nil {
		return h.fail(ctx, err)
	}

	// Step 9: interface bring-up.
	if err := h.configureInterface(addr, gw, dns); err != nil {
		return h.fail(ctx, err)
	}

	return DataCallResult{ContextID: "1", Interface: h.Iface, Address: addr}, nil
}

// authWithCharsetDance implements step 5: read the current TE character
// set, switch to UCS-2 if it isn't already, encode user/pass, program
// the authentication command, then restore the previous character set on
// every exit path.
func (h *DataCallHandler) authWithCharsetDance(ctx context.Context, user, pass, bitmask string) error {
	rsp, err := h.Channel.SendSingleLine(ctx, "+CSCS?", "+CSCS:")
	if err != nil {
		return err
	}
	if len(rsp.Info) == 0 {
		return atchannel.ErrInvalidResponse
	}
	current := parseQuotedField(info.TrimPrefix(rsp.Info[0], "+CSCS"))
	origCharset := current
	switchedFromASCII := isASCIICharset(current)
	if switchedFromASCII {
		if _, err := h.Channel.SendCommand(ctx, `+CSCS="UCS2"`); err != nil {
			return err
		}
	} else {
		origCharset = "UCS2"
	}
	restore := func() {
		h.Channel.SendCommand(ctx, fmt.Sprintf(`+CSCS="%s"`, origCharset))
	}

	atUser := ucs2.Encode(user)
	atPass := ucs2.Encode(pass)
	_, err = h.Channel.SendCommand(ctx, fmt.Sprintf(`*EIAAUW=1,1,"%s","%s",%s`, atUser, atPass, bitmask))
	restore()
	return err
}

func isASCIICharset(cs string) bool {
	switch cs {
	case "GSM", "IRA", "UTF-8":
		return true
	}
	return strings.HasPrefix(cs, "8859")
}

func parseQuotedField(line string) string {
	s := strings.TrimSpace(line)
	s = strings.Trim(s, `"`)
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		s = s[:idx]
	}
	return strings.Trim(s, `"`)
}

// awaitConnection polls the connection state machine (populated by
// unsolicited `*E2NAP:` events, not by this handler issuing commands)
// until it leaves Connecting or ConnectTimeout elapses.
func (h *DataCallHandler) awaitConnection(ctx context.Context) error {
	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		st := h.State.Connection().State
		if st == radiostate.Connected || st == radiostate.Disconnected {
			return nil
		}
		if time.Now().After(deadline) {
			h.Channel.SendCommand(ctx, "*ENAP=0")
			return errGenericTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

var errGenericTimeout = errors.New("handlers: data call did not reach CONNECTED within the connect timeout")

// ipTuple is one (stat, address) entry of the `*E2IPCFG?` response.
type ipTuple struct {
	stat    int
	address string
}

// queryIPConfig implements step 8: parse a sequence of (stat, address)
// tuples, where stat is {1: local address, 2: gateway, 3: DNS}, keeping
// up to two DNS entries.
func (h *DataCallHandler) queryIPConfig(ctx context.Context) (addr, gw string, dns []string, err error) {
	rsp, err := h.Channel.SendSingleLine(ctx, "*E2IPCFG?", "*E2IPCFG:")
	if err != nil {
		return "", "", nil, err
	}
	if len(rsp.Info) == 0 {
		return "", "", nil, atchannel.ErrInvalidResponse
	}
	tuples := parseIPTuples(rsp.Info[0])
	for _, t := range tuples {
		switch t.stat {
		case 1:
			addr = t.address
		case 2:
			gw = t.address
		case 3:
			if len(dns) < 2 {
				dns = append(dns, t.address)
			}
		}
	}
	if addr == "" {
		return "", "", nil, atchannel.ErrInvalidResponse
	}
	return addr, gw, dns, nil
}

// parseIPTuples parses "(1,"10.0.0.2")(2,"10.0.0.1")(3,"8.8.8.8")".
func parseIPTuples(line string) []ipTuple {
	var tuples []ipTuple
	for _, group := range splitParenGroups(line) {
		parts := strings.SplitN(group, ",", 2)
		if len(parts) != 2 {
			continue
		}
		stat, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		tuples = append(tuples, ipTuple{stat: stat, address: strings.Trim(strings.TrimSpace(parts[1]), `"`)})
	}
	return tuples
}

func splitParenGroups(s string) []string {
	var groups []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				groups = append(groups, s[start:i])
				start = -1
			}
		}
	}
	return groups
}

// configureInterface implements step 9: bring the interface up, assign
// the address with a point-to-point /32 mask, add a host route to the
// gateway and a default route via it, and publish resolver properties.
func (h *DataCallHandler) configureInterface(addr, gw string, dns []string) error {
	if err := h.Netlink.LinkSetUp(h.Iface); err != nil {
		return err
	}
	if err := h.Netlink.AddrFlush(h.Iface); err != nil {
		return err
	}
	if err := h.Netlink.AddrAdd(h.Iface, addr+"/32"); err != nil {
		return err
	}
	if gw != "" {
		if err := h.Netlink.RouteAddHost(h.Iface, gw); err != nil {
			return err
		}
		if err := h.Netlink.RouteAddDefault(h.Iface, gw); err != nil {
			return err
		}
	}
	dns1, dns2 := "", ""
	if len(dns) > 0 {
		dns1 = dns[0]
	}
	if len(dns) > 1 {
		dns2 = dns[1]
	}
	if h.PublishDNS != nil {
		h.PublishDNS(h.Iface, gw, dns1, dns2)
	}
	return nil
}

// fail implements the failure path common to every step: record the last
// PDP fail cause from the connection state machine's cause code, issue a
// best-effort detach, and return GenericFailure.
func (h *DataCallHandler) fail(ctx context.Context, cause error) (DataCallResult, error) {
	h.lastFailCause = causeFromE2NAP(h.State.Connection().Cause)
	h.Channel.SendCommand(ctx, "*ENAP=0")
	if cause != nil {
		return DataCallResult{}, fmt.Errorf("%w: %v", ErrGenericFailure, cause)
	}
	return DataCallResult{}, ErrGenericFailure
}

// Teardown implements the data-call counterpart to Setup: query `*ENAP?`
// once; if it reports a connected context, issue `*ENAP=0` and poll the
// connection state machine until it reaches Disconnected (bounded by
// ConnectTimeout); then bring the kernel interface back down, the way the
// original's requestDeactivateDefaultPDP does.
func (h *DataCallHandler) Teardown(ctx context.Context) error {
	rsp, err := h.Channel.SendSingleLine(ctx, "*ENAP?", "*ENAP:")
	if err != nil {
		return ErrGenericFailure
	}
	if len(rsp.Info) == 0 {
		return ErrGenericFailure
	}
	state := strings.TrimSpace(rsp.Info[0])
	if strings.Contains(state, "1") {
		if _, err := h.Channel.SendCommand(ctx, "*ENAP=0"); err != nil {
			return ErrGenericFailure
		}
		timeout := h.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		deadline := time.Now().Add(timeout)
		for h.State.Connection().State != radiostate.Disconnected {
			if time.Now().After(deadline) {
				return ErrGenericFailure
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultPollInterval):
			}
		}
	}
	return h.Netlink.LinkSetDown(h.Iface)
}
