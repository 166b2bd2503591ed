// Package atchannel implements the half-duplex AT command/response
// protocol multiplexed against an unsolicited event stream over a
// byte-oriented transport (spec components 4.B Line Reader and 4.C AT
// Channel).
//
// A Channel serializes one command at a time onto the modem, assembles
// its Response from the intermediate lines the modem returns, and hands
// every other line to the unsolicited Router. It may be called from
// multiple goroutines, but callers do not queue: a command issued while
// another is in flight fails at once with ErrCommandPending. It must
// never be called from the reader goroutine itself or from an
// unsolicited Handler, since both run on the same goroutine that
// completes pending commands.
package atchannel

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/cellwire/ril/info"
	"github.com/cellwire/ril/unsolicited"
)

// Shape is the expected intermediate-line shape of a command's response.
type Shape int

const (
	// ShapeNone expects no intermediate line (send-command).
	ShapeNone Shape = iota
	// ShapeNumeric expects exactly one intermediate whose first
	// non-space character is a decimal digit (send-numeric).
	ShapeNumeric
	// ShapeSingleLine expects exactly one intermediate beginning with
	// the command's prefix (send-singleline, send-sms).
	ShapeSingleLine
	// ShapeMultiLine expects zero or more intermediates beginning with
	// the command's prefix (send-multiline).
	ShapeMultiLine
)

// Response is a completed command exchange.
type Response struct {
	OK    bool
	Final string
	Info  []string

	// HasCMEError / HasCMSError and their Code are populated when Final
	// is a "+CME ERROR: n" or "+CMS ERROR: n" line and n parses as a
	// number.
	HasCMEError bool
	CMEError    int
	HasCMSError bool
	CMSError    int
}

// Sentinel errors per spec §4.C / §7.
var (
	ErrGeneric         = errors.New("at: modem returned an error final status")
	ErrCommandPending  = errors.New("at: a command is already pending on this channel")
	ErrChannelClosed   = errors.New("at: channel is closed")
	ErrTimeout         = errors.New("at: command deadline exceeded")
	ErrInvalidResponse = errors.New("at: response shape did not match expectation")
	ErrInvalidThread   = errors.New("at: command API is not available from the reader or an unsolicited handler")
)

// finalStatuses are the fixed set of lines that complete a pending
// command (§4.B), other than the CME/CMS/generic ERROR family which is
// recognised by prefix.
var finalStatuses = map[string]bool{
	"OK":          true,
	"ERROR":       true,
	"NO CARRIER":  true,
	"NO DIALTONE": true,
	"BUSY":        true,
	"NO ANSWER":   true,
	"CONNECT":     true,
}

func isFinal(line string) bool {
	if finalStatuses[line] {
		return true
	}
	if strings.HasPrefix(line, "CONNECT") {
		return true
	}
	return strings.HasPrefix(line, "+CME ERROR:") ||
		strings.HasPrefix(line, "+CMS ERROR:") ||
		strings.HasPrefix(line, "+EXT ERROR:")
}

func isSuccess(final string) bool {
	return final == "OK" || strings.HasPrefix(final, "CONNECT")
}

// Option configures a Channel.
type Option func(*Channel)

// WithDeadline overrides the default 10 minute per-command deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Channel) { c.deadline = d }
}

// WithLogger installs a logger; the zero value uses log.Default().
func WithLogger(l *log.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithRouter installs the unsolicited Router that classified lines not
// belonging to a pending command are dispatched to.
func WithRouter(r *unsolicited.Router) Option {
	return func(c *Channel) { c.router = r }
}

// WithTimeoutFunc installs a callback invoked, on the goroutine
// processing the timed-out command, when a command's deadline elapses.
// It is intended to send an escape sequence and/or mark the radio
// unavailable; it must not block.
func WithTimeoutFunc(f func()) Option {
	return func(c *Channel) { c.onTimeout = f }
}

// WithReaderClosedFunc installs a callback invoked once, on the reader
// goroutine, when the transport signals EOF or a permanent error.
func WithReaderClosedFunc(f func()) Option {
	return func(c *Channel) { c.onReaderClosed = f }
}

// Channel is a single AT command/response engine over one transport.
type Channel struct {
	rw       io.ReadWriteCloser
	log      *log.Logger
	deadline time.Duration
	router   *unsolicited.Router

	onTimeout      func()
	onReaderClosed func()

	mu            sync.Mutex
	pending       bool
	pendingPrefix string

	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once

	echoSuppressed bool
	lastSent       string
}

const defaultDeadline = 10 * time.Minute

// New wraps rw in a Channel and starts its reader goroutine.
func New(rw io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		rw:        rw,
		log:       log.Default(),
		deadline:  defaultDeadline,
		router:    unsolicited.New(),
		lines:     make(chan string),
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c
}

// Closed returns a channel that is closed once the Channel has closed,
// either because the caller called Close or the transport failed.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close closes the underlying transport and releases the reader.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.rw.Close()
}

// EchoSuppressed records that the modem's command echo has been disabled
// (normally via "ATE0"), so the Line Reader no longer needs to discard
// echoed command lines.
func (c *Channel) EchoSuppressed() {
	c.mu.Lock()
	c.echoSuppressed = true
	c.mu.Unlock()
}

// SendCommand issues text with no expected intermediate line.
func (c *Channel) SendCommand(ctx context.Context, text string) (Response, error) {
	return c.send(ctx, text, ShapeNone, "", nil)
}

// SendNumeric issues text expecting exactly one numeric intermediate.
func (c *Channel) SendNumeric(ctx context.Context, text string) (Response, error) {
	return c.send(ctx, text, ShapeNumeric, "", nil)
}

// SendSingleLine issues text expecting exactly one intermediate
// beginning with prefix.
func (c *Channel) SendSingleLine(ctx context.Context, text, prefix string) (Response, error) {
	return c.send(ctx, text, ShapeSingleLine, prefix, nil)
}

// SendMultiLine issues text expecting zero or more intermediates
// beginning with prefix.
func (c *Channel) SendMultiLine(ctx context.Context, text, prefix string) (Response, error) {
	return c.send(ctx, text, ShapeMultiLine, prefix, nil)
}

// SendSMS sends command, waits for the '>' prompt, sends payload
// terminated with Ctrl-Z, then processes the result as SendSingleLine.
func (c *Channel) SendSMS(ctx context.Context, command, payload, prefix string) (Response, error) {
	return c.send(ctx, command, ShapeSingleLine, prefix, &payload)
}

type pendingCmd struct {
	shape   Shape
	prefix  string
	payload *string
	resp    Response
}

func (c *Channel) send(ctx context.Context, text string, shape Shape, prefix string, payload *string) (Response, error) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return Response{}, ErrChannelClosed
	default:
	}
	if c.pending {
		c.mu.Unlock()
		return Response{}, ErrCommandPending
	}
	c.pending = true
	c.pendingPrefix = prefix
	c.lastSent = "AT" + text
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = false
		c.pendingPrefix = ""
		c.mu.Unlock()
	}()

	deadline := c.deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if _, err := c.rw.Write([]byte("AT" + text + "\r\n")); err != nil {
		return Response{}, errors.Wrap(err, "at: write command")
	}

	pc := &pendingCmd{shape: shape, prefix: prefix, payload: payload}
	for {
		select {
		case <-cctx.Done():
			if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				if c.onTimeout != nil {
					c.onTimeout()
				}
				return pc.resp, ErrTimeout
			}
			return pc.resp, cctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return pc.resp, ErrChannelClosed
			}
			done, err := c.consume(pc, line)
			if err != nil {
				return pc.resp, err
			}
			if done {
				return pc.resp, c.finalError(pc.resp)
			}
		case <-c.closed:
			return pc.resp, ErrChannelClosed
		}
	}
}

func (c *Channel) finalError(r Response) error {
	if r.OK {
		return nil
	}
	return ErrGeneric
}

// consume processes one line against a pending command's accumulating
// response. It returns done=true once the final status line arrives.
func (c *Channel) consume(pc *pendingCmd, line string) (done bool, err error) {
	if line == "" {
		return false, nil
	}
	c.mu.Lock()
	suppressed := c.echoSuppressed
	lastSent := c.lastSent
	c.mu.Unlock()
	if !suppressed && line == lastSent {
		return false, nil
	}
	if line == ">" {
		if pc.payload != nil {
			if _, werr := c.rw.Write([]byte(*pc.payload + string(rune(0x1a)))); werr != nil {
				return false, errors.Wrap(werr, "at: write sms payload")
			}
		}
		return false, nil
	}
	if isFinal(line) {
		pc.resp.Final = line
		pc.resp.OK = isSuccess(line)
		attachCMEorCMS(&pc.resp, line)
		if pc.resp.OK {
			if bad := validateShape(pc); bad {
				return true, ErrInvalidResponse
			}
		}
		return true, nil
	}
	pc.resp.Info = append(pc.resp.Info, line)
	return false, nil
}

func validateShape(pc *pendingCmd) (invalid bool) {
	switch pc.shape {
	case ShapeSingleLine:
		if len(pc.resp.Info) != 1 || !info.HasPrefix(pc.resp.Info[0], strings.TrimSuffix(pc.prefix, ":")) {
			return true
		}
	case ShapeNumeric:
		if len(pc.resp.Info) != 1 {
			return true
		}
		s := strings.TrimSpace(pc.resp.Info[0])
		if s == "" || s[0] < '0' || s[0] > '9' {
			return true
		}
	}
	return false
}

func attachCMEorCMS(r *Response, line string) {
	switch {
	case strings.HasPrefix(line, "+CME ERROR:"):
		if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "+CME ERROR:"))); err == nil {
			r.HasCMEError = true
			r.CMEError = n
		}
	case strings.HasPrefix(line, "+CMS ERROR:"):
		if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "+CMS ERROR:"))); err == nil {
			r.HasCMSError = true
			r.CMSError = n
		}
	}
}

// readLoop is the Line Reader (§4.B): it frames bytes into lines and
// either completes the pending command (via c.lines) or routes the line
// as unsolicited. It runs on its own goroutine for the lifetime of the
// Channel and must never call Send*.
func (c *Channel) readLoop() {
	scanner := bufio.NewScanner(c.rw)
	scanner.Split(scanLines)
	next := func() (string, bool) {
		if scanner.Scan() {
			return strings.TrimSpace(scanner.Text()), true
		}
		return "", false
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		pending := c.pending
		pendingPrefix := c.pendingPrefix
		c.mu.Unlock()
		expected := pending && pendingPrefix != "" && strings.HasPrefix(line, pendingPrefix)
		// A final-status line completes a pending command; with no
		// command pending it is offered to the Router like any other
		// line (e.g. an unsolicited "NO CARRIER" or "BUSY").
		if (!isFinal(line) || !pending) && line != ">" && !expected {
			if c.router.Dispatch(line, next) {
				// Matches a known unsolicited prefix: routed, unless
				// it is also the pending command's own expected
				// intermediate (checked above).
				continue
			} else if !pending {
				c.log.Debug("unrouted unsolicited line", "line", line)
				continue
			}
		}
		if !pending {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.closed:
			return
		}
	}
	close(c.lines)
	if c.onReaderClosed != nil {
		c.onReaderClosed()
	}
	c.closeOnce.Do(func() { close(c.closed) })
}

// scanLines is bufio.ScanLines generalised to recognise the bare SMS
// prompt '>' with no CR/LF terminator.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) >= 1 && data[0] == '>' {
		i := 1
		for ; i < len(data) && data[i] == ' '; i++ {
		}
		return i, data[0:1], nil
	}
	return bufio.ScanLines(data, atEOF)
}
