// Package hostabi is the Host-ABI Shim (§4.I): it owns the engine's
// channels, queues and state, wires the unsolicited Router's table (§4.D)
// to the radio/SIM state model and the SMS gate, runs the post-SIM
// initialization sequence (§6), and exposes host-ABI-style entry points:
// Submit (`on_request`), CurrentState (`current_state`) and
// AcknowledgeSMS. It has no `supports`, `cancel` or `version` entry
// points.
//
// Process-wide singletons (the channels, the two queues) are fields of
// Engine, not module-scope state, per the design note in spec §9.
package hostabi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/cellwire/ril/atchannel"
	"github.com/cellwire/ril/handlers"
	"github.com/cellwire/ril/radiostate"
	"github.com/cellwire/ril/reqqueue"
	"github.com/cellwire/ril/smsgate"
	"github.com/cellwire/ril/trace"
	"github.com/cellwire/ril/transport"
	"github.com/cellwire/ril/unsolicited"
)

// postSIMInitSequence is the exact, ordered, best-effort command list of
// spec §6, run once the SIM reaches SIMReady.
var postSIMInitSequence = []string{
	`+CSMS=0`,
	`+CNMI=2,2,2,1,0`,
	`+CPMS="SM","SM","SM"`,
	`+CREG=2`, // fallback +CREG=1 handled specially, see runPostSIMInit
	`*EREG=0`,
	`+CCWA=1`,
	`+CMUT=0`,
	`+CSSN=1,1`,
	`+CUSD=1`,
	`+CGEREP=1,0`,
	`+CMGF=0`,
	`*ETZR=2`,
	`*ECAM=1`,
	`*STKC=1,"000000000000000000"`,
	`+CMER=3,0,0,1`,
}

// Engine is the process-wide object: one place owning the AT channels, the two request queues, the state model
// and the SMS gate, with explicit Init/Shutdown instead of module-scope
// globals.
type Engine struct {
	cfg Config
	log *log.Logger

	normalChannel   *atchannel.Channel
	priorityChannel *atchannel.Channel
	scheduler       *reqqueue.Scheduler
	state           *radiostate.Model
	gate            *smsgate.Gate
	dataCall        *handlers.DataCallHandler

	properties   map[string]string
	propertiesMu sync.Mutex

	onUnsolicitedToHost  func(code int, data interface{})
	onNewSMSToHost       func(pdu string)
	onStatusReportToHost func(pdu string)
	onRequestComplete    func(token interface{}, err error, data interface{})

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New constructs an Engine. It does not open the transport; call Init.
func New(cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:        cfg,
		log:        logger,
		properties: make(map[string]string),
		shutdown:   make(chan struct{}),
	}
	return e
}

// HostCallbacks are the callbacks the core invokes into the host
// telephony stack: request completion (on_request_complete), unsolicited
// responses (on_unsolicited_response), and the SMS gate's new-SMS and
// status-report deliveries. There is no timed callback; the engine
// schedules its own timed work on its request queues. cmd/rild
// populates it with logging callbacks.
type HostCallbacks struct {
	OnRequestComplete func(token interface{}, err error, data interface{})
	OnUnsolicited     func(code int, data interface{})
	OnNewSMS          func(pdu string)
	OnStatusReport    func(pdu string)
}

// Init opens the transport(s), builds the channels, queues, state model
// and SMS gate, wires the unsolicited table, and starts the queue
// workers. It blocks until the primary transport is open (retrying with
// backoff) or ctx is cancelled.
func (e *Engine) Init(ctx context.Context, cb HostCallbacks) error {
	e.onUnsolicitedToHost = cb.OnUnsolicited
	e.onNewSMSToHost = cb.OnNewSMS
	e.onStatusReportToHost = cb.OnStatusReport
	e.onRequestComplete = cb.OnRequestComplete

	e.gate = smsgate.New(func(p smsgate.PDU) {
		switch p.Kind {
		case smsgate.NewSMS:
			if e.onNewSMSToHost != nil {
				e.onNewSMSToHost(p.Data)
			}
		case smsgate.StatusReport:
			if e.onStatusReportToHost != nil {
				e.onStatusReportToHost(p.Data)
			}
		}
	})

	e.scheduler = reqqueue.NewScheduler(reqqueue.DefaultPriority())
	if e.cfg.PriorityTTY == "" {
		e.scheduler.Priority.SetEnabled(false)
	}

	e.state = radiostate.New(radiostate.Hooks{
		OnSIMReady: func() {
			e.scheduler.ScheduleEvent(reqqueue.TargetPriority, reqqueue.Event{
				At:       time.Now(),
				Callback: func(interface{}) { e.runPostSIMInit(context.Background()) },
			})
		},
		OnSIMNotReady: func() {
			e.scheduleSIMPoll(0)
		},
		OnConnectionChanged: func(radiostate.Connection) {
			e.scheduler.ScheduleEvent(reqqueue.TargetPriority, reqqueue.Event{
				At: time.Now(),
				Callback: func(interface{}) {
					if e.onUnsolicitedToHost != nil {
						e.onUnsolicitedToHost(UnsolDataCallListChanged, nil)
					}
				},
			})
		},
		OnSIMPoll: func(status radiostate.SIMStatus) {
			switch status {
			case radiostate.SIMStatusNotReady:
				e.scheduleSIMPoll(time.Second)
			case radiostate.SIMPowerOff:
				e.scheduleSIMResetLoop()
			}
		},
	})

	normalTransport, err := e.openTransport(ctx, e.cfg.PrimaryTTY)
	if err != nil {
		return err
	}
	e.normalChannel = atchannel.New(normalTransport,
		atchannel.WithLogger(e.log),
		atchannel.WithDeadline(e.cfg.DefaultTimeout),
		atchannel.WithRouter(e.buildRouter()),
		atchannel.WithTimeoutFunc(func() { e.onChannelTimeout(e.normalChannel) }),
		atchannel.WithReaderClosedFunc(e.onReaderClosed),
	)
	e.state.TransportOpened()

	if e.cfg.PriorityTTY != "" {
		prioTransport, err := e.openTransport(ctx, e.cfg.PriorityTTY)
		if err != nil {
			return err
		}
		e.priorityChannel = atchannel.New(prioTransport,
			atchannel.WithLogger(e.log),
			atchannel.WithDeadline(30*time.Second),
			atchannel.WithRouter(e.buildRouter()),
			atchannel.WithTimeoutFunc(func() { e.onChannelTimeout(e.priorityChannel) }),
		)
	} else {
		e.priorityChannel = e.normalChannel
		e.scheduler.Priority.SetEnabled(false)
	}

	e.dataCall = &handlers.DataCallHandler{
		Channel: e.normalChannel,
		State:   e.state,
		Iface:   e.cfg.Interface,
		Netlink: handlers.SysNetlink{},
		PublishDNS: func(iface, gw, dns1, dns2 string) {
			e.publish(iface, gw, dns1, dns2)
		},
	}

	go e.scheduler.Normal.Run(func(r *reqqueue.Request) { e.dispatch(r, e.normalChannel) })
	go e.scheduler.Priority.Run(func(r *reqqueue.Request) { e.dispatch(r, e.priorityChannel) })

	e.scheduleSIMPoll(0) // the OnSIMNotReady hook schedules another poll on OFF -> SIM_NOT_READY; the queue does not deduplicate, so both run

	return nil
}

// Shutdown closes the queues and channels.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdown)
		e.scheduler.Close()
		if e.normalChannel != nil {
			e.normalChannel.Close()
		}
		if e.priorityChannel != nil && e.priorityChannel != e.normalChannel {
			e.priorityChannel.Close()
		}
	})
}

func (e *Engine) openTransport(ctx context.Context, ttyPath string) (transport.Transport, error) {
	cfg := transport.Config{
		TTYPath: ttyPath,
		Baud:    115200,
		Host:    e.cfg.Host,
		Port:    e.cfg.Port,
	}
	t, err := transport.Open(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "hostabi: open transport")
	}
	if !transport.AwaitBanner(ctx, t, 10*time.Second) {
		e.log.Info("no EMRDY banner, proceeding")
	}
	if e.cfg.Verbose {
		return trace.New(t, e.log), nil
	}
	return t, nil
}

func (e *Engine) onReaderClosed() {
	e.state.ReaderClosed()
	e.scheduler.Close()
}

func (e *Engine) onChannelTimeout(ch *atchannel.Channel) {
	ch.Close()
	e.state.ReaderClosed()
}

// CurrentState implements the host ABI's current_state() query.
func (e *Engine) CurrentState() radiostate.Radio {
	return e.state.Radio()
}

// AcknowledgeSMS implements the host ABI's SMS-ack entry point (§4.G).
func (e *Engine) AcknowledgeSMS() {
	e.gate.Acknowledge()
}

// Submit implements the host ABI's on_request() entry point: it enqueues
// a Request per the priority table and returns once it has been queued,
// not once it completes. The result arrives later via
// HostCallbacks.OnRequestComplete.
func (e *Engine) Submit(code reqqueue.Code, payload interface{}, token interface{}) error {
	return e.scheduler.Submit(&reqqueue.Request{Code: code, Payload: payload, Token: token})
}

// PublishedProperties returns a snapshot of the system properties
// published on the data-call success path (§6), a stand-in for the host
// telephony stack's property store.
func (e *Engine) PublishedProperties() map[string]string {
	e.propertiesMu.Lock()
	defer e.propertiesMu.Unlock()
	out := make(map[string]string, len(e.properties))
	for k, v := range e.properties {
		out[k] = v
	}
	return out
}

func (e *Engine) publish(iface, gw, dns1, dns2 string) {
	e.propertiesMu.Lock()
	defer e.propertiesMu.Unlock()
	e.properties[fmt.Sprintf("net.%s.gw", iface)] = gw
	e.properties[fmt.Sprintf("net.%s.dns1", iface)] = dns1
	e.properties[fmt.Sprintf("net.%s.dns2", iface)] = dns2
	e.properties["net.dns1"] = dns1
	e.properties["net.dns2"] = dns2
}

func (e *Engine) scheduleSIMPoll(after time.Duration) {
	e.scheduler.ScheduleEvent(reqqueue.TargetPriority, reqqueue.Event{
		At: time.Now().Add(after),
		Callback: func(interface{}) {
			if _, err := handlers.PollSIMStatus(context.Background(), e.priorityChannel, e.state); err != nil {
				e.log.Debug("sim poll failed", "err", err)
			}
		},
	})
}

func (e *Engine) scheduleSIMResetLoop() {
	e.scheduler.ScheduleEvent(reqqueue.TargetPriority, reqqueue.Event{
		At: time.Now().Add(60 * time.Second),
		Callback: func(interface{}) {
			ctx := context.Background()
			handlers.SetRadioPower(ctx, e.priorityChannel, e.state, false)
			handlers.SetRadioPower(ctx, e.priorityChannel, e.state, true)
		},
	})
}

// runPostSIMInit runs the exact command sequence of §6, best-effort: a
// single command failing does not abort the rest. "+CREG=2" falls back
// to "+CREG=1" when the modem rejects the extended format.
func (e *Engine) runPostSIMInit(ctx context.Context) {
	seq := postSIMInitSequence
	if len(e.cfg.PostSIMInit) > 0 {
		seq = e.cfg.PostSIMInit
	}
	for _, cmd := range seq {
		_, err := e.priorityChannel.SendCommand(ctx, cmd)
		if err != nil && cmd == `+CREG=2` {
			e.priorityChannel.SendCommand(ctx, `+CREG=1`)
			continue
		}
		if err != nil {
			e.log.Debug("post-SIM init command failed", "cmd", cmd, "err", err)
		}
	}
}

// Unsolicited event codes surfaced to the host (§4.D), a stand-in for the
// host ABI's RIL_UNSOL_* enumeration referenced, but not defined, by
// spec §6.
const (
	UnsolNetworkTimeReceived = iota
	UnsolNetworkStateChanged
	UnsolSIMStateChanged
	UnsolConnectionStateChanged
	UnsolSIMHotSwap
	UnsolCallRing
	UnsolCallStateChanged
	UnsolDataCallListChanged
	UnsolSignalStrengthChanged
	UnsolSupplementaryService
	UnsolUSSDReceived
	UnsolSTKSessionEnd
)

// buildRouter constructs the unsolicited prefix table of §4.D, wiring
// each prefix to the state model, the SMS gate, or the scheduler as
// appropriate. Handlers here run on the reader goroutine and must not
// issue commands -- they only touch the state model's locked cells, the
// gate's locked list, and the scheduler's queues, none of which take the
// AT channel's mutex.
func (e *Engine) buildRouter() *unsolicited.Router {
	r := unsolicited.New()

	r.Register("*ETZV:", func(ev unsolicited.Event) {
		e.notifyHost(UnsolNetworkTimeReceived, ev.Line)
		e.notifyHost(UnsolNetworkStateChanged, nil)
	})
	r.Register("*EPEV", func(unsolicited.Event) {
		e.scheduleSIMPoll(0)
	})
	r.Register("*ESIMSR:", func(ev unsolicited.Event) {
		e.notifyHost(UnsolSIMStateChanged, ev.Line)
		if code, ok := trailingInt(ev.Line); ok && code == 7 {
			e.scheduleSIMResetLoop()
		}
	})
	r.Register("*E2NAP:", func(ev unsolicited.Event) {
		state, cause := parseE2NAP(ev.Line)
		e.state.SetConnection(radiostate.Connection{State: state, Cause: cause})
	})
	r.Register("*EESIMSWAP:", func(ev unsolicited.Event) {
		inserted := strings.Contains(ev.Line, "1")
		e.state.SetHotSwapPending(!inserted)
		e.notifyHost(UnsolSIMHotSwap, inserted)
	})
	r.Register("+CRING:", func(ev unsolicited.Event) { e.notifyHost(UnsolCallRing, ev.Line) })
	r.Register("RING", func(ev unsolicited.Event) { e.notifyHost(UnsolCallRing, ev.Line) })
	r.Register("NO CARRIER", func(ev unsolicited.Event) { e.notifyHost(UnsolCallStateChanged, ev.Line) })
	r.Register("+CCWA", func(ev unsolicited.Event) { e.notifyHost(UnsolCallStateChanged, ev.Line) })
	r.Register("BUSY", func(ev unsolicited.Event) { e.notifyHost(UnsolCallStateChanged, ev.Line) })
	r.Register("+CREG:", func(ev unsolicited.Event) { e.notifyHost(UnsolNetworkStateChanged, ev.Line) })
	r.Register("+CGREG:", func(ev unsolicited.Event) { e.notifyHost(UnsolNetworkStateChanged, ev.Line) })
	r.Register("+CMT:", func(ev unsolicited.Event) {
		e.gate.Indicate(smsgate.PDU{Kind: smsgate.NewSMS, Data: ev.Payload})
	})
	r.Register("+CBM:", func(ev unsolicited.Event) { e.notifyHost(UnsolSupplementaryService, ev.Payload) })
	r.Register("+CMTI:", func(ev unsolicited.Event) { e.notifyHost(UnsolNetworkStateChanged, ev.Line) })
	r.Register("+CDS:", func(ev unsolicited.Event) {
		e.gate.Indicate(smsgate.PDU{Kind: smsgate.StatusReport, Data: ev.Payload})
	})
	r.Register("+CIEV: 2", func(ev unsolicited.Event) { e.notifyHost(UnsolSignalStrengthChanged, ev.Line) })
	r.Register("+CSSI:", func(ev unsolicited.Event) { e.notifyHost(UnsolSupplementaryService, ev.Line) })
	r.Register("+CSSU:", func(ev unsolicited.Event) { e.notifyHost(UnsolSupplementaryService, ev.Line) })
	r.Register("+CUSD:", func(ev unsolicited.Event) { e.notifyHost(UnsolUSSDReceived, ev.Line) })
	r.Register("*STKEND", func(ev unsolicited.Event) { e.notifyHost(UnsolSTKSessionEnd, ev.Line) })

	return r
}

func (e *Engine) notifyHost(code int, data interface{}) {
	if e.onUnsolicitedToHost != nil {
		e.onUnsolicitedToHost(code, data)
	}
}

// parseE2NAP parses "*E2NAP: <state>[,<cause>]" into a ConnState/cause
// pair.
func parseE2NAP(line string) (radiostate.ConnState, int) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "*E2NAP:"))
	fields := strings.SplitN(body, ",", 2)
	stateCode, _ := strconv.Atoi(strings.TrimSpace(fields[0]))
	cause := 0
	if len(fields) == 2 {
		cause, _ = strconv.Atoi(strings.TrimSpace(fields[1]))
	}
	var state radiostate.ConnState
	switch stateCode {
	case 1:
		state = radiostate.Connecting
	case 2:
		state = radiostate.Connected
	default:
		state = radiostate.Disconnected
	}
	return state, cause
}

func trailingInt(line string) (int, bool) {
	parts := strings.FieldsFunc(line, func(r rune) bool { return r == ':' || r == ' ' || r == ',' })
	if len(parts) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	return n, err == nil
}

// dispatch runs the admission policy of §4.E and then a request's
// handler, on the worker goroutine owning ch.
func (e *Engine) dispatch(r *reqqueue.Request, ch *atchannel.Channel) {
	class := admissionClassOf(reqqueue.Code(r.Code))
	if err := e.state.Admit(class); err != nil {
		e.completeRequest(r, err, nil)
		return
	}
	e.handle(r, ch)
}

// admissionClassOf maps a request code to its admission whitelist
// membership (§4.E). Radio power and SIM status must always be
// admissible (even while Unavailable, per §4.E's "one exception"), which
// is handled directly in Admit rather than here.
func admissionClassOf(code reqqueue.Code) radiostate.RequestClass {
	switch code {
	case reqqueue.CodeRadioPower, reqqueue.CodeGetSIMStatus, reqqueue.CodeSIMStatePoll,
		reqqueue.CodeGetIMEI, reqqueue.CodeGetIMSI, reqqueue.CodeBasicStatus:
		return radiostate.RequestClass{BasicStatus: true}
	case reqqueue.CodeSetupDataCall, reqqueue.CodeDeactivateData, reqqueue.CodeDataCallList,
		reqqueue.CodeSendSMS, reqqueue.CodeUSSD:
		return radiostate.RequestClass{RequiresSIM: true}
	default:
		return radiostate.RequestClass{}
	}
}

func (e *Engine) handle(r *reqqueue.Request, ch *atchannel.Channel) {
	ctx := context.Background()
	switch reqqueue.Code(r.Code) {
	case reqqueue.CodeRadioPower:
		on, _ := r.Payload.(bool)
		err := handlers.SetRadioPower(ctx, ch, e.state, on)
		e.completeRequest(r, err, nil)
	case reqqueue.CodeGetSIMStatus:
		status, err := handlers.PollSIMStatus(ctx, ch, e.state)
		e.completeRequest(r, err, status)
	case reqqueue.CodeGetIMEI, reqqueue.CodeGetIMSI, reqqueue.CodeBasicStatus:
		id, err := handlers.GetIdentity(ctx, ch)
		e.completeRequest(r, err, id)
	case reqqueue.CodeRegistration:
		cmd, _ := r.Payload.(string)
		prefix := "+CGREG:"
		if cmd == "+CREG?" {
			prefix = "+CREG:"
		}
		rs, err := handlers.GetRegistration(ctx, ch, cmd, prefix)
		e.completeRequest(r, err, rs)
	case reqqueue.CodeSignalStrength:
		rssi, err := handlers.GetSignalStrength(ctx, ch)
		e.completeRequest(r, err, rssi)
	case reqqueue.CodeSetupDataCall:
		req, _ := r.Payload.(handlers.DataCallRequest)
		result, err := e.dataCall.Setup(ctx, req)
		e.completeRequest(r, err, result)
	case reqqueue.CodeDeactivateData:
		err := e.dataCall.Teardown(ctx)
		e.completeRequest(r, err, nil)
	case reqqueue.CodeDataCallList:
		list, err := handlers.ListDataCalls(ctx, ch)
		e.completeRequest(r, err, list)
	case reqqueue.CodeSendSMS:
		tpdu, _ := r.Payload.([]byte)
		mr, err := handlers.SendSMSPDU(ctx, ch, tpdu)
		e.completeRequest(r, err, mr)
	default:
		e.completeRequest(r, errUnsupportedRequest, nil)
	}
}

var errUnsupportedRequest = errors.New("hostabi: unsupported request code")

func (e *Engine) completeRequest(r *reqqueue.Request, err error, data interface{}) {
	if e.onRequestComplete != nil {
		e.onRequestComplete(r.Token, err, data)
	}
}
