package reqqueue

// Priority is the implicit priority of a request code (§4.E Enqueue
// policy).
type Priority int

const (
	// Normal requests are served by the NORMAL queue.
	Normal Priority = iota
	// High requests go to PRIORITY when it is enabled, else fall
	// through to NORMAL.
	High
)

// Target selects which queue(s) a Scheduled Event is submitted to.
type Target int

const (
	TargetNormal Target = iota
	TargetPriority
	TargetBoth
)

// Scheduler owns the two queues and the request-code priority table
// (§4.E). It does not run the workers itself -- callers start Normal.Run
// and Priority.Run on their own goroutines, each with its own AT channel
// -- but it is the single point requests and events are submitted
// through, so the enqueue policy lives in one place.
type Scheduler struct {
	Normal   *Queue
	Priority *Queue

	priorityOf map[Code]Priority
}

// NewScheduler creates a Scheduler with both queues open. priorityTable
// assigns each known request code its priority; codes absent from the
// table default to Normal.
func NewScheduler(priorityTable map[Code]Priority) *Scheduler {
	return &Scheduler{
		Normal:     New(),
		Priority:   New(),
		priorityOf: priorityTable,
	}
}

// PriorityOf returns the configured priority of code, defaulting to
// Normal for codes not present in the table.
func (s *Scheduler) PriorityOf(code Code) Priority {
	if s.priorityOf == nil {
		return Normal
	}
	return s.priorityOf[code]
}

// Submit enqueues r on PRIORITY if its code is High priority and the
// PRIORITY queue is enabled, else on NORMAL.
func (s *Scheduler) Submit(r *Request) error {
	if s.PriorityOf(r.Code) == High && s.Priority.Enabled() {
		return s.Priority.Enqueue(r)
	}
	return s.Normal.Enqueue(r)
}

// ScheduleEvent submits e to the queue(s) named by target. TargetBoth
// enqueues independent copies on each queue, since an Event is consumed
// (popped) by whichever queue's worker fires it.
func (s *Scheduler) ScheduleEvent(target Target, e Event) error {
	switch target {
	case TargetPriority:
		ev := e
		return s.Priority.Schedule(&ev)
	case TargetBoth:
		n := e
		p := e
		if err := s.Normal.Schedule(&n); err != nil {
			return err
		}
		return s.Priority.Schedule(&p)
	default:
		ev := e
		return s.Normal.Schedule(&ev)
	}
}

// Close closes both queues.
func (s *Scheduler) Close() {
	s.Normal.Close()
	s.Priority.Close()
}

// DefaultPriority is the request-code priority table used by cmd/rild.
// The original ST-Ericsson source (u300-ril.c) references an
// isPrioRequest table but the excerpt available does not define it; this
// is this implementation's derivation from the handlers actually built
// (see DESIGN.md "isPrioRequest table"). Radio power, SIM status,
// connection-state queries and the PIN poll are priority: they gate
// admission of everything else and must not queue behind a slow
// data-call handler. SMS send/receive-ack, USSD and data-call
// setup/teardown are normal.
func DefaultPriority() map[Code]Priority {
	return map[Code]Priority{
		CodeRadioPower:     High,
		CodeGetSIMStatus:   High,
		CodeSIMStatePoll:   High,
		CodeDataCallList:   High,
		CodeBasicStatus:    High,
		CodeSetupDataCall:  Normal,
		CodeDeactivateData: Normal,
		CodeSendSMS:        Normal,
		CodeUSSD:           Normal,
		CodeSignalStrength: Normal,
		CodeRegistration:   Normal,
	}
}

// Request codes recognised by the bundled handlers. This is not an
// exhaustive RIL request-code enumeration (that belongs to the host ABI,
// out of scope per spec §1) -- just enough codes for the priority table
// and admission policy above and the handlers in package handlers.
const (
	CodeRadioPower Code = iota
	CodeGetSIMStatus
	CodeSIMStatePoll
	CodeGetIMEI
	CodeGetIMSI
	CodeBasicStatus
	CodeRegistration
	CodeSignalStrength
	CodeSetupDataCall
	CodeDeactivateData
	CodeDataCallList
	CodeSendSMS
	CodeUSSD
)
