package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/sms/encoding/pdumode"

	"github.com/cellwire/ril/atchannel"
	"github.com/cellwire/ril/radiostate"
)

// SetRadioPower issues `+CFUN` to move the radio between Off and
// SIMNotReady; the state transition itself happens in radiostate once
// the command succeeds.
func SetRadioPower(ctx context.Context, ch *atchannel.Channel, state *radiostate.Model, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	if _, err := ch.SendCommand(ctx, "+CFUN="+val); err != nil {
		return err
	}
	state.SetPower(on)
	return nil
}

// cmeToSIMStatus classifies a `+CPIN?` reply and its CME error per §4.F's
// SIM poll algorithm.
func cmeToSIMStatus(rsp atchannel.Response) radiostate.SIMStatus {
	if rsp.HasCMEError {
		switch rsp.CMEError {
		case 10, 13: // SIM not inserted, SIM failure (§8 boundary behavior)
			return radiostate.SIMAbsent
		case 7:
			return radiostate.SIMPowerOff
		}
	}
	if !rsp.OK || len(rsp.Info) == 0 {
		return radiostate.SIMStatusNotReady
	}
	status := strings.TrimSpace(strings.TrimPrefix(rsp.Info[0], "+CPIN:"))
	switch status {
	case "READY":
		return radiostate.SIMStatusReady
	case "SIM PIN":
		return radiostate.SIMPIN
	case "SIM PUK":
		return radiostate.SIMPUK
	case "PH-NET PIN", "PH-NET PUK":
		return radiostate.SIMNetworkPerso
	default:
		return radiostate.SIMStatusNotReady
	}
}

// PollSIMStatus issues `+CPIN?` and classifies the result, updating the
// state model. The model's OnSIMPoll hook, not the caller, reacts to the
// result: the engine's hook schedules a 1s re-poll for SIMStatusNotReady
// and the 60s reset cycle for SIMPowerOff.
func PollSIMStatus(ctx context.Context, ch *atchannel.Channel, state *radiostate.Model) (radiostate.SIMStatus, error) {
	rsp, err := ch.SendSingleLine(ctx, "+CPIN?", "+CPIN:")
	if err != nil && err != atchannel.ErrGeneric {
		return radiostate.SIMStatusNotReady, err
	}
	status := cmeToSIMStatus(rsp)
	state.SIMPollResult(status)
	return status, nil
}

// Identity holds the results of the basic-status identity queries.
type Identity struct {
	IMEI string
	IMSI string
}

// GetIdentity issues `+CGSN` and `+CIMI`.
func GetIdentity(ctx context.Context, ch *atchannel.Channel) (Identity, error) {
	var id Identity
	rsp, err := ch.SendNumeric(ctx, "+CGSN")
	if err != nil {
		return id, err
	}
	if len(rsp.Info) > 0 {
		id.IMEI = strings.TrimSpace(rsp.Info[0])
	}
	rsp, err = ch.SendNumeric(ctx, "+CIMI")
	if err != nil {
		return id, err
	}
	if len(rsp.Info) > 0 {
		id.IMSI = strings.TrimSpace(rsp.Info[0])
	}
	return id, nil
}

// RegistrationState is the parsed result of `+CREG?`/`+CGREG?`, handling
// every shape variation of §8 scenario 5.
type RegistrationState struct {
	Status int
	LAC    string
	CID    string
	// AcT is the access technology, present only when a bare number
	// follows the quoted LAC/CID fields.
	AcT     int
	HasAcT  bool
	HasArea bool
}

// ParseRegistration parses an info line such as:
//
//	+CGREG: 1
//	+CGREG: 2,1
//	+CGREG: 1,"1A2B","00001234"
//	+CGREG: 2,1,"1A2B","00001234"
//	+CGREG: 1,"1A2B","00001234",2
//
// normalising LAC/CID hex to lowercase, 4 and 8 digits respectively.
func ParseRegistration(line string) (RegistrationState, error) {
	body := strings.TrimSpace(line)
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		body = body[idx+1:]
	}
	fields := splitCSVRespectingQuotes(body)
	var nums []string
	var quoted []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if strings.HasPrefix(f, `"`) {
			quoted = append(quoted, strings.Trim(f, `"`))
		} else if len(quoted) == 0 {
			// Only bare numbers before the quoted fields are mode/status;
			// a trailing AcT is read separately below.
			nums = append(nums, f)
		}
	}
	var rs RegistrationState
	switch len(nums) {
	case 1:
		// "+CGREG: 1" -- bare status.
		s, err := strconv.Atoi(nums[0])
		if err != nil {
			return rs, atchannel.ErrInvalidResponse
		}
		rs.Status = s
	case 2:
		// "+CGREG: 2,1" -- mode echo + status.
		s, err := strconv.Atoi(nums[1])
		if err != nil {
			return rs, atchannel.ErrInvalidResponse
		}
		rs.Status = s
	default:
		return rs, atchannel.ErrInvalidResponse
	}
	if len(quoted) >= 2 {
		rs.HasArea = true
		rs.LAC = normalizeHex(quoted[0], 4)
		rs.CID = normalizeHex(quoted[1], 8)
	}
	// AcT, when present, is a trailing bare number after the quoted
	// fields, so derive it from the raw line rather than the nums/quoted
	// split above.
	if rs.HasArea {
		if act, ok := trailingBareNumber(body); ok {
			rs.AcT = act
			rs.HasAcT = true
		}
	}
	return rs, nil
}

func splitCSVRespectingQuotes(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

func normalizeHex(s string, width int) string {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return strings.ToLower(s)
	}
	return fmt.Sprintf("%0*x", width, v)
}

// trailingBareNumber looks for a final unquoted numeric field after the
// last quoted field, for the 5-field registration shape.
func trailingBareNumber(body string) (int, bool) {
	lastQuote := strings.LastIndexByte(body, '"')
	if lastQuote < 0 || lastQuote+1 >= len(body) {
		return 0, false
	}
	rest := strings.TrimLeft(body[lastQuote+1:], ", ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetRegistration issues the given registration command ("+CREG?" or
// "+CGREG?") and parses the result.
func GetRegistration(ctx context.Context, ch *atchannel.Channel, cmd, prefix string) (RegistrationState, error) {
	rsp, err := ch.SendSingleLine(ctx, cmd, prefix)
	if err != nil {
		return RegistrationState{}, err
	}
	if len(rsp.Info) == 0 {
		return RegistrationState{}, atchannel.ErrInvalidResponse
	}
	return ParseRegistration(rsp.Info[0])
}

// DataCallEntry is one parsed `+CGDCONT?` line.
type DataCallEntry struct {
	CID     int
	Type    string
	APN     string
	Address string
}

// ListDataCalls issues `+CGDCONT?`, exercising send-multiline, and
// parses each returned context definition.
func ListDataCalls(ctx context.Context, ch *atchannel.Channel) ([]DataCallEntry, error) {
	rsp, err := ch.SendMultiLine(ctx, "+CGDCONT?", "+CGDCONT:")
	if err != nil {
		return nil, err
	}
	entries := make([]DataCallEntry, 0, len(rsp.Info))
	for _, line := range rsp.Info {
		fields := splitCSVRespectingQuotes(strings.TrimSpace(strings.TrimPrefix(line, "+CGDCONT:")))
		if len(fields) < 4 {
			continue
		}
		cid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		entries = append(entries, DataCallEntry{
			CID:     cid,
			Type:    strings.Trim(strings.TrimSpace(fields[1]), `"`),
			APN:     strings.Trim(strings.TrimSpace(fields[2]), `"`),
			Address: strings.Trim(strings.TrimSpace(fields[3]), `"`),
		})
	}
	return entries, nil
}

// GetSignalStrength issues `+CSQ`, a plain numeric-intermediate command.
func GetSignalStrength(ctx context.Context, ch *atchannel.Channel) (rssi int, err error) {
	rsp, err := ch.SendNumeric(ctx, "+CSQ")
	if err != nil {
		return 0, err
	}
	if len(rsp.Info) == 0 {
		return 0, atchannel.ErrInvalidResponse
	}
	fields := strings.SplitN(strings.TrimSpace(rsp.Info[0]), ",", 2)
	rssi, convErr := strconv.Atoi(strings.TrimSpace(fields[0]))
	if convErr != nil {
		return 0, atchannel.ErrInvalidResponse
	}
	return rssi, nil
}

// SendFailRetry classifies a CMS error from a failed SMS send as
// retryable (§7: "SMS send CMS 331/332 => SEND_FAIL_RETRY").
func SendFailRetry(rsp atchannel.Response) bool {
	return rsp.HasCMSError && (rsp.CMSError == 331 || rsp.CMSError == 332)
}

// SendSMSPDU sends a binary TPDU via the two-stage `+CMGS` exchange,
// using pdumode.PDU{} (SMSC length 0, meaning "use SIM default") exactly
// as the teacher's gsm.GSM.SendSMSPDU does -- see DESIGN.md's Open
// Question decision on the SMSC-prepend conflation.
func SendSMSPDU(ctx context.Context, ch *atchannel.Channel, tpdu []byte) (mr string, err error) {
	pdu := pdumode.PDU{TPDU: tpdu}
	hexPDU, err := pdu.MarshalHexString()
	if err != nil {
		return "", err
	}
	rsp, err := ch.SendSMS(ctx, fmt.Sprintf("+CMGS=%d", len(tpdu)), hexPDU, "+CMGS:")
	if err != nil {
		if SendFailRetry(rsp) {
			return "", fmt.Errorf("handlers: sms send retryable: %w", err)
		}
		return "", err
	}
	if len(rsp.Info) == 0 {
		return "", atchannel.ErrInvalidResponse
	}
	return strings.TrimSpace(strings.TrimPrefix(rsp.Info[0], "+CMGS:")), nil
}
