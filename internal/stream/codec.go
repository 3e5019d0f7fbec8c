package stream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"tradewire/internal/domain"
)

// Streamer commands.
const (
	cmdLogin  = "LOGIN"
	cmdLogout = "LOGOUT"
	cmdQOS    = "QOS"
	cmdSubs   = "SUBS"
	cmdAdd    = "ADD"
	cmdUnsubs = "UNSUBS"
)

// wireRequest is one entry of the outbound request envelope.
type wireRequest struct {
	Service    string            `json:"service"`
	Command    string            `json:"command"`
	RequestID  int64             `json:"requestid"`
	Account    string            `json:"account"`
	Source     string            `json:"source"`
	Parameters map[string]string `json:"parameters"`
}

type requestEnvelope struct {
	Requests []wireRequest `json:"requests"`
}

// Encoder builds outbound request frames. Request ids are monotonic per
// connection starting at 0, so the LOGIN request of a fresh connection is
// always id 0. Not safe for concurrent use; the session serializes access.
type Encoder struct {
	account string
	source  string
	nextID  int64
}

// NewEncoder creates an Encoder for one connection. source is the app id
// from the login payload.
func NewEncoder(account, source string) *Encoder {
	return &Encoder{account: account, source: source}
}

func (e *Encoder) encode(service, command string, params map[string]string) ([]byte, int64, error) {
	id := e.nextID
	e.nextID++
	env := requestEnvelope{Requests: []wireRequest{{
		Service:    service,
		Command:    command,
		RequestID:  id,
		Account:    e.account,
		Source:     e.source,
		Parameters: params,
	}}}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, 0, err
	}
	return raw, id, nil
}

// Login builds the ADMIN LOGIN request from a fresh payload.
func (e *Encoder) Login(p *LoginPayload, qos int) ([]byte, int64, error) {
	return e.encode(string(domain.ServiceAdmin), cmdLogin, map[string]string{
		"credential": p.credential(),
		"token":      p.Token,
		"version":    "1.0",
		"qoslevel":   strconv.Itoa(qos),
	})
}

// Logout builds the ADMIN LOGOUT request.
func (e *Encoder) Logout() ([]byte, int64, error) {
	return e.encode(string(domain.ServiceAdmin), cmdLogout, map[string]string{})
}

// QOS builds the ADMIN QOS request. Doubles as the keepalive probe.
func (e *Encoder) QOS(level int) ([]byte, int64, error) {
	return e.encode(string(domain.ServiceAdmin), cmdQOS, map[string]string{
		"qoslevel": strconv.Itoa(level),
	})
}

// Subscribe builds a full SUBS request. On the wire SUBS replaces the
// server-side key set for the service, so the caller passes the complete
// desired set.
func (e *Encoder) Subscribe(service domain.Service, keys, fields []string) ([]byte, int64, error) {
	return e.encode(string(service), cmdSubs, map[string]string{
		"keys":   strings.Join(keys, ","),
		"fields": strings.Join(fields, ","),
	})
}

// Add builds an incremental ADD request carrying only the new keys.
func (e *Encoder) Add(service domain.Service, keys, fields []string) ([]byte, int64, error) {
	return e.encode(string(service), cmdAdd, map[string]string{
		"keys":   strings.Join(keys, ","),
		"fields": strings.Join(fields, ","),
	})
}

// Unsubscribe builds an UNSUBS request for the given keys.
func (e *Encoder) Unsubscribe(service domain.Service, keys []string) ([]byte, int64, error) {
	return e.encode(string(service), cmdUnsubs, map[string]string{
		"keys": strings.Join(keys, ","),
	})
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

// Frame is a decoded inbound frame: admin response, data, or notify.
type Frame interface {
	frame()
}

// AdminResponse is one command acknowledgement. Code 0 is success.
type AdminResponse struct {
	Service   string
	Command   string
	RequestID int64
	Code      int
	Msg       string
}

// AdminFrame carries one or more command acknowledgements.
type AdminFrame struct {
	Responses []AdminResponse
}

// DataFrame carries decoded market or account events.
type DataFrame struct {
	Events []Event
}

// NotifyFrame is a server heartbeat.
type NotifyFrame struct {
	Heartbeat time.Time
}

func (*AdminFrame) frame()  {}
func (*DataFrame) frame()   {}
func (*NotifyFrame) frame() {}

// Event is one keyed row from a data frame. Fields maps field-code strings
// to raw JSON values; codes the decoder does not recognize are preserved so
// consumers can still read them.
type Event struct {
	Service    domain.Service
	Epoch      uint64
	Seq        uint64
	Key        string
	Fields     map[string]any
	ReceivedAt time.Time
}

// Decoder parses inbound frames for one connection. It stamps every event
// with the connection epoch and a per-connection sequence so the dispatcher
// can discard events from a superseded connection.
type Decoder struct {
	epoch uint64
	seq   uint64
	now   func() time.Time
}

// NewDecoder creates a Decoder for the connection with the given epoch.
func NewDecoder(epoch uint64) *Decoder {
	return &Decoder{epoch: epoch, now: time.Now}
}

type inboundEnvelope struct {
	Response []struct {
		Service   string `json:"service"`
		Command   string `json:"command"`
		RequestID int64  `json:"requestid"`
		Content   struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"content"`
	} `json:"response"`
	Data []struct {
		Service string           `json:"service"`
		Content []map[string]any `json:"content"`
	} `json:"data"`
	Notify []struct {
		Heartbeat string `json:"heartbeat"`
	} `json:"notify"`
}

// Decode parses one raw frame. Malformed input returns a DecodeError; rows
// for services the decoder does not know are skipped, not failed, so new
// server-side services never break the read loop.
func (d *Decoder) Decode(raw []byte) (Frame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}

	switch {
	case len(env.Response) > 0:
		f := &AdminFrame{Responses: make([]AdminResponse, 0, len(env.Response))}
		for _, r := range env.Response {
			f.Responses = append(f.Responses, AdminResponse{
				Service:   r.Service,
				Command:   r.Command,
				RequestID: r.RequestID,
				Code:      r.Content.Code,
				Msg:       r.Content.Msg,
			})
		}
		return f, nil

	case len(env.Data) > 0:
		f := &DataFrame{}
		now := d.now()
		for _, blk := range env.Data {
			svc, err := domain.ParseService(blk.Service)
			if err != nil || !svc.Valid() {
				continue
			}
			for _, row := range blk.Content {
				key, _ := row["key"].(string)
				fields := make(map[string]any, len(row))
				for k, v := range row {
					if k == "key" {
						continue
					}
					fields[k] = v
				}
				d.seq++
				f.Events = append(f.Events, Event{
					Service:    svc,
					Epoch:      d.epoch,
					Seq:        d.seq,
					Key:        key,
					Fields:     fields,
					ReceivedAt: now,
				})
			}
		}
		return f, nil

	case len(env.Notify) > 0:
		f := &NotifyFrame{}
		if ms, err := strconv.ParseInt(env.Notify[0].Heartbeat, 10, 64); err == nil {
			f.Heartbeat = time.UnixMilli(ms)
		}
		return f, nil
	}

	return nil, &DecodeError{Reason: "unrecognized frame shape"}
}
