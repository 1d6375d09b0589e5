package domain

import (
	"encoding/json"
	"fmt"
)

type (
	SessionID uint64
	HandleID  uint64
)

// MessageType is the value of the "janus" field.
type MessageType string

const (
	TypeCreate    MessageType = "create"
	TypeAttach    MessageType = "attach"
	TypeMessage   MessageType = "message"
	TypeTrickle   MessageType = "trickle"
	TypeKeepAlive MessageType = "keepalive"
	TypeDetach    MessageType = "detach"
	TypeDestroy   MessageType = "destroy"

	TypeAck      MessageType = "ack"
	TypeSuccess  MessageType = "success"
	TypeEvent    MessageType = "event"
	TypeError    MessageType = "error"
	TypeWebRTCUp MessageType = "webrtcup"
	TypeHangup   MessageType = "hangup"
	TypeMedia    MessageType = "media"
	TypeSlowLink MessageType = "slowlink"
	TypeDetached MessageType = "detached"
	TypeTimeout  MessageType = "timeout"
)

// JSEP is a session description exchanged during negotiation.
type JSEP struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Trickle *bool  `json:"trickle,omitempty"`
}

// Candidate is one ICE candidate. A candidate with Completed set is the
// end-of-candidates marker.
type Candidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

// Request is an outbound gateway request.
type Request struct {
	Janus       MessageType `json:"janus"`
	Transaction string      `json:"transaction"`
	SessionID   SessionID   `json:"session_id,omitempty"`
	HandleID    HandleID    `json:"handle_id,omitempty"`
	Token       string      `json:"token,omitempty"`
	Plugin      string      `json:"plugin,omitempty"`
	Body        any         `json:"body,omitempty"`
	JSEP        *JSEP       `json:"jsep,omitempty"`
	Candidate   *Candidate  `json:"candidate,omitempty"`
}

// PluginData is the plugin-specific part of a success or event reply.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Err reports a plugin-level error carried in the data object.
func (p *PluginData) Err() error {
	if p == nil || len(p.Data) == 0 {
		return nil
	}
	var e struct {
		Code   int    `json:"error_code"`
		Reason string `json:"error"`
	}
	if err := json.Unmarshal(p.Data, &e); err != nil {
		return nil
	}
	if e.Code == 0 {
		return nil
	}
	return &GatewayError{Code: e.Code, Reason: e.Reason}
}

// Decode unmarshals the plugin data into v.
func (p *PluginData) Decode(v any) error {
	if p == nil || len(p.Data) == 0 {
		return fmt.Errorf("empty plugin data")
	}
	return json.Unmarshal(p.Data, v)
}

// Message is one decoded gateway reply. The set of implementations is closed:
// Decode never returns a type outside this file.
type Message interface {
	Type() MessageType
	Meta() Header
}

// Header carries the correlation fields shared by all replies.
type Header struct {
	Transaction string    `json:"transaction,omitempty"`
	SessionID   SessionID `json:"session_id,omitempty"`
	Sender      HandleID  `json:"sender,omitempty"`
}

func (h Header) Meta() Header { return h }

type Ack struct{ Header }

type Success struct {
	Header
	ID         uint64
	PluginData *PluginData
}

type Event struct {
	Header
	PluginData *PluginData
	JSEP       *JSEP
}

type Error struct {
	Header
	Err *GatewayError
}

type WebRTCUp struct{ Header }

type Hangup struct {
	Header
	Reason string
}

type Media struct {
	Header
	Kind      string
	Receiving bool
}

type SlowLink struct {
	Header
	Kind   string
	Uplink bool
	Lost   int
}

type Detached struct{ Header }

// Trickle is a remote candidate pushed by the gateway for a handle.
type Trickle struct {
	Header
	Candidate Candidate
}

type Timeout struct{ Header }

func (Ack) Type() MessageType      { return TypeAck }
func (Success) Type() MessageType  { return TypeSuccess }
func (Event) Type() MessageType    { return TypeEvent }
func (Error) Type() MessageType    { return TypeError }
func (WebRTCUp) Type() MessageType { return TypeWebRTCUp }
func (Hangup) Type() MessageType   { return TypeHangup }
func (Media) Type() MessageType    { return TypeMedia }
func (SlowLink) Type() MessageType { return TypeSlowLink }
func (Detached) Type() MessageType { return TypeDetached }
func (Timeout) Type() MessageType  { return TypeTimeout }
func (Trickle) Type() MessageType  { return TypeTrickle }

type successData struct {
	ID uint64 `json:"id"`
}

// envelope is the union of every reply field we read.
type envelope struct {
	Janus       MessageType   `json:"janus"`
	Transaction string        `json:"transaction"`
	SessionID   SessionID     `json:"session_id"`
	Sender      HandleID      `json:"sender"`
	Data        *successData  `json:"data"`
	PluginData  *PluginData   `json:"plugindata"`
	JSEP        *JSEP         `json:"jsep"`
	Error       *GatewayError `json:"error"`
	Reason      string        `json:"reason"`
	Type        string        `json:"type"`
	MediaKind   string        `json:"media"`
	Receiving   bool          `json:"receiving"`
	Uplink      bool          `json:"uplink"`
	Lost        int           `json:"lost"`
	Candidate   *Candidate    `json:"candidate"`
}

// Decode parses a gateway reply into its tagged variant. Unrecognized
// "janus" values and shapes missing their mandatory fields are rejected with
// ErrUnknownMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	h := Header{Transaction: env.Transaction, SessionID: env.SessionID, Sender: env.Sender}

	switch env.Janus {
	case TypeAck:
		if h.Transaction == "" {
			return nil, fmt.Errorf("%w: ack without transaction", ErrUnknownMessage)
		}
		return &Ack{Header: h}, nil
	case TypeSuccess:
		m := &Success{Header: h, PluginData: env.PluginData}
		if env.Data != nil {
			m.ID = env.Data.ID
		}
		return m, nil
	case TypeEvent:
		return &Event{Header: h, PluginData: env.PluginData, JSEP: env.JSEP}, nil
	case TypeError:
		ge := env.Error
		if ge == nil {
			ge = &GatewayError{Reason: "unspecified"}
		}
		return &Error{Header: h, Err: ge}, nil
	case TypeWebRTCUp:
		return &WebRTCUp{Header: h}, nil
	case TypeHangup:
		return &Hangup{Header: h, Reason: env.Reason}, nil
	case TypeMedia:
		kind := env.Type
		if kind == "" {
			kind = env.MediaKind
		}
		return &Media{Header: h, Kind: kind, Receiving: env.Receiving}, nil
	case TypeSlowLink:
		return &SlowLink{Header: h, Kind: env.MediaKind, Uplink: env.Uplink, Lost: env.Lost}, nil
	case TypeDetached:
		return &Detached{Header: h}, nil
	case TypeTimeout:
		return &Timeout{Header: h}, nil
	case TypeTrickle:
		if env.Candidate == nil || h.Sender == 0 {
			return nil, fmt.Errorf("%w: trickle without candidate or sender", ErrUnknownMessage)
		}
		return &Trickle{Header: h, Candidate: *env.Candidate}, nil
	case "":
		return nil, fmt.Errorf("%w: missing janus field", ErrUnknownMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Janus)
	}
}

// Status is a message on the gateway status topic.
type Status struct {
	Online bool `json:"online"`
}

// DecodeStatus parses a status-topic payload; the online field is mandatory.
func DecodeStatus(data []byte) (Status, error) {
	var raw struct {
		Online *bool `json:"online"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if raw.Online == nil {
		return Status{}, fmt.Errorf("%w: status without online field", ErrUnknownMessage)
	}
	return Status{Online: *raw.Online}, nil
}
