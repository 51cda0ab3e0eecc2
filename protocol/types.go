package protocol

import (
	"fmt"
	"net/netip"
	"sort"
)

// Type distinguishes requests from responses.
type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
)

// Status is the outcome carried by a response.
type Status uint8

const (
	StatusSuccess Status = iota + 1
	StatusFailure
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Coordinator-facing commands.
const (
	CommandRegister         = "register"
	CommandSetupDHT         = "setup-dht"
	CommandQueryDHT         = "query-dht"
	CommandLeaveDHT         = "leave-dht"
	CommandDeregister       = "deregister"
	CommandTeardownDHT      = "teardown-dht"
	CommandDHTComplete      = "dht-complete"
	CommandDHTRebuilt       = "dht-rebuilt"
	CommandTeardownComplete = "teardown-complete"
)

// Ring-facing commands.
const (
	CommandSetID     = "set-id"
	CommandStore     = "store"
	CommandQuery     = "query"
	CommandResetID   = "reset-id"
	CommandResetNext = "reset-next"
	CommandResetPrev = "reset-prev"
	CommandTeardown  = "teardown"
)

const (
	// MaxNameLength is the longest user name the coordinator accepts, in bytes.
	MaxNameLength = 15

	// MaxPort is the largest declarable port.
	MaxPort = 65535

	// MaxMessageSize is the practical datagram ceiling.
	MaxMessageSize = 1024
)

// Identity names a registered node and where to reach it.
type Identity struct {
	Name    string
	Control netip.AddrPort
	Data    netip.AddrPort
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Name == "" && !id.Control.IsValid() && !id.Data.IsValid()
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Data)
}

// Record is an opaque dataset row: field name to value.
type Record map[string]string

// Key returns the value of the designated shard key field.
func (r Record) Key(field string) string {
	return r[field]
}

// Fields returns the record's field names in sorted order.
func (r Record) Fields() []string {
	var names = make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Args is the structured payload of a request. Each command uses a subset.
type Args struct {
	UserName  string
	Port      int
	N         int
	I         int
	Prev      Identity
	Next      Identity
	Leader    Identity
	Record    Record
	Key       string
	Requester netip.AddrPort
	Origin    Identity
}

// Body is the optional payload of a response.
type Body struct {
	Identities []Identity
	Record     Record
	Reason     string
}

// Message is the envelope exchanged between nodes and the coordinator.
type Message struct {
	Type    Type
	Command string
	Status  Status
	Ref     string
	Args    Args
	Body    Body
}

// NewRequest builds a request envelope.
func NewRequest(command string, args Args) Message {
	return Message{
		Type:    TypeRequest,
		Command: command,
		Args:    args,
	}
}

// Success builds a SUCCESS response.
func Success(body Body) Message {
	return Message{Type: TypeResponse, Status: StatusSuccess, Body: body}
}

// Failure builds a FAILURE response with an informational reason.
func Failure(format string, args ...any) Message {
	return Message{
		Type:   TypeResponse,
		Status: StatusFailure,
		Body:   Body{Reason: fmt.Sprintf(format, args...)},
	}
}

// NotFound builds a NOT_FOUND response.
func NotFound(reason string) Message {
	return Message{Type: TypeResponse, Status: StatusNotFound, Body: Body{Reason: reason}}
}

// WithRef returns a copy of m carrying the correlation ref.
func (m Message) WithRef(ref string) Message {
	m.Ref = ref
	return m
}

// IsRequest reports whether m is a request.
func (m Message) IsRequest() bool {
	return m.Type == TypeRequest
}

// OK reports whether m is a SUCCESS response.
func (m Message) OK() bool {
	return m.Type == TypeResponse && m.Status == StatusSuccess
}
