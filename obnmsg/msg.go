package obnmsg

import "fmt"

// Kind identifies the type of a frame exchanged between the SMN and a node.
type Kind uint8

const (
	KindInit Kind = iota // SMN -> node: start of simulation, carries time unit and block catalog
	KindY                // SMN -> node: compute outputs for the masked blocks
	KindX                // SMN -> node: update state for the masked blocks
	KindAck              // node -> SMN: acknowledges INIT, Y, X or TERM
	KindEvent            // node -> SMN: request an irregular firing at a future time
	KindTerm             // SMN -> node: terminate the simulation
	KindError            // node -> SMN: node-side error or warning
	KindSysOpenPort      // node -> SMN: a port is open and reachable
	KindSysRequestConnect // node -> SMN: node requests to join the federation
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "SIM_INIT"
	case KindY:
		return "SIM_Y"
	case KindX:
		return "SIM_X"
	case KindAck:
		return "SIM_ACK"
	case KindEvent:
		return "SIM_EVENT"
	case KindTerm:
		return "SIM_TERM"
	case KindError:
		return "SIM_ERROR"
	case KindSysOpenPort:
		return "SYS_OPENPORT"
	case KindSysRequestConnect:
		return "SYS_REQUEST_CONNECT"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Status is the node-reported result code carried in ACK frames. ERROR
// frames carry their own integer code in ErrorPayload instead.
type Status int32

const (
	StatusOK      Status = 0
	StatusWarning Status = 1
	StatusError   Status = 2
)

// BlockSpec is one entry of the block catalog sent with SIM_INIT. The node
// must confirm the catalog matches its own declaration before acking.
type BlockSpec struct {
	LocalID uint16
	Period  int64
}

// InitPayload is the body of SIM_INIT.
type InitPayload struct {
	// TimeUnit is the length of one virtual time atom in microseconds.
	TimeUnit uint64
	Blocks   []BlockSpec
}

// EventRequest is an irregular firing request, either standalone in a
// SIM_EVENT frame or piggybacked on a SIM_ACK.
type EventRequest struct {
	Time int64
	Mask uint64
}

// AckPayload is the body of SIM_ACK. Acked names the kind being
// acknowledged; the mask acknowledged travels in the frame header.
type AckPayload struct {
	Acked  Kind
	Status Status

	// NextEvent, if non-nil, requests an irregular firing.
	NextEvent *EventRequest
}

// EventPayload is the body of SIM_EVENT. The requested block mask travels
// in the frame header.
type EventPayload struct {
	Time int64
}

// ErrorPayload is the body of SIM_ERROR.
type ErrorPayload struct {
	Code    int32
	Message string
}

// SysPayload is the body of the SYS_* startup frames. For
// SYS_REQUEST_CONNECT, Port carries the node name, Target the workspace,
// and Blocks the node's declared catalog so the SMN can check it against
// the configuration.
type SysPayload struct {
	Port   string
	Target string
	Blocks []BlockSpec
}

// Frame is one message between the SMN and a node. Time is the virtual
// time stamp in atoms, Mask a little-endian bitfield over the node's local
// block ids. Exactly one payload pointer is set, matching Kind; kinds
// without a body (Y, X, TERM) carry none.
type Frame struct {
	Kind   Kind
	Time   int64
	NodeID int32
	Mask   uint64

	Init  *InitPayload
	Ack   *AckPayload
	Event *EventPayload
	Error *ErrorPayload
	Sys   *SysPayload
}

// AckFor builds the acknowledgement a node sends for the given frame.
func AckFor(f *Frame, status Status) *Frame {
	return &Frame{
		Kind:   KindAck,
		Time:   f.Time,
		NodeID: f.NodeID,
		Mask:   f.Mask,
		Ack:    &AckPayload{Acked: f.Kind, Status: status},
	}
}
