// Package transport abstracts how the SMN reaches its nodes. The
// coordinator requires a narrow capability set: register an endpoint, send
// to one node, broadcast to all, and poll for incoming frames under a
// deadline. Back-ends own their reconnection policy; a permanently lost
// endpoint surfaces as a Down event routed through Recv.
package transport

import (
	"errors"
	"time"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
)

// ErrTimeout is returned by Recv when the deadline passes with nothing
// received. It is the normal idle outcome, not a failure.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrUnknownEndpoint is returned by Send for node ids never registered.
var ErrUnknownEndpoint = errors.New("transport: unknown endpoint")

// ErrClosed is returned once the transport is shut down.
var ErrClosed = errors.New("transport: closed")

// Event is one item delivered by Recv: a decoded frame from a node, or a
// Down notice when the node's endpoint is permanently lost.
type Event struct {
	NodeID int32
	Frame  *obnmsg.Frame // nil when Down
	Down   bool
}

// Transport is the capability set the coordinator is built against. All
// methods are called from the coordinator thread only; implementations may
// run background I/O but must funnel everything inbound through Recv.
type Transport interface {
	// Register establishes the stable node id to endpoint mapping during
	// setup.
	Register(nodeID int32, endpoint string) error

	// Send dispatches one frame to a node without blocking. It fails only
	// on permanent endpoint loss.
	Send(nodeID int32, f *obnmsg.Frame) error

	// Broadcast dispatches one frame to every registered node,
	// best-effort, with no ordering guarantee across receivers.
	Broadcast(f *obnmsg.Frame) error

	// Recv returns the next inbound event, waiting until the deadline. A
	// zero deadline waits indefinitely.
	Recv(deadline time.Time) (Event, error)

	Close() error
}
