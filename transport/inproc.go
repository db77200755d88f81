package transport

import (
	"sync"
	"time"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
)

const inprocBuffer = 256

// Inproc is an in-process transport: node peers live in the same process
// as the SMN and exchange frames over channels. It backs the coordinator
// and app tests, and serves local co-simulations where all nodes run as
// goroutines.
type Inproc struct {
	mu    sync.Mutex
	peers map[int32]*InprocPeer

	inbox     chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewInproc creates an empty in-process transport.
func NewInproc() *Inproc {
	return &Inproc{
		peers:  make(map[int32]*InprocPeer),
		inbox:  make(chan Event, inprocBuffer),
		closed: make(chan struct{}),
	}
}

// InprocPeer is the node-side handle of an Inproc transport.
type InprocPeer struct {
	id int32
	t  *Inproc
	in chan *obnmsg.Frame
}

// Connect attaches a node peer. Connecting twice returns the same peer.
func (t *Inproc) Connect(nodeID int32) *InprocPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		return p
	}
	p := &InprocPeer{
		id: nodeID,
		t:  t,
		in: make(chan *obnmsg.Frame, inprocBuffer),
	}
	t.peers[nodeID] = p
	return p
}

// Register implements Transport. For the in-process back-end the endpoint
// string is unused; registering implies connecting.
func (t *Inproc) Register(nodeID int32, endpoint string) error {
	t.Connect(nodeID)
	return nil
}

// Send implements Transport. Delivery is best-effort: a peer that stopped
// draining its channel loses frames rather than blocking the coordinator.
func (t *Inproc) Send(nodeID int32, f *obnmsg.Frame) error {
	t.mu.Lock()
	p, ok := t.peers[nodeID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	select {
	case <-t.closed:
		return ErrClosed
	case p.in <- f:
	default:
	}
	return nil
}

// Broadcast implements Transport.
func (t *Inproc) Broadcast(f *obnmsg.Frame) error {
	t.mu.Lock()
	ids := make([]int32, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		// Per-receiver frames so the node id in the header matches.
		g := *f
		g.NodeID = id
		if err := t.Send(id, &g); err != nil && err != ErrUnknownEndpoint {
			return err
		}
	}
	return nil
}

// Recv implements Transport.
func (t *Inproc) Recv(deadline time.Time) (Event, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ev := <-t.inbox:
		return ev, nil
	case <-timeout:
		return Event{}, ErrTimeout
	case <-t.closed:
		return Event{}, ErrClosed
	}
}

// Close implements Transport.
func (t *Inproc) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// In is the stream of frames the SMN sent to this peer.
func (p *InprocPeer) In() <-chan *obnmsg.Frame { return p.in }

// Send delivers a frame from the node to the SMN. Frames sent after the
// transport closed are dropped.
func (p *InprocPeer) Send(f *obnmsg.Frame) {
	select {
	case <-p.t.closed:
	case p.t.inbox <- Event{NodeID: p.id, Frame: f}:
	}
}

// Down injects a permanent endpoint loss for this peer, as a brokered
// back-end would after exhausting reconnects.
func (p *InprocPeer) Down() {
	select {
	case <-p.t.closed:
	case p.t.inbox <- Event{NodeID: p.id, Down: true}:
	}
}
