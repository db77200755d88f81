package nameserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/transport"
)

const (
	eventBuffer  = 1024
	writeTimeout = 5 * time.Second
)

// Transport implements transport.Transport over node-initiated TCP
// streams. Nodes resolve the SMN through the name server, dial in, and
// identify themselves with their first SYS frame; after that the stream
// carries length-prefixed frames in both directions.
type Transport struct {
	log *slog.Logger
	ln  net.Listener

	workspace string
	nsAddr    string

	mu    sync.Mutex
	ids   map[string]int32 // endpoint -> node id
	conns map[int32]net.Conn

	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures the transport.
type Option func(*Transport)

// WithLog sets the transport logger.
var WithLog = func(log *slog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithNameServer publishes the SMN address under <workspace>/_smn_ at the
// given name server so nodes can find it.
var WithNameServer = func(addr string) Option {
	return func(t *Transport) {
		t.nsAddr = addr
	}
}

// New starts listening for node connections on listenAddr (":0" for an
// ephemeral port).
func New(listenAddr, workspace string, opts ...Option) (*Transport, error) {
	t := &Transport{
		log:       slog.New(slog.NewTextHandler(nullWriter{}, nil)),
		workspace: workspace,
		ids:       make(map[string]int32),
		conns:     make(map[int32]net.Conn),
		events:    make(chan transport.Event, eventBuffer),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("nameserver transport: listen: %w", err)
	}
	t.ln = ln

	if t.nsAddr != "" {
		if err := RegisterName(t.nsAddr, workspace+"/_smn_", ln.Addr().String()); err != nil {
			ln.Close()
			return nil, err
		}
	}

	go t.acceptLoop()
	return t, nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() string { return t.ln.Addr().String() }

// Register implements transport.Transport. The endpoint here is the
// federation name a node will present when it dials in.
func (t *Transport) Register(nodeID int32, endpoint string) error {
	t.mu.Lock()
	t.ids[endpoint] = nodeID
	t.mu.Unlock()
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(nodeID int32, f *obnmsg.Frame) error {
	t.mu.Lock()
	conn, ok := t.conns[nodeID]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownEndpoint
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := obnmsg.WriteFrame(conn, f); err != nil {
		t.dropConn(nodeID, conn)
		return fmt.Errorf("nameserver transport: send to node %d: %w", nodeID, err)
	}
	return nil
}

// Broadcast implements transport.Transport.
func (t *Transport) Broadcast(f *obnmsg.Frame) error {
	t.mu.Lock()
	ids := make([]int32, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		g := *f
		g.NodeID = id
		if err := t.Send(id, &g); err != nil && err != transport.ErrUnknownEndpoint {
			t.log.Warn("Broadcast delivery failed", "node", id, "error", err)
		}
	}
	return nil
}

// Recv implements transport.Transport.
func (t *Transport) Recv(deadline time.Time) (transport.Event, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ev := <-t.events:
		return ev, nil
	case <-timeout:
		return transport.Event{}, transport.ErrTimeout
	case <-t.closed:
		return transport.Event{}, transport.ErrClosed
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.ln.Close()
		t.mu.Lock()
		for _, conn := range t.conns {
			conn.Close()
		}
		t.mu.Unlock()
	})
	return err
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.serveConn(conn)
	}
}

// serveConn binds an inbound stream to a node id using the first frame's
// SYS payload, then pumps frames into the event channel. Stream loss after
// binding is permanent endpoint loss.
func (t *Transport) serveConn(conn net.Conn) {
	first, err := obnmsg.ReadFrame(conn)
	if err != nil {
		t.log.Warn("Dropping connection: bad first frame", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	if first.Sys == nil {
		t.log.Warn("Dropping connection: first frame is not a SYS frame", "remote", conn.RemoteAddr(), "kind", first.Kind)
		conn.Close()
		return
	}

	endpoint := first.Sys.Target + "/" + first.Sys.Port
	t.mu.Lock()
	id, known := t.ids[endpoint]
	if known {
		if old, ok := t.conns[id]; ok {
			old.Close()
		}
		t.conns[id] = conn
	}
	t.mu.Unlock()
	if !known {
		t.log.Warn("Dropping connection: unknown endpoint", "endpoint", endpoint)
		conn.Close()
		return
	}

	t.push(transport.Event{NodeID: id, Frame: first})

	for {
		f, err := obnmsg.ReadFrame(conn)
		if err != nil {
			var ce *obnmsg.CodecError
			if errors.As(err, &ce) {
				// Framing is intact; drop the frame and keep the stream.
				t.log.Warn("Dropping malformed frame", "node", id, "error", err)
				continue
			}
			if err != io.EOF {
				t.log.Warn("Stream lost", "node", id, "error", err)
			}
			t.dropConn(id, conn)
			select {
			case <-t.closed:
			default:
				t.push(transport.Event{NodeID: id, Down: true})
			}
			return
		}
		t.push(transport.Event{NodeID: id, Frame: f})
	}
}

func (t *Transport) dropConn(id int32, conn net.Conn) {
	conn.Close()
	t.mu.Lock()
	if t.conns[id] == conn {
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

func (t *Transport) push(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
