// Package report carries structured progress and diagnostic events from
// the coordinator to an external consumer. Sinks must accept or drop;
// nothing in this package may block the scheduler.
package report

import (
	"fmt"
	"log/slog"
)

// Reason closes a run in a Finished event.
type Reason int

const (
	ReasonCompleted Reason = iota
	ReasonErrored
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "COMPLETED"
	case ReasonErrored:
		return "ERRORED"
	case ReasonCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Event is the closed set of report payloads.
type Event interface {
	event()
}

// TickStarted marks the advancement of virtual time to T.
type TickStarted struct {
	T int64
}

// TickCompleted summarizes one finished tick.
type TickCompleted struct {
	T     int64
	Fired int
	Waves int
}

// StateChanged records a coordinator lifecycle transition.
type StateChanged struct {
	From string
	To   string
}

// NodeTimedOut records a node missing its phase deadline after the
// permitted resend.
type NodeTimedOut struct {
	NodeID int32
}

// NodeError records a SIM_ERROR received from a node.
type NodeError struct {
	NodeID int32
	Info   string
}

// LateEvent records an irregular event request dated before current time.
type LateEvent struct {
	NodeID int32
	T      int64
	Now    int64
}

// Resend records a repeated dispatch after a missed ack.
type Resend struct {
	NodeID int32
	T      int64
	Phase  string
}

// Finished is the final event of every run.
type Finished struct {
	Reason Reason
	T      int64
	Detail string
}

func (TickStarted) event()   {}
func (TickCompleted) event() {}
func (StateChanged) event()  {}
func (NodeTimedOut) event()  {}
func (NodeError) event()     {}
func (LateEvent) event()     {}
func (Resend) event()        {}
func (Finished) event()      {}

// Sink consumes report events. Write must not block.
type Sink interface {
	Write(Event)
}

// NullSink drops everything.
type NullSink struct{}

func (NullSink) Write(Event) {}

// SlogSink logs every event through a slog.Logger.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Write(e Event) {
	switch ev := e.(type) {
	case TickStarted:
		s.Log.Debug("tick started", "t", ev.T)
	case TickCompleted:
		s.Log.Info("tick completed", "t", ev.T, "fired", ev.Fired, "waves", ev.Waves)
	case StateChanged:
		s.Log.Info("state changed", "from", ev.From, "to", ev.To)
	case NodeTimedOut:
		s.Log.Error("node timed out", "node", ev.NodeID)
	case NodeError:
		s.Log.Error("node error", "node", ev.NodeID, "info", ev.Info)
	case LateEvent:
		s.Log.Warn("late event discarded", "node", ev.NodeID, "t", ev.T, "now", ev.Now)
	case Resend:
		s.Log.Warn("resend", "node", ev.NodeID, "t", ev.T, "phase", ev.Phase)
	case Finished:
		s.Log.Info("finished", "reason", ev.Reason, "t", ev.T, "detail", ev.Detail)
	default:
		s.Log.Info("report", "event", fmt.Sprintf("%+v", e))
	}
}

// ChanSink forwards events into a buffered channel and drops when the
// consumer falls behind.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a ChanSink with the given buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

func (s *ChanSink) Write(e Event) {
	select {
	case s.C <- e:
	default:
	}
}

// Tee fans an event out to several sinks.
type Tee []Sink

func (t Tee) Write(e Event) {
	for _, s := range t {
		s.Write(e)
	}
}
