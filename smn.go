// Package obnsmn implements the openBuildNet System Management Node: the
// central coordinator of a distributed co-simulation. It owns the global
// virtual clock, schedules periodic and event-driven block firings across
// the federation, and drives the two-phase UPDATE_Y / UPDATE_X barrier
// honoring declared dependencies.
//
// The SMN consumes a finished sim.System value and a transport.Transport;
// it never executes user code and never touches signal payloads.
package obnsmn

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sduerr85/OpenBuildNet/internal/execution"
	"github.com/sduerr85/OpenBuildNet/sim"
	"github.com/sduerr85/OpenBuildNet/transport"
)

// Error kinds surfaced by a run, aliased here so callers need not reach
// into internal packages.
type (
	ProtocolError = execution.ProtocolError
	TimeoutError  = execution.TimeoutError
	NodeError     = execution.NodeError
)

// SMN is the system management node application. Construct with New,
// drive with Run, stop early with Close.
type SMN struct {
	cfg   config
	model *sim.Model
	tr    transport.Transport
	coord *execution.Coordinator

	eg        *errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New compiles the system description and builds the coordinator on the
// given transport. Configuration defects (including a cycle in the static
// dependency projection) are returned here, before anything is dispatched.
func New(sys *sim.System, tr transport.Transport, opts ...Option) (*SMN, error) {
	model, err := sim.Compile(sys)
	if err != nil {
		return nil, err
	}

	s := &SMN{
		cfg:   defaultConfig(),
		model: model,
		tr:    tr,
	}
	for _, opt := range opts {
		opt(&s.cfg)
	}

	s.coord = execution.New(model, tr, execution.Config{
		Log:    s.cfg.log.WithGroup("gc"),
		Sink:   s.cfg.sink,
		Pacing: s.cfg.pacing,
	})
	return s, nil
}

// MustNew is New panicking on configuration errors; prefer New outside of
// examples.
func MustNew(sys *sim.System, tr transport.Transport, opts ...Option) *SMN {
	s, err := New(sys, tr, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Run blocks until the simulation finishes, fails, or Close is called.
// The returned error is nil for a completed or cancelled run.
func (s *SMN) Run() error {
	return s.RunContext(context.Background())
}

// RunContext is Run bound to a caller context. Cancelling the context
// requests a graceful stop after the current tick.
func (s *SMN) RunContext(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	grp := &errgroup.Group{}
	s.eg = grp
	grp.Go(func() error { return s.coord.Run(ctx) })
	return grp.Wait()
}

// Close requests a graceful stop, waits for the run to finish, and
// releases the transport.
func (s *SMN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.eg != nil {
			err = multierr.Append(err, s.eg.Wait())
		}
		err = multierr.Append(err, s.tr.Close())
	})
	return err
}

// Now returns the current virtual time in atoms.
func (s *SMN) Now() int64 { return s.coord.Now() }
