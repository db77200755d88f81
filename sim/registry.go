package sim

import (
	"errors"
	"fmt"
	"slices"
)

// Liveness is the lifecycle state of a node as seen by the coordinator.
type Liveness int

const (
	Unregistered Liveness = iota
	Registered
	Ready
	Running
	Stopped
	Errored
	TimedOut
)

func (l Liveness) String() string {
	switch l {
	case Unregistered:
		return "UNREGISTERED"
	case Registered:
		return "REGISTERED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Errored:
		return "ERRORED"
	case TimedOut:
		return "TIMED_OUT"
	}
	return fmt.Sprintf("Liveness(%d)", int(l))
}

// Absorbing reports whether the state admits no further transitions.
func (l Liveness) Absorbing() bool {
	return l == Errored || l == TimedOut
}

// ErrRegistrationConflict is returned when a node registers with a block
// signature that does not match its declaration.
var ErrRegistrationConflict = errors.New("sim: registration conflict")

// ErrRegistryFrozen is returned for registrations after setup closed.
var ErrRegistryFrozen = errors.New("sim: registry is frozen")

// ErrUnknownNode is returned for names absent from the system declaration.
var ErrUnknownNode = errors.New("sim: unknown node")

// Registry tracks the registration and liveness of every declared node.
// It is owned by the coordinator thread; once Freeze is called the id and
// name tables are immutable for the rest of the run.
type Registry struct {
	model  *Model
	state  []Liveness
	frozen bool
}

// NewRegistry creates a registry with every declared node Unregistered.
func NewRegistry(model *Model) *Registry {
	return &Registry{
		model: model,
		state: make([]Liveness, model.NumNodes()),
	}
}

// Register records a node's registration request. Registration is
// idempotent: a repeat for a known name with a matching signature succeeds
// and returns the same id; a conflicting signature fails.
func (r *Registry) Register(name string, sig Signature) (int32, error) {
	if r.frozen {
		return 0, ErrRegistryFrozen
	}
	id, ok := r.model.NodeID(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	declared := r.model.Signature(id)
	if !slices.Equal(declared.Periods, sig.Periods) {
		return 0, fmt.Errorf("%w: node %q declared periods %v, got %v",
			ErrRegistrationConflict, name, declared.Periods, sig.Periods)
	}
	if r.state[id] == Unregistered {
		r.state[id] = Registered
	}
	return id, nil
}

// Freeze closes the setup phase.
func (r *Registry) Freeze() { r.frozen = true }

// State returns the liveness of the node.
func (r *Registry) State(id int32) Liveness { return r.state[id] }

// Transition moves a node's liveness. Absorbing states are never left, and
// the normal path is monotone; regressions are ignored and reported false.
func (r *Registry) Transition(id int32, to Liveness) bool {
	cur := r.state[id]
	if cur.Absorbing() {
		return false
	}
	if !to.Absorbing() && to < cur {
		return false
	}
	r.state[id] = to
	return true
}

// AllAtLeast reports whether every node reached the given state on the
// normal path.
func (r *Registry) AllAtLeast(min Liveness) bool {
	for _, s := range r.state {
		if s.Absorbing() || s < min {
			return false
		}
	}
	return true
}

// Missing lists the nodes that have not reached the given state, for
// failure reports.
func (r *Registry) Missing(min Liveness) []int32 {
	var ids []int32
	for id, s := range r.state {
		if s.Absorbing() || s < min {
			ids = append(ids, int32(id))
		}
	}
	return ids
}
