package sim

import (
	"fmt"
	"slices"
)

// BlockRef addresses one block globally as a (node, local id) pair.
type BlockRef struct {
	Node  int32
	Local int
}

func (r BlockRef) String() string {
	return fmt.Sprintf("(%d,%d)", r.Node, r.Local)
}

// Signature is the declared shape of a node as confirmed during
// registration: the period of each block in local-id order.
type Signature struct {
	Periods []int64
}

// Model is the compiled, index-based form of a System. Node and block
// records live in contiguous slices addressed by small integers; everything
// downstream of setup works on these indices only.
//
// Block indices ("gids") are assigned in registration order: nodes in
// declaration order, blocks in local-id order. A gid therefore orders
// blocks exactly by (node id, block id), which is the tie-break rule for
// both the event queue and the per-tick topological order.
type Model struct {
	sys *System

	nodeIDByName map[string]int32
	blockBase    []int // per node: gid of its block 0

	owner  []int32
	local  []int
	period []int64

	// succ holds the static dependency projection: succ[g] lists gids
	// that must not start their update before g completes. Built from
	// internal deps and cross-node feedthrough; acyclic by construction
	// time check.
	succ [][]int

	// trig maps a gid to the gids whose triggering inputs are wired to
	// its outputs.
	trig [][]int
}

// Compile validates a System and builds its Model. A cycle in the static
// feedthrough+internal dependency projection is a setup error and refuses
// the run.
func Compile(sys *System) (*Model, error) {
	if err := sys.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		sys:          sys,
		nodeIDByName: make(map[string]int32, len(sys.Nodes)),
	}

	total := 0
	for i := range sys.Nodes {
		m.nodeIDByName[sys.Nodes[i].Name] = int32(i)
		m.blockBase = append(m.blockBase, total)
		total += len(sys.Nodes[i].Blocks)
	}

	m.owner = make([]int32, 0, total)
	m.local = make([]int, 0, total)
	m.period = make([]int64, 0, total)
	m.succ = make([][]int, total)
	m.trig = make([][]int, total)

	for i := range sys.Nodes {
		for _, b := range sys.Nodes[i].Blocks {
			m.owner = append(m.owner, int32(i))
			m.local = append(m.local, b.LocalID)
			m.period = append(m.period, b.Period)
		}
	}

	// Internal deps: dep must complete before the declaring block.
	for i := range sys.Nodes {
		for _, b := range sys.Nodes[i].Blocks {
			dst := m.blockBase[i] + b.LocalID
			for _, dep := range b.InternalDeps {
				src := m.blockBase[i] + dep
				m.succ[src] = append(m.succ[src], dst)
			}
		}
	}

	// Cross-node edges derived from connections: an output wired to a
	// feedthrough input orders the producer before the consumer; an
	// output wired to a triggering input fires the consumer.
	for _, c := range sys.Connections {
		from := m.nodeIDByName[c.FromNode]
		to := m.nodeIDByName[c.ToNode]
		for _, fb := range sys.Nodes[from].Blocks {
			if !contains(fb.Outputs, c.FromPort) {
				continue
			}
			src := m.blockBase[from] + fb.LocalID
			for _, tb := range sys.Nodes[to].Blocks {
				dst := m.blockBase[to] + tb.LocalID
				if contains(tb.Feedthrough, c.ToPort) {
					m.succ[src] = append(m.succ[src], dst)
				}
				if contains(tb.Triggers, c.ToPort) {
					m.trig[src] = append(m.trig[src], dst)
				}
			}
		}
	}

	for g := range m.succ {
		slices.Sort(m.succ[g])
		m.succ[g] = slices.Compact(m.succ[g])
		slices.Sort(m.trig[g])
		m.trig[g] = slices.Compact(m.trig[g])
	}

	if err := m.detectCycles(); err != nil {
		return nil, err
	}

	return m, nil
}

// detectCycles runs a DFS with a recursion stack over the static
// projection. Any cycle here would deadlock the per-tick barrier.
func (m *Model) detectCycles() error {
	visited := make([]bool, len(m.owner))
	recStack := make([]bool, len(m.owner))

	var dfs func(g int, path []int) error
	dfs = func(g int, path []int) error {
		visited[g] = true
		recStack[g] = true
		path = append(path, g)

		for _, next := range m.succ[g] {
			if !visited[next] {
				if err := dfs(next, path); err != nil {
					return err
				}
			} else if recStack[next] {
				cycle := append(path, next)
				refs := make([]BlockRef, len(cycle))
				for i, c := range cycle {
					refs[i] = m.Ref(c)
				}
				return cfgErr("", "dependency cycle: %v", refs)
			}
		}

		recStack[g] = false
		return nil
	}

	for g := range m.owner {
		if !visited[g] {
			if err := dfs(g, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// System returns the declaration this model was compiled from.
func (m *Model) System() *System { return m.sys }

// NumNodes returns the node count.
func (m *Model) NumNodes() int { return len(m.sys.Nodes) }

// NumBlocks returns the global block count.
func (m *Model) NumBlocks() int { return len(m.owner) }

// Node returns the declaration of node id.
func (m *Model) Node(id int32) *Node { return &m.sys.Nodes[id] }

// NodeID resolves a node name; the second result is false for unknown
// names.
func (m *Model) NodeID(name string) (int32, bool) {
	id, ok := m.nodeIDByName[name]
	return id, ok
}

// GID maps a (node, local id) pair to its global block index.
func (m *Model) GID(node int32, local int) int {
	return m.blockBase[node] + local
}

// Ref maps a global block index back to its (node, local id) pair.
func (m *Model) Ref(gid int) BlockRef {
	return BlockRef{Node: m.owner[gid], Local: m.local[gid]}
}

// Owner returns the node owning the block.
func (m *Model) Owner(gid int) int32 { return m.owner[gid] }

// Period returns the block's period in atoms; 0 for event-only blocks.
func (m *Model) Period(gid int) int64 { return m.period[gid] }

// Successors returns the static dependency successors of the block: the
// blocks that may not start updating before it completes.
func (m *Model) Successors(gid int) []int { return m.succ[gid] }

// TriggerTargets returns the blocks fired by the block's outputs.
func (m *Model) TriggerTargets(gid int) []int { return m.trig[gid] }

// Signature returns the declared shape of a node, used to check
// registration requests against the configuration.
func (m *Model) Signature(node int32) Signature {
	blocks := m.sys.Nodes[node].Blocks
	sig := Signature{Periods: make([]int64, len(blocks))}
	for i, b := range blocks {
		sig.Periods[i] = b.Period
	}
	return sig
}

// Deadlines returns the per-phase budgets with defaults applied.
func (m *Model) Deadlines() Deadlines {
	return m.sys.Deadlines.withDefaults()
}

func contains(list []string, s string) bool {
	return slices.Contains(list, s)
}
